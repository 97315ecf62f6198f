package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meanwhile131/deepseek-cli/config"
	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/llm"
	"github.com/meanwhile131/deepseek-cli/session"
	"github.com/meanwhile131/deepseek-cli/toolcall"
	"github.com/meanwhile131/deepseek-cli/tools"
	"github.com/rs/zerolog"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// State is a state of the conversation loop.
type State int

const (
	StateAwaitingInput State = iota
	StateRunningTurn
	StateExecutingTools
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingInput:
		return "awaiting_input"
	case StateRunningTurn:
		return "running_turn"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DefaultInterruptWindow is how close together two interrupts must be to end
// the conversation.
const DefaultInterruptWindow = 2 * time.Second

// ErrTurnCancelled is reported when the user interrupts a turn.
var ErrTurnCancelled = errors.Sentinel("turn cancelled")

// Input carries what the user types and their interrupt requests. Lines is
// closed at end of input.
type Input struct {
	Lines      <-chan string
	Interrupts <-chan struct{}
}

// ProcessCallbacks lets a front-end observe the loop. Every field is
// optional.
type ProcessCallbacks struct {
	// OnAwaitingInput is called before the loop blocks for a user line.
	OnAwaitingInput func()
	// OnSection is called the first time each field produces output in a turn.
	OnSection  func(field llm.Field)
	OnFragment func(f llm.Fragment)
	// OnTurnEnd is called once a turn's stream stops, successfully or not.
	OnTurnEnd    func()
	OnToolCall   func(index, total int, call toolcall.Segment)
	OnToolResult func(call toolcall.Segment, result string, err error)
	// ShouldExecuteTool confirms a call in ModePrompt. ctx is cancelled if
	// the user interrupts.
	ShouldExecuteTool func(ctx context.Context, call toolcall.Segment) bool
	OnWarning         func(warning string)
	OnError           func(err error)
	OnStateChange     func(from, to State)
}

type Agent struct {
	Config         *config.Config
	Session        *session.Session
	Backend        llm.Backend
	AvailableTools []tools.Tool
	Mode           Mode
	Verbosity      ToolVerbosity
	Log            zerolog.Logger

	InterruptWindow time.Duration
	// Now is the clock used for interrupt timing.
	Now func() time.Time

	toolsByName   map[string]tools.Tool
	state         State
	lastInterrupt time.Time
}

// New creates an agent that drives backend with the tools of the named
// toolset.
func New(cfg *config.Config, sess *session.Session, registry *tools.ToolRegistry, toolset string, mode Mode, backend llm.Backend, verbosity ToolVerbosity) (*Agent, error) {
	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		return nil, err
	}

	activeTools, err := registry.GetActiveTools(ts)
	if err != nil {
		return nil, err
	}

	return NewWithTools(cfg, sess, activeTools, mode, backend, verbosity), nil
}

// NewWithTools creates an agent with an explicit tool list.
func NewWithTools(cfg *config.Config, sess *session.Session, activeTools []tools.Tool, mode Mode, backend llm.Backend, verbosity ToolVerbosity) *Agent {
	byName := make(map[string]tools.Tool, len(activeTools))
	for _, t := range activeTools {
		byName[t.Name()] = t
	}
	return &Agent{
		Config:          cfg,
		Session:         sess,
		Backend:         backend,
		AvailableTools:  activeTools,
		Mode:            mode,
		Verbosity:       verbosity,
		Log:             zerolog.Nop(),
		InterruptWindow: DefaultInterruptWindow,
		Now:             time.Now,
		toolsByName:     byName,
	}
}

// State returns the loop's current state.
func (a *Agent) State() State { return a.state }

// WithSession returns a copy of the agent bound to sess, with its own loop
// state, so several conversations can run side by side.
func (a *Agent) WithSession(sess *session.Session) *Agent {
	b := *a
	b.Session = sess
	b.state = StateAwaitingInput
	b.lastInterrupt = time.Time{}
	return &b
}

// SystemPrompt is prefixed to the first prompt of a conversation.
func (a *Agent) SystemPrompt() string {
	var b strings.Builder
	b.WriteString(`System prompt:
You are an AI assistant inside a command-line application, running on a real system. You can use tools to interact with it.
To show output to the user or ask a question, just write it normally; no tool will be called.
To invoke a tool, write only its exact name on a line, then a newline, then its arguments.
To make several tool calls in one response, separate them with a line containing exactly "` + toolcall.Delimiter + `", for example:
tool_name1
arguments for tool 1...
` + toolcall.Delimiter + `
tool_name2
arguments for tool 2...
The results of all calls are sent back to you in the next message.
If the user gives no context, assume they mean the current directory. Do not guess the contents of files; read them first.

Available tools:
`)
	for _, t := range a.AvailableTools {
		fmt.Fprintf(&b, "%s: %s\n", t.Name(), t.Description())
	}
	b.WriteString("\nUser prompt:\n")
	return b.String()
}

func (a *Agent) setState(s State, cb ProcessCallbacks) {
	from := a.state
	a.state = s
	a.Log.Debug().Stringer("from", from).Stringer("to", s).Msg("state change")
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, s)
	}
}

func (a *Agent) warn(cb ProcessCallbacks, msg string) {
	if cb.OnWarning != nil {
		cb.OnWarning(msg)
	}
}

// Run drives the conversation until the input ends, the user quits, or two
// interrupts arrive within InterruptWindow. initialPrompt, if set, is sent
// before any input is read.
func (a *Agent) Run(ctx context.Context, initialPrompt string, in Input, cb ProcessCallbacks) error {
	pending := strings.TrimSpace(initialPrompt)
	var content string
	a.state = StateAwaitingInput

	for {
		if err := ctx.Err(); err != nil && a.state != StateDone {
			a.setState(StateDone, cb)
			return err
		}

		switch a.state {
		case StateAwaitingInput:
			if pending == "" {
				line, ok := a.awaitInput(ctx, in, cb)
				if !ok {
					a.setState(StateDone, cb)
					continue
				}
				pending = line
			}
			a.setState(StateRunningTurn, cb)

		case StateRunningTurn:
			var err error
			content, err = a.runTurn(ctx, pending, in, cb)
			pending = ""
			if err != nil {
				if errors.Is(err, ErrTurnCancelled) {
					a.warn(cb, "Turn cancelled.")
				} else if cb.OnError != nil {
					cb.OnError(err)
				}
				a.setState(StateAwaitingInput, cb)
				continue
			}
			a.setState(StateExecutingTools, cb)

		case StateExecutingTools:
			results, err := a.executeTools(ctx, content, in, cb)
			if err != nil {
				a.warn(cb, "Tool execution cancelled.")
				a.setState(StateAwaitingInput, cb)
				continue
			}
			if results == "" {
				a.setState(StateAwaitingInput, cb)
				continue
			}
			pending = results
			a.setState(StateRunningTurn, cb)

		case StateDone:
			return nil
		}
	}
}

// awaitInput blocks for the next non-empty line. It reports false when the
// conversation should end.
func (a *Agent) awaitInput(ctx context.Context, in Input, cb ProcessCallbacks) (string, bool) {
	if cb.OnAwaitingInput != nil {
		cb.OnAwaitingInput()
	}
	for {
		select {
		case <-ctx.Done():
			return "", false
		case line, ok := <-in.Lines:
			if !ok {
				return "", false
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit", "/exit":
				return "", false
			}
			return line, true
		case <-in.Interrupts:
			if a.interrupt() {
				return "", false
			}
			a.warn(cb, "Interrupt again to exit.")
		}
	}
}

// interrupt records an interrupt and reports whether it follows the previous
// one within the window.
func (a *Agent) interrupt() bool {
	now := a.Now()
	double := !a.lastInterrupt.IsZero() && now.Sub(a.lastInterrupt) <= a.InterruptWindow
	a.lastInterrupt = now
	return double
}

// watchInterrupts returns a context cancelled on the first interrupt. stop
// must be called before interrupted is read; it joins the watcher.
func watchInterrupts(ctx context.Context, in Input) (watched context.Context, stop func(), interrupted func() bool) {
	watched, cancel := context.WithCancel(ctx)
	var hit atomic.Bool
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-in.Interrupts:
			hit.Store(true)
			cancel()
		case <-done:
		case <-watched.Done():
		}
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			cancel()
		})
	}
	return watched, stop, hit.Load
}

// runTurn sends prompt and streams the reply. The session is only updated
// once the reply has been received completely.
func (a *Agent) runTurn(ctx context.Context, prompt string, in Input, cb ProcessCallbacks) (string, error) {
	userPrompt := prompt
	if a.Session.FirstTurn {
		prompt = a.SystemPrompt() + prompt
	}

	turnCtx, stop, interrupted := watchInterrupts(ctx, in)
	defer stop()

	start := a.Now()
	log := a.Log.With().Str("backend", a.Backend.Name()).Str("chat_id", a.Session.ChatID).Logger()
	log.Debug().Int("prompt_bytes", len(prompt)).Bool("first_turn", a.Session.FirstTurn).Msg("turn started")

	snap, err := a.streamTurn(turnCtx, prompt, cb)
	stop()
	if err != nil && interrupted() {
		a.lastInterrupt = a.Now()
		log.Debug().Msg("turn interrupted")
		return "", ErrTurnCancelled
	}
	if err != nil {
		log.Debug().Err(err).Msg("turn failed")
		return "", err
	}

	a.Session.FirstTurn = false
	if snap.MessageID != nil {
		a.Session.LastMessageID = snap.MessageID
	}
	a.Session.AddMessage(session.Message{Role: "user", Content: prompt})
	a.Session.AddMessage(session.Message{Role: "assistant", Content: snap.Content})
	if err := a.Session.Save(); err != nil {
		a.warn(cb, fmt.Sprintf("failed to save session: %v", err))
	}

	log.Debug().
		Dur("duration", a.Now().Sub(start)).
		Int("content_bytes", len(snap.Content)).
		Int("thinking_bytes", len(snap.Thinking)).
		Int("user_bytes", len(userPrompt)).
		Msg("turn finished")
	return snap.Content, nil
}

func (a *Agent) streamTurn(ctx context.Context, prompt string, cb ProcessCallbacks) (*llm.Snapshot, error) {
	turn, err := a.Backend.StartTurn(ctx, a.Session, prompt)
	if err != nil {
		return nil, err
	}
	defer turn.Close()

	seen := make(map[llm.Field]bool, 2)
	for turn.Next() {
		f := turn.Fragment()
		if !seen[f.Field] {
			seen[f.Field] = true
			if cb.OnSection != nil {
				cb.OnSection(f.Field)
			}
		}
		if cb.OnFragment != nil {
			cb.OnFragment(f)
		}
	}
	if cb.OnTurnEnd != nil {
		cb.OnTurnEnd()
	}
	if err := turn.Err(); err != nil {
		return nil, err
	}
	return turn.Snapshot()
}

func (a *Agent) isKnownTool(name string) bool {
	_, ok := a.toolsByName[name]
	return ok
}

// executeTools runs every call in content in order and returns the combined
// results, or "" if content has no calls. It fails only when interrupted.
func (a *Agent) executeTools(ctx context.Context, content string, in Input, cb ProcessCallbacks) (string, error) {
	calls := toolcall.Calls(toolcall.Parse(content, a.isKnownTool))
	if len(calls) == 0 {
		return "", nil
	}

	toolCtx, stop, interrupted := watchInterrupts(ctx, in)
	defer stop()

	results := make([]string, 0, len(calls))
	for i, call := range calls {
		n := i + 1
		if toolCtx.Err() != nil {
			break
		}
		if cb.OnToolCall != nil {
			cb.OnToolCall(n, len(calls), call)
		}
		if a.Mode == ModePrompt && cb.ShouldExecuteTool != nil && !cb.ShouldExecuteTool(toolCtx, call) {
			results = append(results, fmt.Sprintf("Tool call %d: %s was declined by the user", n, call.Name))
			continue
		}

		out, err := a.executeTool(toolCtx, call)
		if cb.OnToolResult != nil {
			cb.OnToolResult(call, out, err)
		}
		results = append(results, formatResult(n, call.Name, out, err))
	}

	stop()
	if interrupted() {
		a.lastInterrupt = a.Now()
		return "", ErrTurnCancelled
	}
	return strings.Join(results, "\n\n"), nil
}

// executeTool runs one call, turning a panic into an error.
func (a *Agent) executeTool(ctx context.Context, call toolcall.Segment) (out string, err error) {
	tool := a.toolsByName[call.Name]
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("tool panicked: %v", r)
		}
		a.Log.Info().
			Str("tool", call.Name).
			Dur("duration", time.Since(start)).
			Int("args_bytes", len(call.Args)).
			Int("output_bytes", len(out)).
			AnErr("error", err).
			Msg("tool executed")
	}()
	return tool.Execute(ctx, call.Args)
}

func formatResult(n int, name, out string, err error) string {
	if err != nil {
		return fmt.Sprintf("Tool call %d: %s failed:\n%s", n, name, err.Error())
	}
	return fmt.Sprintf("Tool call %d: %s returned:\n%s", n, name, out)
}
