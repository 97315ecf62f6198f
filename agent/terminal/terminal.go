package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/meanwhile131/deepseek-cli/agent"
	"github.com/meanwhile131/deepseek-cli/llm"
	"github.com/meanwhile131/deepseek-cli/toolcall"
	"golang.org/x/term"
)

const maxLineBytes = 1024 * 1024

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	agent       *agent.Agent
	in          io.Reader
	out         io.Writer
	interrupts  <-chan struct{}
	interactive bool

	lines   <-chan string
	midLine bool
	styles  styles
}

type styles struct {
	section lipgloss.Style
	tool    lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	prompt  lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		section: r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		tool:    r.NewStyle().Foreground(lipgloss.Color("6")),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		err:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		prompt:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
	}
}

type Option func(*Terminal)

// WithIO replaces stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(t *Terminal) {
		t.in = in
		t.out = out
	}
}

// WithInterrupts replaces the SIGINT handler with ch.
func WithInterrupts(ch <-chan struct{}) Option {
	return func(t *Terminal) {
		t.interrupts = ch
	}
}

// New creates a new Terminal instance
func New(a *agent.Agent, opts ...Option) *Terminal {
	t := &Terminal{
		agent: a,
		in:    os.Stdin,
		out:   os.Stdout,
	}
	for _, opt := range opts {
		opt(t)
	}
	if f, ok := t.in.(*os.File); ok {
		t.interactive = term.IsTerminal(int(f.Fd()))
	}
	t.styles = newStyles(t.out)
	return t
}

// Run starts the interactive terminal session and returns once the agent
// loop ends.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	t.lines = readLines(t.in)

	interrupts := t.interrupts
	if interrupts == nil {
		ch, stop := notifyInterrupts()
		defer stop()
		interrupts = ch
	}

	if t.interactive {
		t.printf("%s\n", t.styles.tool.Render("Type /quit or press Ctrl+C twice to exit."))
	}
	return t.agent.Run(ctx, initialPrompt, agent.Input{Lines: t.lines, Interrupts: interrupts}, t.callbacks())
}

// readLines feeds the lines of r to a channel, closed at EOF.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

func notifyInterrupts() (<-chan struct{}, func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	out := make(chan struct{})
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				select {
				case out <- struct{}{}:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
	return out, func() {
		signal.Stop(sigs)
		close(done)
	}
}

func (t *Terminal) printf(format string, a ...any) {
	fmt.Fprintf(t.out, format, a...)
}

// newline ends a partially written line.
func (t *Terminal) newline() {
	if t.midLine {
		t.printf("\n")
		t.midLine = false
	}
}

func sectionTitle(field llm.Field) string {
	if field == llm.FieldThinking {
		return "Reasoning:"
	}
	return "Output:"
}

func (t *Terminal) callbacks() agent.ProcessCallbacks {
	return agent.ProcessCallbacks{
		OnAwaitingInput: func() {
			t.newline()
			if t.interactive {
				t.printf("%s", t.styles.prompt.Render("> "))
			}
		},
		OnSection: func(field llm.Field) {
			t.newline()
			t.printf("%s\n", t.styles.section.Render(sectionTitle(field)))
		},
		OnFragment: func(f llm.Fragment) {
			t.printf("%s", f.Text)
			t.midLine = !strings.HasSuffix(f.Text, "\n")
		},
		OnTurnEnd: t.newline,
		OnToolCall: func(index, total int, call toolcall.Segment) {
			switch t.agent.Verbosity {
			case agent.ToolVerbosityInfo:
				t.printf("%s\n", t.styles.tool.Render(fmt.Sprintf("Calling tool `%s` (%d/%d)", call.Name, index, total)))
			case agent.ToolVerbosityAll:
				t.printf("%s\n%s\n", t.styles.tool.Render(fmt.Sprintf("Calling tool `%s` (%d/%d) with args:", call.Name, index, total)), call.Args)
			}
		},
		OnToolResult: func(call toolcall.Segment, result string, err error) {
			switch {
			case t.agent.Verbosity == agent.ToolVerbosityNone:
			case err != nil:
				t.printf("%s\n", t.styles.err.Render(fmt.Sprintf("Tool `%s` failed: %v", call.Name, err)))
			case t.agent.Verbosity == agent.ToolVerbosityAll:
				t.printf("%s\n%s\n", t.styles.tool.Render(fmt.Sprintf("Tool `%s` output:", call.Name)), result)
			}
		},
		ShouldExecuteTool: t.confirm,
		OnWarning: func(warning string) {
			t.newline()
			t.printf("%s\n", t.styles.warning.Render("Warning: "+warning))
		},
		OnError: func(err error) {
			t.newline()
			t.printf("%s\n", t.styles.err.Render(fmt.Sprintf("Error: %v", err)))
		},
	}
}

// confirm asks the user whether call may run. Anything but "y" or "yes"
// declines it.
func (t *Terminal) confirm(ctx context.Context, call toolcall.Segment) bool {
	t.newline()
	if t.agent.Verbosity == agent.ToolVerbosityNone {
		t.printf("%s\n%s\n", t.styles.tool.Render(fmt.Sprintf("The assistant wants to call `%s` with args:", call.Name)), call.Args)
	}
	t.printf("%s", t.styles.prompt.Render("Do you want to allow this? (y/n): "))
	select {
	case <-ctx.Done():
		t.printf("\n")
		return false
	case answer, ok := <-t.lines:
		if !ok {
			t.printf("\n")
			return false
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		}
		return false
	}
}
