package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/meanwhile131/deepseek-cli/agent"
	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/llm"
	"github.com/meanwhile131/deepseek-cli/session"
	"github.com/meanwhile131/deepseek-cli/toolcall"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

const (
	optionAllow  = "allow"
	optionReject = "reject"
)

// maxResourceBytes caps the file contents inlined for a resource link.
const maxResourceBytes = 50000

// Server speaks the Agent Client Protocol: newline-delimited JSON-RPC 2.0 over
// a pair of streams. Every ACP session runs its own agent loop.
type Server struct {
	// NewSession and LoadSession open the sessions behind session/new and
	// session/load.
	NewSession  func(name string) (*session.Session, error)
	LoadSession func(name string) (*session.Session, error)

	agent *agent.Agent
	log   zerolog.Logger

	out     io.Writer
	writeMu sync.Mutex

	mu        sync.Mutex
	sessions  map[string]*acpSession
	calls     map[string]chan gjson.Result
	nextReqID int64

	wg sync.WaitGroup
}

// acpSession is the per-session state shared by the read loop and the agent
// goroutine. Fields below mu are guarded by it.
type acpSession struct {
	id         string
	lines      chan string
	interrupts chan struct{}
	done       chan struct{}

	// toolCallID is only touched by the agent goroutine.
	toolSeq    int
	toolCallID string

	mu        sync.Mutex
	promptID  json.RawMessage
	running   bool
	cancelled bool
	lastErr   error
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

// NewServer returns a server whose sessions share a's configuration, tools
// and backend.
func NewServer(a *agent.Agent, log zerolog.Logger) *Server {
	return &Server{
		NewSession:  session.New,
		LoadSession: session.Load,
		agent:       a,
		log:         log.With().Str("component", "acp").Logger(),
		sessions:    make(map[string]*acpSession),
		calls:       make(map[string]chan gjson.Result),
	}
}

// Run serves ACP on in and out until in is exhausted or ctx is done.
func Run(ctx context.Context, a *agent.Agent, in io.Reader, out io.Writer, log zerolog.Logger) error {
	return NewServer(a, log).Serve(ctx, in, out)
}

type readResult struct {
	line []byte
	err  error
}

func readMessages(in io.Reader) <-chan readResult {
	ch := make(chan readResult)
	go func() {
		defer close(ch)
		r := bufio.NewReader(in)
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 {
				ch <- readResult{line: line}
			}
			if err != nil {
				if err != io.EOF {
					ch <- readResult{err: err}
				}
				return
			}
		}
	}()
	return ch
}

// Serve reads requests from in and writes responses and notifications to out.
// Running turns are cancelled when it returns.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	s.out = out
	defer func() {
		s.mu.Lock()
		for _, as := range s.sessions {
			close(as.lines)
		}
		s.sessions = make(map[string]*acpSession)
		s.mu.Unlock()
		cancel()
		s.wg.Wait()
	}()

	s.log.Info().Msg("ACP server started")
	msgs := readMessages(in)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				s.log.Info().Msg("input closed")
				return nil
			}
			if m.err != nil {
				return errors.Wrapf(m.err, "ACP read error")
			}
			s.handle(ctx, m.line)
		}
	}
}

func (s *Server) handle(ctx context.Context, line []byte) {
	line = []byte(strings.TrimSpace(string(line)))
	if len(line) == 0 {
		return
	}
	s.log.Trace().Bytes("payload", line).Msg("received")
	if !gjson.ValidBytes(line) {
		s.writeError(json.RawMessage("null"), codeParseError, "Parse error", nil)
		return
	}

	msg := gjson.ParseBytes(line)
	rawID := msg.Get("id")
	method := msg.Get("method").String()
	if method == "" {
		if rawID.Exists() {
			s.resolve(rawID.Raw, msg)
		}
		return
	}

	var id json.RawMessage
	if rawID.Exists() {
		id = json.RawMessage(rawID.Raw)
	}
	params := msg.Get("params")
	s.log.Debug().Str("method", method).Str("id", string(id)).Msg("dispatching")

	switch method {
	case "initialize":
		s.handleInitialize(id)
	case "session/new":
		s.handleSessionNew(ctx, id, params)
	case "session/load":
		s.handleSessionLoad(ctx, id, params)
	case "session/prompt":
		s.handlePrompt(ctx, id, params)
	case "session/cancel":
		s.handleCancel(params)
	default:
		if id != nil {
			s.writeError(id, codeMethodNotFound, "Method not found", method)
		}
	}
}

// ---- Writing ----

func (s *Server) write(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to serialize JSON-RPC message")
		return
	}
	s.log.Trace().Bytes("payload", data).Msg("sending")
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.log.Warn().Err(err).Msg("write failed")
	}
}

func (s *Server) respond(id json.RawMessage, result any) {
	s.write(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, msg string, data any) {
	s.log.Debug().Int("code", code).Str("message", msg).Interface("data", data).Msg("error response")
	s.write(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg, Data: data}})
}

func (s *Server) update(sessionID string, update map[string]any) {
	s.write(request{JSONRPC: "2.0", Method: "session/update", Params: map[string]any{
		"sessionId": sessionID,
		"update":    update,
	}})
}

func textBlock(text string) map[string]any {
	return map[string]any{"type": "text", "text": text}
}

// call sends a request to the client and waits for its response.
func (s *Server) call(ctx context.Context, method string, params any) (gjson.Result, error) {
	s.mu.Lock()
	s.nextReqID++
	id := strconv.FormatInt(s.nextReqID, 10)
	ch := make(chan gjson.Result, 1)
	s.calls[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.calls, id)
		s.mu.Unlock()
	}()

	s.write(request{JSONRPC: "2.0", ID: json.RawMessage(id), Method: method, Params: params})
	select {
	case <-ctx.Done():
		return gjson.Result{}, ctx.Err()
	case reply := <-ch:
		if e := reply.Get("error"); e.Exists() {
			return gjson.Result{}, errors.New("%s failed: %s", method, e.Get("message").String())
		}
		return reply.Get("result"), nil
	}
}

func (s *Server) resolve(id string, msg gjson.Result) {
	s.mu.Lock()
	ch, ok := s.calls[id]
	s.mu.Unlock()
	if !ok {
		s.log.Debug().Str("id", id).Msg("response to unknown request")
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// ---- Handlers ----

func (s *Server) handleInitialize(id json.RawMessage) {
	s.respond(id, map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *Server) handleSessionNew(ctx context.Context, id json.RawMessage, params gjson.Result) {
	sid := "sess_" + uuid.NewString()
	sess, err := s.NewSession(sid)
	if err != nil {
		s.writeError(id, codeInternalError, "Internal error", fmt.Sprintf("failed to create session: %v", err))
		return
	}

	tmpl := s.agent.Session
	sess.Mode = tmpl.Mode
	sess.Toolset = tmpl.Toolset
	sess.ToolVerbosity = tmpl.ToolVerbosity
	sess.Backend = s.agent.Backend.Name()
	if err := s.agent.Backend.Open(ctx, sess); err != nil {
		s.writeError(id, codeInternalError, "Internal error", fmt.Sprintf("failed to create chat: %v", err))
		return
	}
	if err := sess.Save(); err != nil {
		s.log.Warn().Err(err).Str("session", sid).Msg("failed to save session")
	}

	s.log.Info().Str("session", sid).Str("cwd", params.Get("cwd").String()).Str("chat_id", sess.ChatID).Msg("session created")
	s.start(ctx, sid, sess)
	s.respond(id, map[string]any{"sessionId": sid})
}

// handleSessionLoad resumes a saved session and replays its history as
// session/update notifications before answering.
func (s *Server) handleSessionLoad(ctx context.Context, id json.RawMessage, params gjson.Result) {
	sid := params.Get("sessionId").String()
	if sid == "" {
		s.writeError(id, codeInvalidParams, "Invalid params", "missing sessionId")
		return
	}
	s.mu.Lock()
	_, active := s.sessions[sid]
	s.mu.Unlock()
	if active {
		s.writeError(id, codeInvalidParams, "Invalid params", "session is already loaded")
		return
	}

	sess, err := s.LoadSession(sid)
	if err != nil {
		s.writeError(id, codeInvalidParams, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}

	backend := s.agent.Backend
	if sess.Backend != "" && sess.Backend != backend.Name() {
		sess.ChatID = ""
		sess.LastMessageID = nil
		sess.FirstTurn = true
	}
	if err := backend.Open(ctx, sess); err != nil {
		if sess.ChatID == "" {
			s.writeError(id, codeInternalError, "Internal error", fmt.Sprintf("failed to create chat: %v", err))
			return
		}
		s.log.Warn().Err(err).Str("chat_id", sess.ChatID).Msg("could not resume chat")
	}
	sess.Backend = backend.Name()

	system := s.agent.WithSession(sess).SystemPrompt()
	for _, msg := range sess.Messages {
		switch msg.Role {
		case "user":
			s.update(sid, map[string]any{
				"sessionUpdate": "user_message_chunk",
				"content":       textBlock(strings.TrimPrefix(msg.Content, system)),
			})
		case "assistant":
			if msg.Content != "" {
				s.update(sid, map[string]any{
					"sessionUpdate": "agent_message_chunk",
					"content":       textBlock(msg.Content),
				})
			}
		}
	}

	s.log.Info().Str("session", sid).Int("messages", len(sess.Messages)).Msg("session loaded")
	s.start(ctx, sid, sess)
	s.respond(id, json.RawMessage("null"))
}

func (s *Server) lookup(sid string) (*acpSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.sessions[sid]
	return as, ok
}

func (s *Server) handlePrompt(ctx context.Context, id json.RawMessage, params gjson.Result) {
	if id == nil {
		s.log.Warn().Msg("session/prompt sent as a notification; ignoring")
		return
	}
	as, ok := s.lookup(params.Get("sessionId").String())
	if !ok {
		s.writeError(id, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}
	text := extractUserText(params.Get("prompt"))
	if strings.TrimSpace(text) == "" {
		s.writeError(id, codeInvalidParams, "Invalid params", "empty prompt")
		return
	}

	as.mu.Lock()
	if as.promptID != nil {
		as.mu.Unlock()
		s.writeError(id, codeInvalidRequest, "Invalid request", "a prompt is already running")
		return
	}
	as.promptID = id
	as.mu.Unlock()

	select {
	case as.lines <- text:
	case <-as.done:
		as.mu.Lock()
		as.promptID = nil
		as.mu.Unlock()
		s.writeError(id, codeInternalError, "Internal error", "session has ended")
	case <-ctx.Done():
	}
}

// handleCancel interrupts the running turn. The pending prompt then answers
// with stopReason "cancelled".
func (s *Server) handleCancel(params gjson.Result) {
	as, ok := s.lookup(params.Get("sessionId").String())
	if !ok {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.promptID == nil {
		return
	}
	as.cancelled = true
	if as.running {
		select {
		case as.interrupts <- struct{}{}:
		default:
		}
	}
}

// ---- Sessions ----

func (s *Server) start(ctx context.Context, sid string, sess *session.Session) {
	as := &acpSession{
		id:         sid,
		lines:      make(chan string),
		interrupts: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	a := s.agent.WithSession(sess)
	a.Log = s.log.With().Str("session", sid).Logger()

	s.mu.Lock()
	s.sessions[sid] = as
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := a.Run(ctx, "", agent.Input{Lines: as.lines, Interrupts: as.interrupts}, s.callbacks(as))
		if err != nil && ctx.Err() == nil {
			a.Log.Error().Err(err).Msg("agent loop failed")
		}
		close(as.done)
		s.mu.Lock()
		if s.sessions[sid] == as {
			delete(s.sessions, sid)
		}
		s.mu.Unlock()
		s.finishPrompt(as, true)
	}()
}

// finishPrompt answers the pending session/prompt once its turns are over.
// Unless final, nothing is sent before the prompt has started running.
func (s *Server) finishPrompt(as *acpSession, final bool) {
	as.mu.Lock()
	if !as.running && !final {
		as.mu.Unlock()
		return
	}
	id, cancelled, err := as.promptID, as.cancelled, as.lastErr
	as.promptID, as.running, as.cancelled, as.lastErr = nil, false, false, nil
	select {
	case <-as.interrupts:
	default:
	}
	as.mu.Unlock()

	if id == nil {
		return
	}
	switch {
	case cancelled:
		s.respond(id, map[string]any{"stopReason": "cancelled"})
	case err != nil:
		s.writeError(id, codeInternalError, "Internal error", err.Error())
	default:
		s.respond(id, map[string]any{"stopReason": "end_turn"})
	}
}

func (s *Server) callbacks(as *acpSession) agent.ProcessCallbacks {
	log := s.log.With().Str("session", as.id).Logger()
	return agent.ProcessCallbacks{
		OnAwaitingInput: func() { s.finishPrompt(as, false) },
		OnStateChange: func(from, to agent.State) {
			if to == agent.StateRunningTurn {
				as.mu.Lock()
				as.running = true
				as.mu.Unlock()
			}
		},
		OnFragment: func(f llm.Fragment) {
			kind := "agent_message_chunk"
			if f.Field == llm.FieldThinking {
				kind = "agent_thought_chunk"
			}
			s.update(as.id, map[string]any{"sessionUpdate": kind, "content": textBlock(f.Text)})
		},
		OnToolCall: func(index, total int, call toolcall.Segment) {
			as.toolSeq++
			as.toolCallID = fmt.Sprintf("call_%d", as.toolSeq)
			s.update(as.id, map[string]any{
				"sessionUpdate": "tool_call",
				"toolCall": map[string]any{
					"id":   as.toolCallID,
					"name": call.Name,
					"args": call.Args,
				},
			})
		},
		OnToolResult: func(call toolcall.Segment, result string, err error) {
			res := map[string]any{
				"toolCallId": as.toolCallID,
				"result":     result,
			}
			if err != nil {
				res["error"] = err.Error()
			}
			s.update(as.id, map[string]any{"sessionUpdate": "tool_result", "toolResult": res})
		},
		ShouldExecuteTool: func(ctx context.Context, call toolcall.Segment) bool {
			return s.requestPermission(ctx, as, call)
		},
		OnWarning: func(warning string) {
			log.Warn().Msg(warning)
		},
		OnError: func(err error) {
			log.Error().Err(err).Msg("turn failed")
			as.mu.Lock()
			as.lastErr = err
			as.mu.Unlock()
		},
	}
}

// requestPermission asks the client whether call may run. Anything but the
// allow option declines it.
func (s *Server) requestPermission(ctx context.Context, as *acpSession, call toolcall.Segment) bool {
	result, err := s.call(ctx, "session/request_permission", map[string]any{
		"sessionId": as.id,
		"toolCall": map[string]any{
			"toolCallId": as.toolCallID,
			"title":      call.Name,
			"rawInput":   call.Args,
		},
		"options": []map[string]any{
			{"optionId": optionAllow, "name": "Allow", "kind": "allow_once"},
			{"optionId": optionReject, "name": "Reject", "kind": "reject_once"},
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("tool", call.Name).Msg("permission request failed")
		return false
	}
	outcome := result.Get("outcome")
	return outcome.Get("outcome").String() == "selected" && outcome.Get("optionId").String() == optionAllow
}

// ---- Prompt content ----

// readFileFromURI reads the file behind a file:// URI.
func readFileFromURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if u.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", u.Scheme)
	}
	content, err := os.ReadFile(u.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file")
	}
	return string(content), nil
}

// extractUserText joins the text and resource_link blocks of a prompt.
// Other block types are skipped.
func extractUserText(blocks gjson.Result) string {
	var parts []string
	for _, b := range blocks.Array() {
		switch b.Get("type").String() {
		case "text":
			if text := b.Get("text").String(); strings.TrimSpace(text) != "" {
				parts = append(parts, text)
			}
		case "resource_link":
			parts = append(parts, describeResource(b))
		}
	}
	return strings.Join(parts, "\n")
}

func describeResource(b gjson.Result) string {
	var sb strings.Builder
	uri := b.Get("uri").String()
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Get("name").String())
	if title := b.Get("title").String(); title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", title)
	}
	if desc := b.Get("description").String(); desc != "" {
		fmt.Fprintf(&sb, "Description: %s\n", desc)
	}
	fmt.Fprintf(&sb, "URI: %s\n", uri)
	if mime := b.Get("mimeType").String(); mime != "" {
		fmt.Fprintf(&sb, "Type: %s\n", mime)
	}
	if size := b.Get("size"); size.Exists() {
		fmt.Fprintf(&sb, "Size: %d bytes\n", size.Int())
	}

	if strings.HasPrefix(uri, "file://") {
		content, err := readFileFromURI(uri)
		if err != nil {
			fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
		} else {
			if len(content) > maxResourceBytes {
				content = content[:maxResourceBytes] + "\n\n[... truncated to 50KB ...]"
			}
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
		}
	} else {
		sb.WriteString("\n[External resource - content not available]\n")
	}
	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}
