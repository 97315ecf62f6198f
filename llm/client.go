package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/msgtree"
	"github.com/meanwhile131/deepseek-cli/session"
)

// Field names the part of a response a fragment belongs to.
type Field string

const (
	FieldContent  Field = "content"
	FieldThinking Field = "thinking_content"
)

// Fragment is an incremental piece of streamed text.
type Fragment struct {
	Field Field
	Text  string
}

// Snapshot is the final state of a turn's response.
type Snapshot struct {
	MessageID *int64
	Content   string
	Thinking  string
	Tree      *msgtree.Node
}

// Turn is a single-pass, pull-based sequence of fragments for one
// request/response exchange. Snapshot is only valid once Next has returned
// false and Err is nil. Close releases the underlying connection; after Close
// the turn yields nothing more.
type Turn interface {
	Next() bool
	Fragment() Fragment
	Err() error
	Close() error
	Snapshot() (*Snapshot, error)
}

// Backend is a text-generation service that the agent loop can drive.
type Backend interface {
	Name() string
	// Open prepares the session before its first turn, e.g. by creating a
	// remote chat or looking up where a resumed chat left off.
	Open(ctx context.Context, s *session.Session) error
	StartTurn(ctx context.Context, s *session.Session, prompt string) (Turn, error)
}

var (
	ErrStreamTruncated   = errors.Sentinel("stream ended before the terminal marker")
	ErrProtocolViolation = errors.Sentinel("response does not have the expected structure")
	ErrTransport         = errors.Sentinel("transport failure")
	ErrTurnClosed        = errors.Sentinel("turn already closed")
	ErrTurnNotDrained    = errors.Sentinel("turn not drained")
)

// TransportError reports a connection, auth or API-level failure.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// openStateless gives sessions of backends without server-side chats a local
// id so they can be saved and resumed like any other.
func openStateless(s *session.Session) {
	if s.ChatID == "" {
		s.ChatID = uuid.NewString()
	}
}

// recvFunc returns the fragments decoded from the next stream event. It
// returns ok == false once the stream has ended cleanly.
type recvFunc func() (frags []Fragment, ok bool, err error)

// streamTurn adapts a vendor SDK stream into a Turn.
type streamTurn struct {
	recv      recvFunc
	closeFn   func() error
	messageID *int64

	pending  []Fragment
	cur      Fragment
	content  strings.Builder
	thinking strings.Builder
	err      error
	done     bool
	closed   bool
	once     sync.Once
}

func newStreamTurn(recv recvFunc, closeFn func() error) *streamTurn {
	return &streamTurn{recv: recv, closeFn: closeFn}
}

func (t *streamTurn) Next() bool {
	if t.closed {
		return false
	}
	for len(t.pending) == 0 {
		if t.done {
			return false
		}
		frags, ok, err := t.recv()
		if err != nil {
			t.err = err
			t.done = true
			return false
		}
		if !ok {
			t.done = true
		}
		for _, f := range frags {
			if f.Text != "" {
				t.pending = append(t.pending, f)
			}
		}
	}
	t.cur, t.pending = t.pending[0], t.pending[1:]
	switch t.cur.Field {
	case FieldThinking:
		t.thinking.WriteString(t.cur.Text)
	default:
		t.content.WriteString(t.cur.Text)
	}
	return true
}

func (t *streamTurn) Fragment() Fragment { return t.cur }

func (t *streamTurn) Err() error { return t.err }

func (t *streamTurn) Close() error {
	var err error
	t.once.Do(func() {
		t.closed = true
		if t.closeFn != nil {
			err = t.closeFn()
		}
	})
	return err
}

func (t *streamTurn) Snapshot() (*Snapshot, error) {
	switch {
	case t.closed:
		return nil, ErrTurnClosed
	case !t.done || len(t.pending) > 0:
		return nil, ErrTurnNotDrained
	case t.err != nil:
		return nil, t.err
	}
	tree := msgtree.NewMap()
	resp := msgtree.NewMap()
	_ = tree.Set([]string{"response"}, resp)
	_ = resp.Set([]string{string(FieldContent)}, msgtree.String(t.content.String()))
	_ = resp.Set([]string{string(FieldThinking)}, msgtree.String(t.thinking.String()))
	var id *int64
	if t.messageID != nil {
		v := *t.messageID
		id = &v
		_ = resp.Set([]string{"message_id"}, msgtree.Number(fmt.Sprint(v)))
	}
	return &Snapshot{
		MessageID: id,
		Content:   t.content.String(),
		Thinking:  t.thinking.String(),
		Tree:      tree,
	}, nil
}

// MockReply scripts one turn of a MockBackend.
type MockReply struct {
	Thinking string
	Content  string
	// Err fails StartTurn.
	Err error
	// Truncate ends the stream with ErrStreamTruncated after the fragments.
	Truncate bool
	// Block delivers the fragments and then waits for the turn context to be
	// cancelled.
	Block bool
}

// MockBackend replays scripted replies and records the prompts it receives.
// Once the script runs out it parrots the prompt back.
type MockBackend struct {
	Replies []MockReply
	Prompts []string
	Opened  int

	mu     sync.Mutex
	nextID int64
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Open(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Opened++
	if s.ChatID == "" {
		s.ChatID = "mock-chat"
	}
	return nil
}

func (m *MockBackend) StartTurn(ctx context.Context, s *session.Session, prompt string) (Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prompts = append(m.Prompts, prompt)

	reply := MockReply{Content: fmt.Sprintf("You said: %s", prompt)}
	if len(m.Replies) > 0 {
		reply, m.Replies = m.Replies[0], m.Replies[1:]
	}
	if reply.Err != nil {
		return nil, reply.Err
	}

	var frags []Fragment
	if reply.Thinking != "" {
		frags = append(frags, Fragment{Field: FieldThinking, Text: reply.Thinking})
	}
	if reply.Content != "" {
		frags = append(frags, Fragment{Field: FieldContent, Text: reply.Content})
	}

	m.nextID += 2
	id := m.nextID
	sent := false
	t := newStreamTurn(func() ([]Fragment, bool, error) {
		if !sent {
			sent = true
			return frags, true, nil
		}
		switch {
		case reply.Block:
			<-ctx.Done()
			return nil, false, ctx.Err()
		case reply.Truncate:
			return nil, false, ErrStreamTruncated
		}
		return nil, false, nil
	}, nil)
	t.messageID = &id
	return t, nil
}
