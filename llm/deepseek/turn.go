package deepseek

import (
	"context"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/llm"
	"github.com/meanwhile131/deepseek-cli/msgtree"
	"github.com/rs/zerolog"
)

type Flags struct {
	Thinking bool
	Search   bool
}

// TurnRequest is one prompt sent into an existing chat.
type TurnRequest struct {
	ChatID   string
	Prompt   string
	ParentID *int64
	Flags    Flags
}

type completionRequest struct {
	ChatSessionID   string   `json:"chat_session_id"`
	ParentMessageID *int64   `json:"parent_message_id"`
	Prompt          string   `json:"prompt"`
	RefFileIDs      []string `json:"ref_file_ids"`
	ThinkingEnabled bool     `json:"thinking_enabled"`
	SearchEnabled   bool     `json:"search_enabled"`
}

// RunTurn solves a fresh proof-of-work challenge and opens the streaming
// completion. The returned Turn owns the response body.
func (c *Client) RunTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	log := c.log.With().Str("turn_id", uuid.NewString()).Str("chat_id", req.ChatID).Logger()

	ch, err := c.Challenge(ctx)
	if err != nil {
		return nil, err
	}
	token, err := c.solver.Solve(ctx, ch)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to solve pow challenge")
	}
	log.Debug().Str("algorithm", ch.Algorithm).Float64("difficulty", ch.Difficulty).Msg("solved pow challenge")

	httpReq, err := c.newRequest(ctx, http.MethodPost, completionPath, completionRequest{
		ChatSessionID:   req.ChatID,
		ParentMessageID: req.ParentID,
		Prompt:          req.Prompt,
		RefFileIDs:      []string{},
		ThinkingEnabled: req.Flags.Thinking,
		SearchEnabled:   req.Flags.Search,
	})
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(powHeader, token)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &llm.TransportError{Op: "completion", Err: err}
	}
	// Errors come back as a JSON envelope instead of an event stream.
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if resp.StatusCode != http.StatusOK || mediaType == "application/json" {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if _, err := checkEnvelope("completion", resp.StatusCode, data); err != nil {
			return nil, err
		}
		return nil, &llm.TransportError{Op: "completion", Status: resp.StatusCode, Err: errors.New("expected an event stream, got %s", truncate(string(data), 200))}
	}

	log.Debug().Bool("thinking", req.Flags.Thinking).Bool("search", req.Flags.Search).Msg("completion stream opened")
	return &Turn{
		body:  resp.Body,
		dec:   NewDecoder(resp.Body, log),
		log:   log,
		start: time.Now(),
	}, nil
}

// Turn is a streamed completion. It implements llm.Turn.
type Turn struct {
	body   io.ReadCloser
	dec    *Decoder
	log    zerolog.Logger
	start  time.Time
	frags  int
	closed bool
	once   sync.Once
}

func (t *Turn) Next() bool {
	if t.closed {
		return false
	}
	if !t.dec.Next() {
		return false
	}
	t.frags++
	return true
}

func (t *Turn) Fragment() llm.Fragment { return t.dec.Fragment() }

func (t *Turn) Err() error {
	if t.closed && !t.dec.Done() {
		return llm.ErrTurnClosed
	}
	return t.dec.Err()
}

// Close releases the connection. The decoder is never read again.
func (t *Turn) Close() error {
	var err error
	t.once.Do(func() {
		t.closed = true
		err = t.body.Close()
		t.log.Debug().
			Dur("duration", time.Since(t.start)).
			Int("fragments", t.frags).
			Int("anomalies", t.dec.Anomalies()).
			Bool("finished", t.dec.Finished()).
			Msg("turn closed")
	})
	return err
}

// Snapshot returns the final response once the stream has been drained to
// its terminal marker.
func (t *Turn) Snapshot() (*llm.Snapshot, error) {
	switch {
	case t.closed:
		return nil, llm.ErrTurnClosed
	case !t.dec.Done():
		return nil, llm.ErrTurnNotDrained
	case t.dec.Err() != nil:
		return nil, t.dec.Err()
	}
	return snapshotFromTree(t.dec.Tree())
}

func snapshotFromTree(tree *msgtree.Node) (*llm.Snapshot, error) {
	resp, ok := tree.Get("response")
	if !ok || resp.Kind() != msgtree.KindMap {
		return nil, errors.Wrapf(llm.ErrProtocolViolation, "no response object in stream")
	}
	snap := &llm.Snapshot{Tree: tree}
	if n, ok := resp.Get("message_id"); ok {
		if id, ok := n.Int64(); ok {
			snap.MessageID = &id
		}
	}
	snap.Content, _ = resp.GetString(string(llm.FieldContent))
	snap.Thinking, _ = resp.GetString(string(llm.FieldThinking))
	return snap, nil
}
