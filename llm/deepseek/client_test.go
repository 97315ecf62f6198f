package deepseek

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/llm"
	"github.com/meanwhile131/deepseek-cli/pow"
	"github.com/meanwhile131/deepseek-cli/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const testToken = "secret"

type fakeAPI struct {
	t *testing.T

	mu           sync.Mutex
	completions  []gjson.Result
	powHeaders   []string
	challenges   int
	stream       func(w http.ResponseWriter, r *http.Request)
	challengeErr bool
}

func ok(biz string) string {
	return fmt.Sprintf(`{"code":0,"msg":"","data":{"biz_code":0,"biz_msg":"","biz_data":%s}}`, biz)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"code":40003,"msg":"Authorization Failed (invalid token)","data":null}`)
		return
	}
	switch r.URL.Path {
	case createChatPath:
		io.WriteString(w, ok(`{"id":"chat-1","seq_id":1}`))
	case historyMessagePath:
		assert.Equal(f.t, "chat-9", r.URL.Query().Get("chat_session_id"))
		io.WriteString(w, ok(`{"chat_session":{"id":"chat-9","current_message_id":7},"chat_messages":[]}`))
	case createPowPath:
		f.mu.Lock()
		f.challenges++
		f.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		assert.Equal(f.t, completionPath, gjson.GetBytes(body, "target_path").String())
		if f.challengeErr {
			io.WriteString(w, `{"code":0,"msg":"","data":{"biz_code":1,"biz_msg":"rate limited","biz_data":null}}`)
			return
		}
		io.WriteString(w, ok(`{"challenge":{"algorithm":"DeepSeekHashV1","challenge":"c","salt":"s","difficulty":144000,"expire_at":1,"signature":"sig","target_path":"/api/v0/chat/completion"}}`))
	case completionPath:
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.completions = append(f.completions, gjson.ParseBytes(body))
		f.powHeaders = append(f.powHeaders, r.Header.Get(powHeader))
		f.mu.Unlock()
		f.stream(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeAPI) seen() ([]gjson.Result, []string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gjson.Result(nil), f.completions...), append([]string(nil), f.powHeaders...), f.challenges
}

func streamLines(ls ...string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range ls {
			io.WriteString(w, l+"\n")
		}
	}
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{
		BaseURL: srv.URL,
		Token:   testToken,
		Solver:  pow.StaticSolver{Token: "pow-token"},
		Headers: map[string]string{"User-Agent": "deepseek-cli-test"},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func drainTurn(t *testing.T, turn llm.Turn) []llm.Fragment {
	t.Helper()
	var frags []llm.Fragment
	for turn.Next() {
		frags = append(frags, turn.Fragment())
	}
	return frags
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "http://x", Solver: pow.StaticSolver{}})
	assert.Error(t, err)
	_, err = NewClient(Options{BaseURL: "http://x", Token: "t"})
	assert.Error(t, err)
}

func TestRunTurn(t *testing.T) {
	api := &fakeAPI{t: t, stream: streamLines(
		`data: {"v":{"response":{"message_id":2,"parent_id":1,"content":"","thinking_content":null}}}`,
		`data: {"p":"response/thinking_content","v":"hm"}`,
		`data: {"p":"response/content","v":"Hel"}`,
		`data: {"v":"lo"}`,
		"event: finish",
	)}
	c := newTestClient(t, api)

	parent := int64(1)
	turn, err := c.RunTurn(context.Background(), TurnRequest{
		ChatID:   "chat-1",
		Prompt:   "hi",
		ParentID: &parent,
		Flags:    Flags{Thinking: true},
	})
	require.NoError(t, err)
	defer turn.Close()

	_, err = turn.Snapshot()
	assert.True(t, errors.Is(err, llm.ErrTurnNotDrained))

	frags := drainTurn(t, turn)
	require.NoError(t, turn.Err())
	assert.Equal(t, []llm.Fragment{
		{Field: llm.FieldThinking, Text: "hm"},
		{Field: llm.FieldContent, Text: "Hel"},
		{Field: llm.FieldContent, Text: "lo"},
	}, frags)

	snap, err := turn.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, snap.MessageID)
	assert.Equal(t, int64(2), *snap.MessageID)
	assert.Equal(t, "Hello", snap.Content)
	assert.Equal(t, "hm", snap.Thinking)

	completions, powHeaders, _ := api.seen()
	require.Len(t, completions, 1)
	req := completions[0]
	assert.Equal(t, "chat-1", req.Get("chat_session_id").String())
	assert.Equal(t, int64(1), req.Get("parent_message_id").Int())
	assert.Equal(t, "hi", req.Get("prompt").String())
	assert.True(t, req.Get("ref_file_ids").IsArray())
	assert.True(t, req.Get("thinking_enabled").Bool())
	assert.False(t, req.Get("search_enabled").Bool())
	assert.Equal(t, []string{"pow-token"}, powHeaders)
}

func TestPowSolvedPerTurn(t *testing.T) {
	api := &fakeAPI{t: t, stream: streamLines(`data: {"v":{"response":{"content":""}}}`, "event: finish")}
	c := newTestClient(t, api)

	for i := 0; i < 2; i++ {
		turn, err := c.RunTurn(context.Background(), TurnRequest{ChatID: "chat-1", Prompt: "p"})
		require.NoError(t, err)
		drainTurn(t, turn)
		require.NoError(t, turn.Close())
	}
	completions, _, challenges := api.seen()
	assert.Equal(t, 2, challenges)
	assert.Equal(t, "null", completions[0].Get("parent_message_id").Raw)
}

func TestRunTurnTruncated(t *testing.T) {
	api := &fakeAPI{t: t, stream: streamLines(
		`data: {"v":{"response":{"content":""}}}`,
		`data: {"p":"response/content","v":"par"}`,
	)}
	c := newTestClient(t, api)

	turn, err := c.RunTurn(context.Background(), TurnRequest{ChatID: "chat-1", Prompt: "p"})
	require.NoError(t, err)
	defer turn.Close()

	frags := drainTurn(t, turn)
	assert.Len(t, frags, 1)
	assert.True(t, errors.Is(turn.Err(), llm.ErrStreamTruncated))
	_, err = turn.Snapshot()
	assert.True(t, errors.Is(err, llm.ErrStreamTruncated))
}

func TestRunTurnProtocolViolation(t *testing.T) {
	api := &fakeAPI{t: t, stream: streamLines(`data: {"v":{"unexpected":{}}}`, "event: finish")}
	c := newTestClient(t, api)

	turn, err := c.RunTurn(context.Background(), TurnRequest{ChatID: "chat-1", Prompt: "p"})
	require.NoError(t, err)
	defer turn.Close()
	drainTurn(t, turn)
	require.NoError(t, turn.Err())
	_, err = turn.Snapshot()
	assert.True(t, errors.Is(err, llm.ErrProtocolViolation))
}

func TestCloseReleasesConnection(t *testing.T) {
	released := make(chan struct{})
	api := &fakeAPI{t: t, stream: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"v":{"response":{"content":""}}}`+"\n")
		io.WriteString(w, `data: {"p":"response/content","v":"first"}`+"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(released)
	}}
	c := newTestClient(t, api)

	turn, err := c.RunTurn(context.Background(), TurnRequest{ChatID: "chat-1", Prompt: "p"})
	require.NoError(t, err)
	require.True(t, turn.Next())
	assert.Equal(t, "first", turn.Fragment().Text)

	require.NoError(t, turn.Close())
	<-released
	assert.False(t, turn.Next())
	assert.True(t, errors.Is(turn.Err(), llm.ErrTurnClosed))
	_, err = turn.Snapshot()
	assert.True(t, errors.Is(err, llm.ErrTurnClosed))
}

func TestContextCancelTruncates(t *testing.T) {
	api := &fakeAPI{t: t, stream: func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"v":{"response":{"content":""}}}`+"\n")
		io.WriteString(w, `data: {"p":"response/content","v":"first"}`+"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}}
	c := newTestClient(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := c.RunTurn(ctx, TurnRequest{ChatID: "chat-1", Prompt: "p"})
	require.NoError(t, err)
	defer turn.Close()
	require.True(t, turn.Next())
	cancel()
	assert.False(t, turn.Next())
	assert.True(t, errors.Is(turn.Err(), llm.ErrStreamTruncated))
}

func TestTransportErrors(t *testing.T) {
	t.Run("bad token", func(t *testing.T) {
		api := &fakeAPI{t: t}
		c := newTestClient(t, api)
		c.token = "wrong"
		_, err := c.CreateChat(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, llm.ErrTransport))
		var te *llm.TransportError
		require.True(t, errors.As(err, &te))
		assert.Equal(t, http.StatusUnauthorized, te.Status)
		assert.Contains(t, err.Error(), "invalid token")
	})

	t.Run("biz error on challenge", func(t *testing.T) {
		api := &fakeAPI{t: t, challengeErr: true}
		c := newTestClient(t, api)
		_, err := c.RunTurn(context.Background(), TurnRequest{ChatID: "chat-1", Prompt: "p"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, llm.ErrTransport))
		assert.Contains(t, err.Error(), "rate limited")
		completions, _, _ := api.seen()
		assert.Empty(t, completions)
	})

	t.Run("json instead of stream", func(t *testing.T) {
		api := &fakeAPI{t: t, stream: func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"code":40300,"msg":"MISSING_HEADER","data":null}`)
		}}
		c := newTestClient(t, api)
		_, err := c.RunTurn(context.Background(), TurnRequest{ChatID: "chat-1", Prompt: "p"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, llm.ErrTransport))
		assert.Contains(t, err.Error(), "MISSING_HEADER")
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c, err := NewClient(Options{BaseURL: srv.URL, Token: testToken, Solver: pow.StaticSolver{}})
		require.NoError(t, err)
		_, err = c.CreateChat(context.Background())
		assert.True(t, errors.Is(err, llm.ErrTransport))
	})
}

func TestBackendOpen(t *testing.T) {
	api := &fakeAPI{t: t}
	b := NewBackend(newTestClient(t, api), Flags{Thinking: true})
	assert.Equal(t, "deepseek", b.Name())

	s := session.Ephemeral("new")
	require.NoError(t, b.Open(context.Background(), s))
	assert.Equal(t, "chat-1", s.ChatID)
	assert.Nil(t, s.LastMessageID)

	resumed := session.Ephemeral("resumed")
	resumed.Resume("chat-9")
	require.NoError(t, b.Open(context.Background(), resumed))
	require.NotNil(t, resumed.LastMessageID)
	assert.Equal(t, int64(7), *resumed.LastMessageID)
	assert.False(t, resumed.FirstTurn)
}

func TestBackendStartTurnThreadsParent(t *testing.T) {
	api := &fakeAPI{t: t, stream: streamLines(
		`data: {"v":{"response":{"message_id":8,"content":""}}}`,
		`data: {"p":"response/content","v":"ok"}`,
		"event: finish",
	)}
	b := NewBackend(newTestClient(t, api), Flags{Search: true})

	s := session.Ephemeral("x")
	s.ChatID = "chat-1"
	id := int64(6)
	s.LastMessageID = &id

	turn, err := b.StartTurn(context.Background(), s, strings.Repeat("x", 3))
	require.NoError(t, err)
	defer turn.Close()
	drainTurn(t, turn)
	snap, err := turn.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(8), *snap.MessageID)

	completions, _, _ := api.seen()
	require.Len(t, completions, 1)
	req := completions[0]
	assert.Equal(t, int64(6), req.Get("parent_message_id").Int())
	assert.Equal(t, "xxx", req.Get("prompt").String())
	assert.True(t, req.Get("search_enabled").Bool())
}
