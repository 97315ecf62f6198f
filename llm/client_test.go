package llm

import (
	"context"
	"testing"

	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, turn Turn) []Fragment {
	t.Helper()
	var out []Fragment
	for turn.Next() {
		out = append(out, turn.Fragment())
	}
	return out
}

func TestStreamTurnAccumulates(t *testing.T) {
	events := [][]Fragment{
		{{Field: FieldThinking, Text: "hm"}},
		{{Field: FieldThinking, Text: "m"}, {Field: FieldContent, Text: "he"}},
		{{Field: FieldContent, Text: ""}},
		{{Field: FieldContent, Text: "llo"}},
	}
	i := 0
	closed := 0
	turn := newStreamTurn(func() ([]Fragment, bool, error) {
		if i == len(events) {
			return nil, false, nil
		}
		i++
		return events[i-1], true, nil
	}, func() error { closed++; return nil })

	_, err := turn.Snapshot()
	assert.True(t, errors.Is(err, ErrTurnNotDrained))

	frags := drain(t, turn)
	require.NoError(t, turn.Err())
	assert.Len(t, frags, 4, "empty fragments are skipped")

	snap, err := turn.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "hello", snap.Content)
	assert.Equal(t, "hmm", snap.Thinking)
	assert.Nil(t, snap.MessageID)
	content, ok := snap.Tree.GetString("response", "content")
	require.True(t, ok)
	assert.Equal(t, "hello", content)

	require.NoError(t, turn.Close())
	require.NoError(t, turn.Close())
	assert.Equal(t, 1, closed)
	_, err = turn.Snapshot()
	assert.True(t, errors.Is(err, ErrTurnClosed))
}

func TestStreamTurnError(t *testing.T) {
	turn := newStreamTurn(func() ([]Fragment, bool, error) {
		return nil, false, &TransportError{Op: "test stream", Status: 502}
	}, nil)
	assert.False(t, turn.Next())
	assert.True(t, errors.Is(turn.Err(), ErrTransport))
	_, err := turn.Snapshot()
	assert.Error(t, err)
}

func TestTransportErrorMessage(t *testing.T) {
	err := &TransportError{Op: "create chat", Status: 401, Err: errors.Sentinel("unauthorized")}
	assert.Equal(t, "create chat: status 401: unauthorized", err.Error())
	assert.True(t, errors.Is(err, ErrTransport))
	var te *TransportError
	require.True(t, errors.As(errors.Wrapf(err, "open"), &te))
	assert.Equal(t, 401, te.Status)
}

func TestMockBackendScript(t *testing.T) {
	ctx := context.Background()
	m := &MockBackend{Replies: []MockReply{
		{Thinking: "t", Content: "one"},
		{Content: "partial", Truncate: true},
	}}
	s := session.Ephemeral("x")
	require.NoError(t, m.Open(ctx, s))
	assert.Equal(t, "mock-chat", s.ChatID)

	turn, err := m.StartTurn(ctx, s, "first")
	require.NoError(t, err)
	frags := drain(t, turn)
	assert.Equal(t, []Fragment{{FieldThinking, "t"}, {FieldContent, "one"}}, frags)
	snap, err := turn.Snapshot()
	require.NoError(t, err)
	require.NotNil(t, snap.MessageID)
	assert.Equal(t, int64(2), *snap.MessageID)

	turn, err = m.StartTurn(ctx, s, "second")
	require.NoError(t, err)
	drain(t, turn)
	assert.True(t, errors.Is(turn.Err(), ErrStreamTruncated))

	turn, err = m.StartTurn(ctx, s, "third")
	require.NoError(t, err)
	drain(t, turn)
	snap, err = turn.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "You said: third", snap.Content)
	assert.Equal(t, []string{"first", "second", "third"}, m.Prompts)
}

func TestMockBackendBlockHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &MockBackend{Replies: []MockReply{{Content: "x", Block: true}}}
	turn, err := m.StartTurn(ctx, session.Ephemeral("x"), "p")
	require.NoError(t, err)
	require.True(t, turn.Next())
	cancel()
	assert.False(t, turn.Next())
	assert.True(t, errors.Is(turn.Err(), context.Canceled))
}
