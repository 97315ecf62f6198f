package deepseek

import (
	"io"
	"strings"
	"testing"

	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/llm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const initialSnapshot = `data: {"v":{"response":{"message_id":4,"parent_id":3,"content":"","thinking_content":null,"status":"WIP"}}}`

func decodeAll(t *testing.T, input string) (*Decoder, []llm.Fragment) {
	t.Helper()
	d := NewDecoder(strings.NewReader(input), zerolog.Nop())
	var frags []llm.Fragment
	for d.Next() {
		frags = append(frags, d.Fragment())
	}
	return d, frags
}

func lines(ls ...string) string {
	return strings.Join(ls, "\n") + "\n"
}

func contentOf(t *testing.T, d *Decoder) string {
	t.Helper()
	s, ok := d.Tree().GetString("response", "content")
	require.True(t, ok)
	return s
}

func TestContinuationEmitsDelta(t *testing.T) {
	d, frags := decodeAll(t, lines(
		initialSnapshot,
		`data: {"p":"response/content","v":"ab"}`,
		`data: {"v":"cd"}`,
		finishLine,
	))
	require.NoError(t, d.Err())
	assert.True(t, d.Finished())
	assert.Equal(t, []llm.Fragment{
		{Field: llm.FieldContent, Text: "ab"},
		{Field: llm.FieldContent, Text: "cd"},
	}, frags)
	assert.Equal(t, "abcd", contentOf(t, d))
}

func TestThinkingThenContent(t *testing.T) {
	d, frags := decodeAll(t, lines(
		initialSnapshot,
		`data: {"p":"response/thinking_content","v":"let me"}`,
		`data: {"v":" think"}`,
		`data: {"p":"response/content","o":"APPEND","v":"answer"}`,
		`data: {"p":"response/status","v":"FINISHED"}`,
		finishLine,
	))
	require.NoError(t, d.Err())
	assert.Equal(t, []llm.Fragment{
		{Field: llm.FieldThinking, Text: "let me"},
		{Field: llm.FieldThinking, Text: " think"},
		{Field: llm.FieldContent, Text: "answer"},
	}, frags)
	thinking, _ := d.Tree().GetString("response", "thinking_content")
	assert.Equal(t, "let me think", thinking)
	status, _ := d.Tree().GetString("response", "status")
	assert.Equal(t, "FINISHED", status)
}

func TestExplicitAppendOntoNullThinking(t *testing.T) {
	d, frags := decodeAll(t, lines(
		`data: {"v":{"response":{"content":"","thinking_content":null}}}`,
		`data: {"p":"response/thinking_content","o":"APPEND","v":"We"}`,
		`data: {"v":" think"}`,
		finishLine,
	))
	require.NoError(t, d.Err())
	assert.Zero(t, d.Anomalies())
	assert.Equal(t, []llm.Fragment{
		{Field: llm.FieldThinking, Text: "We"},
		{Field: llm.FieldThinking, Text: " think"},
	}, frags)
	thinking, _ := d.Tree().GetString("response", "thinking_content")
	assert.Equal(t, "We think", thinking)
}

func TestUntraversablePathIsDropped(t *testing.T) {
	d, frags := decodeAll(t, lines(
		initialSnapshot,
		`data: {"p":"response/content","v":"a"}`,
		`data: {"p":"response/content/x","v":"y"}`,
		`data: {"p":"response/content","o":"APPEND","v":"b"}`,
		finishLine,
	))
	require.NoError(t, d.Err())
	assert.Equal(t, 1, d.Anomalies())
	assert.Len(t, frags, 2)
	assert.Equal(t, "ab", contentOf(t, d))
}

func TestIgnoredAndMalformedLines(t *testing.T) {
	d, frags := decodeAll(t, lines(
		"event: ready",
		`data: {"v":"orphan"}`,
		initialSnapshot,
		"",
		": keep-alive",
		`data: {}`,
		`data: {"v":null,"p":"response/content"}`,
		`data: {not json`,
		`data: ["v"]`,
		`data: {"p":"response/content","v":["a"]}`,
		`data: {"p":"response/message_id","o":"APPEND","v":5}`,
		`data: {"p":"response/content","v":"ok"}`,
		finishLine,
	))
	require.NoError(t, d.Err())
	assert.Equal(t, []llm.Fragment{{Field: llm.FieldContent, Text: "ok"}}, frags)
	// orphan continuation, malformed JSON, non-object event, bare array, append of a number
	assert.Equal(t, 5, d.Anomalies())
}

func TestSnapshotResetsCurrentPath(t *testing.T) {
	d, frags := decodeAll(t, lines(
		initialSnapshot,
		`data: {"p":"response/content","v":"a"}`,
		initialSnapshot,
		`data: {"v":"b"}`,
		finishLine,
	))
	require.NoError(t, d.Err())
	assert.Len(t, frags, 1)
	assert.Equal(t, "", contentOf(t, d))
	assert.Equal(t, 1, d.Anomalies())
}

func TestBatch(t *testing.T) {
	d, frags := decodeAll(t, lines(
		initialSnapshot,
		`data: {"p":"response","o":"BATCH","v":[{"p":"accumulated_token_usage","v":41},{"p":"status","v":"FINISHED"},{"v":"no path"}]}`,
		finishLine,
	))
	require.NoError(t, d.Err())
	assert.Empty(t, frags)
	assert.Equal(t, 1, d.Anomalies())
	status, _ := d.Tree().GetString("response", "status")
	assert.Equal(t, "FINISHED", status)
	usage, ok := d.Tree().Get("response", "accumulated_token_usage")
	require.True(t, ok)
	n, _ := usage.Int64()
	assert.Equal(t, int64(41), n)
}

func TestTruncatedStream(t *testing.T) {
	d, frags := decodeAll(t, initialSnapshot+"\n"+
		`data: {"p":"response/content","v":"ab"}`+"\n"+
		`data: {"v":"c`)
	assert.Equal(t, []llm.Fragment{{Field: llm.FieldContent, Text: "ab"}}, frags)
	assert.True(t, errors.Is(d.Err(), llm.ErrStreamTruncated))
	assert.False(t, d.Finished())
	assert.True(t, d.Done())
	assert.Equal(t, "ab", contentOf(t, d), "partial line is not applied")
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestBrokenSourceIsTruncation(t *testing.T) {
	d := NewDecoder(io.MultiReader(strings.NewReader(lines(initialSnapshot)), brokenReader{}), zerolog.Nop())
	assert.False(t, d.Next())
	assert.True(t, errors.Is(d.Err(), llm.ErrStreamTruncated))
	assert.Contains(t, d.Err().Error(), "unexpected EOF")
}

func TestFinishWithoutNewline(t *testing.T) {
	d, _ := decodeAll(t, initialSnapshot+"\n"+finishLine)
	require.NoError(t, d.Err())
	assert.True(t, d.Finished())
}

type failingReader struct{ t *testing.T }

func (r failingReader) Read([]byte) (int, error) {
	r.t.Error("decoder read past the terminal marker")
	return 0, io.EOF
}

func TestNothingReadAfterFinish(t *testing.T) {
	input := lines(initialSnapshot, `data: {"p":"response/content","v":"x"}`, finishLine)
	d := NewDecoder(io.MultiReader(strings.NewReader(input), failingReader{t}), zerolog.Nop())
	for d.Next() {
	}
	require.NoError(t, d.Err())
	assert.False(t, d.Next())
}
