package terminal

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/meanwhile131/deepseek-cli/agent"
	"github.com/meanwhile131/deepseek-cli/config"
	"github.com/meanwhile131/deepseek-cli/llm"
	"github.com/meanwhile131/deepseek-cli/session"
	"github.com/meanwhile131/deepseek-cli/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct {
	calls int
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "Echoes its arguments" }

func (e *echoTool) Execute(ctx context.Context, args string) (string, error) {
	e.calls++
	return args, nil
}

func newTestTerminal(t *testing.T, backend llm.Backend, mode agent.Mode, verbosity agent.ToolVerbosity, input string, ts ...tools.Tool) (*Terminal, *bytes.Buffer) {
	t.Helper()
	a := agent.NewWithTools(&config.Config{}, session.Ephemeral("terminal-test"), ts, mode, backend, verbosity)
	out := &bytes.Buffer{}
	term := New(a, WithIO(strings.NewReader(input), out), WithInterrupts(make(chan struct{})))
	require.NotNil(t, term)
	assert.False(t, term.interactive)
	return term, out
}

func TestTerminalStreamsSections(t *testing.T) {
	backend := &llm.MockBackend{Replies: []llm.MockReply{{Thinking: "hmm", Content: "Hello there"}}}
	term, out := newTestTerminal(t, backend, agent.ModeAuto, agent.ToolVerbosityNone, "")

	require.NoError(t, term.Run(context.Background(), "hi"))

	assert.Equal(t, "Reasoning:\nhmm\nOutput:\nHello there\n", out.String())
}

func TestTerminalReadsLinesUntilEOF(t *testing.T) {
	backend := &llm.MockBackend{}
	term, out := newTestTerminal(t, backend, agent.ModeAuto, agent.ToolVerbosityNone, "first\n\nsecond\n")

	require.NoError(t, term.Run(context.Background(), ""))

	require.Len(t, backend.Prompts, 2)
	assert.Equal(t, "second", backend.Prompts[1])
	assert.Contains(t, out.String(), "You said: second")
}

func TestTerminalQuit(t *testing.T) {
	backend := &llm.MockBackend{}
	term, _ := newTestTerminal(t, backend, agent.ModeAuto, agent.ToolVerbosityNone, "/exit\nnever sent\n")

	require.NoError(t, term.Run(context.Background(), ""))
	assert.Empty(t, backend.Prompts)
}

func TestTerminalPromptModeAllows(t *testing.T) {
	echo := &echoTool{}
	backend := &llm.MockBackend{Replies: []llm.MockReply{{Content: "echo\nping"}, {Content: "Done."}}}
	term, out := newTestTerminal(t, backend, agent.ModePrompt, agent.ToolVerbosityNone, "y\n", echo)

	require.NoError(t, term.Run(context.Background(), "use echo"))

	assert.Equal(t, 1, echo.calls)
	assert.Contains(t, out.String(), "The assistant wants to call `echo` with args:\nping\n")
	assert.Contains(t, out.String(), "Do you want to allow this? (y/n): ")
	require.Len(t, backend.Prompts, 2)
	assert.Equal(t, "Tool call 1: echo returned:\nping", backend.Prompts[1])
}

func TestTerminalPromptModeDeclinesAtEOF(t *testing.T) {
	echo := &echoTool{}
	backend := &llm.MockBackend{Replies: []llm.MockReply{{Content: "echo\nping"}, {Content: "OK."}}}
	term, _ := newTestTerminal(t, backend, agent.ModePrompt, agent.ToolVerbosityInfo, "", echo)

	require.NoError(t, term.Run(context.Background(), "use echo"))

	assert.Zero(t, echo.calls)
	require.Len(t, backend.Prompts, 2)
	assert.Equal(t, "Tool call 1: echo was declined by the user", backend.Prompts[1])
}

func TestTerminalToolVerbosity(t *testing.T) {
	tests := []struct {
		verbosity agent.ToolVerbosity
		want      []string
		notWant   []string
	}{
		{agent.ToolVerbosityNone, nil, []string{"Calling tool"}},
		{agent.ToolVerbosityInfo, []string{"Calling tool `echo` (1/1)"}, []string{"output:"}},
		{agent.ToolVerbosityAll, []string{"Calling tool `echo` (1/1) with args:\nping\n", "Tool `echo` output:\nping\n"}, nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.verbosity), func(t *testing.T) {
			backend := &llm.MockBackend{Replies: []llm.MockReply{{Content: "echo\nping"}, {Content: "Done."}}}
			term, out := newTestTerminal(t, backend, agent.ModeAuto, tt.verbosity, "", &echoTool{})

			require.NoError(t, term.Run(context.Background(), "go"))
			for _, w := range tt.want {
				assert.Contains(t, out.String(), w)
			}
			for _, w := range tt.notWant {
				assert.NotContains(t, out.String(), w)
			}
		})
	}
}

func TestTerminalReportsErrors(t *testing.T) {
	backend := &llm.MockBackend{Replies: []llm.MockReply{{Content: "cut", Truncate: true}}}
	term, out := newTestTerminal(t, backend, agent.ModeAuto, agent.ToolVerbosityNone, "")

	require.NoError(t, term.Run(context.Background(), "hi"))
	assert.Contains(t, out.String(), "Output:\ncut\nError: "+llm.ErrStreamTruncated.Error())
}
