package toolcall

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func knownSet(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(name string) bool { return set[name] }
}

var registry = knownSet("run_command", "read_file", "write_file")

func TestScenario(t *testing.T) {
	calls := Calls(Parse("run_command\nls\n###\nread_file\nREADME", registry))
	require.Len(t, calls, 2)
	assert.Equal(t, "run_command", calls[0].Name)
	assert.Equal(t, "ls", calls[0].Args)
	assert.Equal(t, "read_file", calls[1].Name)
	assert.Equal(t, "README", calls[1].Args)
}

func TestNCallsVerbatim(t *testing.T) {
	blobs := []struct{ name, args string }{
		{"write_file", "main.go\npackage main\n\nfunc main() {}"},
		{"run_command", "go\nbuild\n./..."},
		{"read_file", "go.mod"},
		{"run_command", ""},
	}
	var parts []string
	for _, b := range blobs {
		parts = append(parts, b.name+"\n"+b.args)
	}
	calls := Calls(Parse(strings.Join(parts, "\n###\n"), registry))
	require.Len(t, calls, len(blobs))
	for i, b := range blobs {
		assert.Equal(t, b.name, calls[i].Name)
		assert.Equal(t, b.args, calls[i].Args)
	}
}

func TestNoKnownToolsIsNarration(t *testing.T) {
	text := "Here is my plan.\n###\nlist_files\n.\n###\nDone."
	segs := Parse(text, registry)
	require.Len(t, segs, 3)
	for _, s := range segs {
		assert.Equal(t, KindNarration, s.Kind)
	}
	assert.Empty(t, Calls(segs))
	assert.Empty(t, Calls(Parse("", registry)))
}

func TestInterleavedNarration(t *testing.T) {
	text := "I will look around first.\n###\nrun_command\nls\n-la\n###\nThen read:\n###\n\n  read_file\nREADME.md\n###\n"
	segs := Parse(text, registry)
	require.Len(t, segs, 4)
	assert.Equal(t, KindNarration, segs[0].Kind)
	assert.Equal(t, "I will look around first.", segs[0].Text)
	assert.Equal(t, Segment{Kind: KindCall, Name: "run_command", Args: "ls\n-la", Text: "run_command\nls\n-la"}, segs[1])
	assert.Equal(t, KindNarration, segs[2].Kind)
	assert.Equal(t, "read_file", segs[3].Name)
	assert.Equal(t, "README.md", segs[3].Args)
}

func TestFirstLineMustMatchExactly(t *testing.T) {
	segs := Parse("run_command please\nls\n###\nRun_command\nls", registry)
	assert.Empty(t, Calls(segs))
}

func TestDelimiterMustBeWholeLine(t *testing.T) {
	calls := Calls(Parse("write_file\nnotes.md\n# Title\n### Heading\n####\ntext", registry))
	require.Len(t, calls, 1)
	assert.Equal(t, "notes.md\n# Title\n### Heading\n####\ntext", calls[0].Args)
}

func TestCRLF(t *testing.T) {
	calls := Calls(Parse("run_command\r\nls\r\n###\r\nread_file\r\nREADME", registry))
	require.Len(t, calls, 2)
	assert.Equal(t, "run_command", calls[0].Name)
	assert.Equal(t, "ls", calls[0].Args)
	assert.Equal(t, "README", calls[1].Args)
}

func TestNilKnown(t *testing.T) {
	segs := Parse("run_command\nls", nil)
	require.Len(t, segs, 1)
	assert.Equal(t, KindNarration, segs[0].Kind)
}
