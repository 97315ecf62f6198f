package deepseek

import (
	"bufio"
	"io"
	"strings"

	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/llm"
	"github.com/meanwhile131/deepseek-cli/msgtree"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	finishLine = "event: finish"
	dataPrefix = "data: "

	opAppend = "APPEND"
	opBatch  = "BATCH"
)

var (
	contentPath  = "response/" + string(llm.FieldContent)
	thinkingPath = "response/" + string(llm.FieldThinking)
)

// Decoder reconstructs a streamed response from the completion endpoint's
// patch events. It reads one line per step and never reads past the
// terminal marker.
type Decoder struct {
	r   *bufio.Reader
	log zerolog.Logger

	tree    *msgtree.Node
	curPath []string

	frag      llm.Fragment
	err       error
	finished  bool
	done      bool
	lines     int
	anomalies int
}

func NewDecoder(r io.Reader, log zerolog.Logger) *Decoder {
	return &Decoder{
		r:    bufio.NewReader(r),
		log:  log,
		tree: msgtree.NewMap(),
	}
}

// Next advances to the next fragment. It returns false once the stream has
// finished or failed; Err distinguishes the two.
func (d *Decoder) Next() bool {
	for !d.done {
		line, readErr := d.r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if readErr != nil {
			// A final line without a newline only counts if it is the
			// terminal marker.
			d.done = true
			if line == finishLine {
				d.finished = true
				return false
			}
			if readErr == io.EOF {
				d.err = errors.Wrapf(llm.ErrStreamTruncated, "input ended after %d lines", d.lines)
			} else {
				d.err = errors.Wrapf(llm.ErrStreamTruncated, "read failed after %d lines: %v", d.lines, readErr)
			}
			return false
		}
		d.lines++
		if line == finishLine {
			d.done = true
			d.finished = true
			return false
		}
		if d.handleLine(line) {
			return true
		}
	}
	return false
}

// Fragment returns the fragment produced by the last successful Next.
func (d *Decoder) Fragment() llm.Fragment { return d.frag }

// Err returns nil after a clean finish and a truncation error otherwise.
func (d *Decoder) Err() error { return d.err }

// Done reports whether the stream has ended, cleanly or not.
func (d *Decoder) Done() bool { return d.done }

// Finished reports whether the terminal marker was seen.
func (d *Decoder) Finished() bool { return d.finished }

// Tree returns the working message tree.
func (d *Decoder) Tree() *msgtree.Node { return d.tree }

// Anomalies returns the number of events dropped so far.
func (d *Decoder) Anomalies() int { return d.anomalies }

func (d *Decoder) anomaly(reason, line string) {
	d.anomalies++
	d.log.Debug().Str("reason", reason).Int("line", d.lines).Str("event", line).Msg("dropped stream event")
}

// handleLine applies one line and reports whether it produced a fragment.
func (d *Decoder) handleLine(line string) bool {
	if !strings.HasPrefix(line, dataPrefix) {
		return false
	}
	payload := line[len(dataPrefix):]
	if !gjson.Valid(payload) {
		d.anomaly("malformed event", line)
		return false
	}
	ev := gjson.Parse(payload)
	if !ev.IsObject() {
		d.anomaly("event is not an object", line)
		return false
	}

	v := ev.Get("v")
	if !v.Exists() || v.Type == gjson.Null {
		return false
	}
	if v.IsObject() {
		d.tree = msgtree.FromResult(v)
		d.curPath = nil
		return false
	}

	op := ev.Get("o").String()
	var path []string
	appending := false
	if p := ev.Get("p"); p.Exists() {
		if p.Type != gjson.String {
			d.anomaly("path is not a string", line)
			return false
		}
		path = msgtree.SplitPath(p.Str)
		d.curPath = path
		appending = op == opAppend
	} else {
		if d.curPath == nil {
			d.anomaly("continuation without a current path", line)
			return false
		}
		path = d.curPath
		appending = true
	}

	if v.IsArray() {
		if op != opBatch {
			d.anomaly("unsupported array value", line)
			return false
		}
		d.applyBatch(path, v, line)
		return false
	}

	var err error
	switch {
	case v.Type == gjson.String && appending:
		err = d.tree.Append(path, v.Str)
	case appending:
		d.anomaly("append of a non-string value", line)
		return false
	default:
		err = d.tree.Set(path, msgtree.FromResult(v))
	}
	if err != nil {
		d.anomaly(err.Error(), line)
		return false
	}

	if v.Type != gjson.String {
		return false
	}
	switch strings.Join(path, "/") {
	case contentPath:
		d.frag = llm.Fragment{Field: llm.FieldContent, Text: v.Str}
	case thinkingPath:
		d.frag = llm.Fragment{Field: llm.FieldThinking, Text: v.Str}
	default:
		return false
	}
	return true
}

// applyBatch sets each {p, v} entry of a BATCH event relative to base.
func (d *Decoder) applyBatch(base []string, items gjson.Result, line string) {
	items.ForEach(func(_, item gjson.Result) bool {
		p := item.Get("p")
		v := item.Get("v")
		if p.Type != gjson.String || !v.Exists() {
			d.anomaly("malformed batch entry", line)
			return true
		}
		path := append(append([]string(nil), base...), msgtree.SplitPath(p.Str)...)
		if err := d.tree.Set(path, msgtree.FromResult(v)); err != nil {
			d.anomaly(err.Error(), line)
		}
		return true
	})
}
