// Package msgtree holds the in-progress assistant message as a tree of
// string-keyed nodes. Leaves are strings, numbers or opaque raw JSON values;
// inner nodes are mappings. Paths are slash-delimited key sequences.
package msgtree

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/tidwall/gjson"
)

// ErrNotTraversable is returned when a path runs through a missing or
// non-mapping node, or when an operation targets a leaf of the wrong kind.
var ErrNotTraversable = errors.Sentinel("path not traversable")

// Kind tags the variant a Node holds.
type Kind int

const (
	KindMap Kind = iota
	KindString
	KindNumber
	// KindRaw holds arrays, booleans and null verbatim. Never traversable.
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	default:
		return "raw"
	}
}

// Node is one value in the tree.
type Node struct {
	kind     Kind
	str      string
	raw      string
	children map[string]*Node
}

// NewMap returns an empty mapping node.
func NewMap() *Node {
	return &Node{kind: KindMap, children: make(map[string]*Node)}
}

// String returns a string leaf.
func String(s string) *Node { return &Node{kind: KindString, str: s} }

// Number returns a number leaf from its JSON text.
func Number(text string) *Node { return &Node{kind: KindNumber, raw: text} }

// Raw returns an opaque leaf holding a JSON value verbatim.
func Raw(text string) *Node { return &Node{kind: KindRaw, raw: text} }

// FromJSON builds a node from a JSON document.
func FromJSON(data []byte) (*Node, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid JSON document")
	}
	return FromResult(gjson.ParseBytes(data)), nil
}

// FromResult converts an already parsed gjson value.
func FromResult(r gjson.Result) *Node {
	switch {
	case r.IsObject():
		n := NewMap()
		r.ForEach(func(key, value gjson.Result) bool {
			n.children[key.String()] = FromResult(value)
			return true
		})
		return n
	case r.Type == gjson.String:
		return String(r.String())
	case r.Type == gjson.Number:
		return Number(r.Raw)
	default:
		return Raw(r.Raw)
	}
}

// SplitPath splits a slash-delimited path. The empty path is the root.
func SplitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Kind reports the node's variant.
func (n *Node) Kind() Kind { return n.kind }

// Str returns the text of a string leaf.
func (n *Node) Str() (string, bool) {
	if n == nil || n.kind != KindString {
		return "", false
	}
	return n.str, true
}

// Int64 returns the value of an integral number leaf.
func (n *Node) Int64() (int64, bool) {
	if n == nil || n.kind != KindNumber {
		return 0, false
	}
	v, err := strconv.ParseInt(n.raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(n.raw, 64)
		if ferr != nil || f != float64(int64(f)) {
			return 0, false
		}
		return int64(f), true
	}
	return v, true
}

// Keys returns the sorted keys of a mapping node.
func (n *Node) Keys() []string {
	if n == nil || n.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(n.children))
	for k := range n.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get walks path from n. It reports false if any segment is missing or
// crosses a non-mapping node.
func (n *Node) Get(path ...string) (*Node, bool) {
	cur := n
	for _, key := range path {
		if cur == nil || cur.kind != KindMap {
			return nil, false
		}
		next, ok := cur.children[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, cur != nil
}

// GetString is Get followed by Str.
func (n *Node) GetString(path ...string) (string, bool) {
	v, ok := n.Get(path...)
	if !ok {
		return "", false
	}
	return v.Str()
}

// parent resolves the mapping that holds the last segment of path.
func (n *Node) parent(path []string) (*Node, string, error) {
	if len(path) == 0 {
		return nil, "", ErrNotTraversable
	}
	holder, ok := n.Get(path[:len(path)-1]...)
	if !ok || holder.kind != KindMap {
		return nil, "", ErrNotTraversable
	}
	return holder, path[len(path)-1], nil
}

// Set creates or overwrites the leaf at path.
func (n *Node) Set(path []string, v *Node) error {
	holder, key, err := n.parent(path)
	if err != nil {
		return err
	}
	holder.children[key] = v
	return nil
}

// Append concatenates s onto the string leaf at path, creating it as the
// empty string first when absent. A null leaf counts as absent.
func (n *Node) Append(path []string, s string) error {
	holder, key, err := n.parent(path)
	if err != nil {
		return err
	}
	cur, ok := holder.children[key]
	if !ok || cur.isNull() {
		holder.children[key] = String(s)
		return nil
	}
	if cur.kind != KindString {
		return ErrNotTraversable
	}
	cur.str += s
	return nil
}

func (n *Node) isNull() bool {
	return n.kind == KindRaw && n.raw == "null"
}

// MarshalJSON renders the node back into JSON.
func (n *Node) MarshalJSON() ([]byte, error) {
	switch n.kind {
	case KindMap:
		return json.Marshal(n.children)
	case KindString:
		return json.Marshal(n.str)
	default:
		return []byte(n.raw), nil
	}
}
