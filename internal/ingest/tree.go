package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type NodeKind int

const (
	KindNull NodeKind = iota
	KindObject
	KindArray
	KindScalar
)

// Node is a decoded JSON value that keeps object keys in document order, so
// "first occurrence" searches are deterministic.
type Node struct {
	Kind   NodeKind
	Keys   []string
	Fields map[string]*Node
	Items  []*Node
	// Value holds a string, json.Number or bool for scalars.
	Value any
}

// ParseTree decodes a JSON document into a Node tree.
func ParseTree(data []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	root, err := decodeNode(dec)
	if err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return root, nil
}

func decodeNode(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			n := &Node{Kind: KindObject, Fields: make(map[string]*Node)}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				child, err := decodeNode(dec)
				if err != nil {
					return nil, err
				}
				if _, dup := n.Fields[key]; !dup {
					n.Keys = append(n.Keys, key)
				}
				n.Fields[key] = child
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		case '[':
			n := &Node{Kind: KindArray}
			for dec.More() {
				child, err := decodeNode(dec)
				if err != nil {
					return nil, err
				}
				n.Items = append(n.Items, child)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return n, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case nil:
		return &Node{Kind: KindNull}, nil
	default:
		return &Node{Kind: KindScalar, Value: t}, nil
	}
}

// MarshalJSON re-encodes the tree with the original key order.
func (n *Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *Node) encode(buf *bytes.Buffer) error {
	if n == nil {
		buf.WriteString("null")
		return nil
	}
	switch n.Kind {
	case KindObject:
		buf.WriteByte('{')
		for i, key := range n.Keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			if err := n.Fields[key].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindArray:
		buf.WriteByte('[')
		for i, item := range n.Items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindScalar:
		encoded, err := json.Marshal(n.Value)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	default:
		buf.WriteString("null")
	}
	return nil
}

// Get returns the field with exactly this key, or nil. Safe on nil receivers.
func (n *Node) Get(key string) *Node {
	if n == nil || n.Kind != KindObject {
		return nil
	}
	return n.Fields[key]
}

// GetFold is Get with case-insensitive key matching; the first key in
// document order wins.
func (n *Node) GetFold(key string) *Node {
	if n == nil || n.Kind != KindObject {
		return nil
	}
	if v, ok := n.Fields[key]; ok {
		return v
	}
	for _, k := range n.Keys {
		if strings.EqualFold(k, key) {
			return n.Fields[k]
		}
	}
	return nil
}

// Path follows object keys from n.
func (n *Node) Path(keys ...string) *Node {
	cur := n
	for _, k := range keys {
		cur = cur.Get(k)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Index returns the i-th array element, or nil.
func (n *Node) Index(i int) *Node {
	if n == nil || n.Kind != KindArray || i < 0 || i >= len(n.Items) {
		return nil
	}
	return n.Items[i]
}

// Elements returns array items, or the node itself for any other non-empty node.
func (n *Node) Elements() []*Node {
	if n == nil || n.Kind == KindNull {
		return nil
	}
	if n.Kind == KindArray {
		return n.Items
	}
	return []*Node{n}
}

// Text renders a scalar as trimmed text. Objects, arrays and null yield "".
func (n *Node) Text() string {
	if n == nil || n.Kind != KindScalar {
		return ""
	}
	switch v := n.Value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		if v {
			return "true"
		}
		return "false"
	}
	return strings.TrimSpace(fmt.Sprint(n.Value))
}

// IsEmpty reports whether the node is absent, null, a blank string or an
// empty collection. Numbers and booleans are never empty.
func (n *Node) IsEmpty() bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case KindNull:
		return true
	case KindObject:
		return len(n.Keys) == 0
	case KindArray:
		return len(n.Items) == 0
	}
	if s, ok := n.Value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// Walk visits n and its descendants in document pre-order. Depth starts at 0
// for n; maxDepth < 0 means unbounded. Returning false from fn stops the walk.
func (n *Node) Walk(maxDepth int, fn func(node *Node, depth int) bool) {
	n.walk(0, maxDepth, fn)
}

func (n *Node) walk(depth, maxDepth int, fn func(*Node, int) bool) bool {
	if n == nil {
		return true
	}
	if maxDepth >= 0 && depth > maxDepth {
		return true
	}
	if !fn(n, depth) {
		return false
	}
	switch n.Kind {
	case KindObject:
		for _, k := range n.Keys {
			if !n.Fields[k].walk(depth+1, maxDepth, fn) {
				return false
			}
		}
	case KindArray:
		for _, item := range n.Items {
			if !item.walk(depth+1, maxDepth, fn) {
				return false
			}
		}
	}
	return true
}

// FindFirst searches the tree for the first object, in document order, that
// carries a non-empty value under one of keys. Keys are compared
// case-insensitively and tried in the given priority order at each object.
func (n *Node) FindFirst(keys []string, maxDepth int) *Node {
	var found *Node
	n.Walk(maxDepth, func(node *Node, _ int) bool {
		if node.Kind != KindObject {
			return true
		}
		for _, key := range keys {
			if v := node.GetFold(key); !v.IsEmpty() {
				found = v
				return false
			}
		}
		return true
	})
	return found
}
