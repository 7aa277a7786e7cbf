package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// NodeKind discriminates the shapes a recorded DOM node can take.
type NodeKind uint8

const (
	// InvalidNode is any JSON value that is not one of the shapes below. It
	// renders as nothing.
	InvalidNode NodeKind = iota
	// TextNode is a JSON string.
	TextNode
	// RefNode is [[delta, index]]: reuse node index of the snapshot delta
	// positions earlier in the same frame.
	RefNode
	// ElementNode is [tag, attrs?, ...children].
	ElementNode
)

// Attr is one element attribute. Attribute order is significant and preserved.
type Attr struct {
	Name  string
	Value string
}

// Node is a recorded DOM node.
type Node struct {
	Kind NodeKind

	Text string

	Delta int
	Index int

	Tag      string
	Attrs    []Attr
	Children []*Node
}

// Text returns a text node.
func Text(s string) *Node { return &Node{Kind: TextNode, Text: s} }

// Ref returns a reference to node index of the snapshot delta back.
func Ref(delta, index int) *Node { return &Node{Kind: RefNode, Delta: delta, Index: index} }

// Element returns an element node.
func Element(tag string, attrs []Attr, children ...*Node) *Node {
	return &Node{Kind: ElementNode, Tag: tag, Attrs: attrs, Children: children}
}

// UnmarshalJSON decodes the compact array encoding used in trace files.
func (n *Node) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	parsed, err := decodeNode(dec)
	if err != nil {
		return err
	}
	*n = *parsed
	return nil
}

func decodeNode(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case string:
		return Text(t), nil
	case json.Delim:
		switch t {
		case '[':
			return decodeArrayNode(dec)
		case '{':
			if err := skipObject(dec); err != nil {
				return nil, err
			}
		}
	}
	return &Node{Kind: InvalidNode}, nil
}

func decodeArrayNode(dec *json.Decoder) (*Node, error) {
	if !dec.More() {
		_, err := dec.Token()
		return &Node{Kind: InvalidNode}, err
	}
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case string:
		return decodeElement(dec, t)
	case json.Delim:
		if t == '[' {
			return decodeRef(dec)
		}
		if err := skipObject(dec); err != nil {
			return nil, err
		}
	}
	// Unknown head: drain the outer array.
	return &Node{Kind: InvalidNode}, skipRest(dec)
}

func decodeRef(dec *json.Decoder) (*Node, error) {
	var pair []json.Number
	valid := true
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode node reference: %w", err)
		}
		var num json.Number
		if err := json.Unmarshal(raw, &num); err != nil {
			valid = false
		}
		pair = append(pair, num)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if err := skipRest(dec); err != nil {
		return nil, err
	}
	if !valid || len(pair) != 2 {
		return &Node{Kind: InvalidNode}, nil
	}
	delta, err1 := strconv.Atoi(pair[0].String())
	index, err2 := strconv.Atoi(pair[1].String())
	if err1 != nil || err2 != nil {
		return &Node{Kind: InvalidNode}, nil
	}
	return Ref(delta, index), nil
}

func decodeElement(dec *json.Decoder, tag string) (*Node, error) {
	n := &Node{Kind: ElementNode, Tag: tag}
	first := true
	for dec.More() {
		if first {
			first = false
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, err
			}
			raw = bytes.TrimSpace(raw)
			if len(raw) > 0 && raw[0] == '{' {
				attrs, err := decodeAttrs(raw)
				if err != nil {
					return nil, err
				}
				n.Attrs = attrs
				continue
			}
			// No attribute object: the second element is already a child.
			child := &Node{}
			if err := child.UnmarshalJSON(raw); err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
			continue
		}
		child, err := decodeNode(dec)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	_, err := dec.Token()
	return n, err
}

func decodeAttrs(raw json.RawMessage) ([]Attr, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var attrs []Attr
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, errors.New("decode attributes: non-string key")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			s = string(value)
		}
		attrs = append(attrs, Attr{Name: name, Value: s})
	}
	return attrs, nil
}

// skipObject consumes the members and closing brace of an object whose
// opening brace was already read.
func skipObject(dec *json.Decoder) error {
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return err
		}
		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return err
		}
	}
	_, err := dec.Token()
	return err
}

// skipRest consumes the remaining values and closing bracket of an array
// whose opening bracket was already read.
func skipRest(dec *json.Decoder) error {
	for dec.More() {
		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return err
		}
	}
	_, err := dec.Token()
	return err
}

// MarshalJSON encodes n in the compact array encoding.
func (n *Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := n.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *Node) encode(buf *bytes.Buffer) error {
	switch n.Kind {
	case TextNode:
		b, err := json.Marshal(n.Text)
		if err != nil {
			return err
		}
		buf.Write(b)
	case RefNode:
		fmt.Fprintf(buf, "[[%d,%d]]", n.Delta, n.Index)
	case ElementNode:
		tag, err := json.Marshal(n.Tag)
		if err != nil {
			return err
		}
		buf.WriteByte('[')
		buf.Write(tag)
		if len(n.Attrs) > 0 {
			buf.WriteString(",{")
			for i, a := range n.Attrs {
				if i > 0 {
					buf.WriteByte(',')
				}
				k, _ := json.Marshal(a.Name)
				v, _ := json.Marshal(a.Value)
				buf.Write(k)
				buf.WriteByte(':')
				buf.Write(v)
			}
			buf.WriteByte('}')
		}
		for _, c := range n.Children {
			buf.WriteByte(',')
			if err := c.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		buf.WriteString("null")
	}
	return nil
}
