package flow

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// RootElement is the required root of every call-flow document.
const RootElement = "Response"

// Document is a parsed call-flow document.
type Document struct {
	Elements []*Node
}

// Node is one element of a call-flow document.
type Node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Node
	Line     int
}

// Parse parses a call-flow document. An empty body is an empty document.
func Parse(body []byte) (*Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return &Document{}, nil
	}

	decoder := xml.NewDecoder(bytes.NewReader(body))
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: no <%s> element", ErrMalformedDocument, RootElement)
		}
		if err != nil {
			return nil, syntaxError(err)
		}

		se, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != RootElement {
			line, _ := decoder.InputPos()
			return nil, fmt.Errorf("%w: line %d: root is <%s>, want <%s>",
				ErrMalformedDocument, line, se.Name.Local, RootElement)
		}
		root, err := parseNode(decoder, se)
		if err != nil {
			return nil, err
		}
		return &Document{Elements: root.Children}, nil
	}
}

func parseNode(decoder *xml.Decoder, start xml.StartElement) (*Node, error) {
	line, _ := decoder.InputPos()
	node := &Node{
		Name:  start.Name.Local,
		Attrs: make(map[string]string, len(start.Attr)),
		Line:  line,
	}
	for _, attr := range start.Attr {
		node.Attrs[attr.Name.Local] = attr.Value
	}

	var text strings.Builder
	for {
		token, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: unterminated <%s> at line %d", ErrMalformedDocument, node.Name, node.Line)
			}
			return nil, syntaxError(err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			child, err := parseNode(decoder, t)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			node.Text = strings.TrimSpace(text.String())
			return node, nil
		}
	}
}

func syntaxError(err error) error {
	var se *xml.SyntaxError
	if errors.As(err, &se) {
		return fmt.Errorf("%w: line %d: %s", ErrMalformedDocument, se.Line, se.Msg)
	}
	return fmt.Errorf("%w: %v", ErrMalformedDocument, err)
}

// Attr returns an attribute value, or def when absent or blank.
func (n *Node) Attr(name, def string) string {
	if v := strings.TrimSpace(n.Attrs[name]); v != "" {
		return v
	}
	return def
}

// BoolAttr parses "true"/"false" attributes.
func (n *Node) BoolAttr(name string, def bool) (bool, error) {
	v := n.Attr(name, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, n.invalid(name, v)
	}
	return b, nil
}

// IntAttr parses integer attributes.
func (n *Node) IntAttr(name string, def int) (int, error) {
	v := n.Attr(name, "")
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, n.invalid(name, v)
	}
	return i, nil
}

// SecondsAttr parses an integer number of seconds.
func (n *Node) SecondsAttr(name string, def time.Duration) (time.Duration, error) {
	i, err := n.IntAttr(name, -1)
	if err != nil {
		return def, err
	}
	if i < 0 {
		return def, nil
	}
	return time.Duration(i) * time.Second, nil
}

// ListAttr splits a comma separated attribute, dropping blanks.
func (n *Node) ListAttr(name string) []string {
	var out []string
	for _, part := range strings.Split(n.Attr(name, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (n *Node) invalid(name, value string) error {
	return fmt.Errorf("%w: <%s %s=%q>", ErrInvalidAttribute, n.Name, name, value)
}
