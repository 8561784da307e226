package protocol

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

var (
	ErrInvalidSyntax = errors.New("invalid stanza syntax")
)

// DecodeError reports a line that could not be parsed into a stanza.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return ErrInvalidSyntax.Error() + ": " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return ErrInvalidSyntax
}

// Element is one parsed markup element: its tag, attributes, direct text and children.
type Element struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Element
}

// Attr returns the attribute value, or "" when absent.
func (e *Element) Attr(name string) string {
	return e.Attrs[name]
}

// Child returns the first child element with the given tag.
func (e *Element) Child(name string) *Element {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildText returns the text of the first child with the given tag, or "".
func (e *Element) ChildText(name string) string {
	if c := e.Child(name); c != nil {
		return c.Text
	}
	return ""
}

// ParseElement parses a single line holding exactly one root element.
func ParseElement(line string) (*Element, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	dec := xml.NewDecoder(strings.NewReader(line))
	dec.Strict = true

	var (
		root  *Element
		stack []*Element
		text  []*strings.Builder
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &DecodeError{Reason: err.Error()}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if root != nil && len(stack) == 0 {
				return nil, &DecodeError{Reason: "content after root element"}
			}
			el := &Element{Name: t.Name.Local, Attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				el.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) == 0 {
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			}
			stack = append(stack, el)
			text = append(text, &strings.Builder{})

		case xml.EndElement:
			top := len(stack) - 1
			stack[top].Text = text[top].String()
			stack = stack[:top]
			text = text[:top]

		case xml.CharData:
			if len(stack) == 0 {
				if strings.TrimSpace(string(t)) != "" {
					return nil, &DecodeError{Reason: "text outside root element"}
				}
				continue
			}
			text[len(text)-1].Write(t)

		case xml.Directive:
			return nil, &DecodeError{Reason: "directives are not allowed"}
		}
	}

	if root == nil {
		return nil, &DecodeError{Reason: "no root element"}
	}
	return root, nil
}

// Decode parses one wire line into a typed stanza.
func Decode(line string) (Stanza, error) {
	el, err := ParseElement(line)
	if err != nil {
		return nil, err
	}

	switch el.Name {
	case TagAuth:
		return Auth{Username: el.Attr("username"), Password: el.Attr("password")}, nil
	case TagRegister:
		return Register{Username: el.Attr("username"), Password: el.Attr("password")}, nil
	case TagMessage:
		return Message{
			From:      el.Attr("from"),
			To:        el.Attr("to"),
			Timestamp: el.Attr("timestamp"),
			Body:      el.ChildText("body"),
		}, nil
	case TagPresence:
		p := Presence{From: el.Attr("from")}
		if c := el.Child("status"); c != nil {
			p.Status = c.Text
			p.HasStatus = true
		}
		return p, nil
	case TagContacts:
		return Contacts{Username: el.Attr("username")}, nil
	case TagSearch:
		return Search{Username: el.Attr("username")}, nil
	case TagLoadChatHistory:
		return LoadChatHistory{Username: el.Attr("username"), Contact: el.Attr("contact")}, nil
	default:
		return Unknown{RawTag: el.Name}, nil
	}
}

// Escape makes s safe for use as element text or a quoted attribute value.
// Newlines are emitted as character references so a value never breaks framing.
func Escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

type builder struct {
	strings.Builder
}

func (b *builder) start(tag string, attrs []string) {
	b.WriteByte('<')
	b.WriteString(tag)
	for i := 0; i+1 < len(attrs); i += 2 {
		b.WriteByte(' ')
		b.WriteString(attrs[i])
		b.WriteString("='")
		b.WriteString(Escape(attrs[i+1]))
		b.WriteByte('\'')
	}
}

// open writes a start tag; attrs alternate name, value.
func (b *builder) open(tag string, attrs ...string) {
	b.start(tag, attrs)
	b.WriteByte('>')
}

func (b *builder) empty(tag string, attrs ...string) {
	b.start(tag, attrs)
	b.WriteString("/>")
}

func (b *builder) close(tag string) {
	b.WriteString("</")
	b.WriteString(tag)
	b.WriteByte('>')
}

func (b *builder) leaf(tag, text string) {
	b.open(tag)
	b.WriteString(Escape(text))
	b.close(tag)
}
