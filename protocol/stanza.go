package protocol

import (
	"strings"

	"chatrelay/models"
)

// Root tags understood by the server.
const (
	TagAuth            = "auth"
	TagRegister        = "register"
	TagMessage         = "message"
	TagPresence        = "presence"
	TagContacts        = "contacts"
	TagSearch          = "search"
	TagLoadChatHistory = "loadChatHistory"

	TagSuccess     = "success"
	TagFailure     = "failure"
	TagChatHistory = "chatHistory"
)

const (
	// TimestampLayout is the format of history timestamps on the wire.
	TimestampLayout = "2006-01-02 15:04:05"

	AckBody = "Message received."

	StatusFound    = "found"
	StatusNotFound = "not_found"
)

// Stanza is one decoded command. Encode renders it back to a wire line
// without the trailing newline.
type Stanza interface {
	Tag() string
	Encode() string
}

type Auth struct {
	Username string
	Password string
}

type Register struct {
	Username string
	Password string
}

type Message struct {
	From      string
	To        string
	Timestamp string
	Body      string
}

// Presence carries an optional status child; HasStatus reports whether it was sent.
type Presence struct {
	From      string
	Status    string
	HasStatus bool
}

type Contacts struct {
	Username string
}

type Search struct {
	Username string
}

type LoadChatHistory struct {
	Username string
	Contact  string
}

// Unknown is any root tag the server does not handle.
type Unknown struct {
	RawTag string
}

func (Auth) Tag() string            { return TagAuth }
func (Register) Tag() string        { return TagRegister }
func (Message) Tag() string         { return TagMessage }
func (Presence) Tag() string        { return TagPresence }
func (Contacts) Tag() string        { return TagContacts }
func (Search) Tag() string          { return TagSearch }
func (LoadChatHistory) Tag() string { return TagLoadChatHistory }
func (u Unknown) Tag() string       { return u.RawTag }

func (a Auth) Encode() string {
	var b builder
	b.empty(TagAuth, "username", a.Username, "password", a.Password)
	return b.String()
}

func (r Register) Encode() string {
	var b builder
	b.empty(TagRegister, "username", r.Username, "password", r.Password)
	return b.String()
}

func (m Message) Encode() string {
	var b builder
	attrs := []string{"from", m.From, "to", m.To}
	if m.Timestamp != "" {
		attrs = append(attrs, "timestamp", m.Timestamp)
	}
	b.open(TagMessage, attrs...)
	b.leaf("body", m.Body)
	b.close(TagMessage)
	return b.String()
}

func (p Presence) Encode() string {
	var b builder
	if !p.HasStatus {
		b.empty(TagPresence, "from", p.From)
		return b.String()
	}
	b.open(TagPresence, "from", p.From)
	b.leaf("status", p.Status)
	b.close(TagPresence)
	return b.String()
}

func (c Contacts) Encode() string {
	var b builder
	b.empty(TagContacts, "username", c.Username)
	return b.String()
}

func (s Search) Encode() string {
	var b builder
	b.empty(TagSearch, "username", s.Username)
	return b.String()
}

func (l LoadChatHistory) Encode() string {
	var b builder
	b.empty(TagLoadChatHistory, "username", l.Username, "contact", l.Contact)
	return b.String()
}

func (u Unknown) Encode() string {
	var b builder
	b.empty(u.RawTag)
	return b.String()
}

// Responses

func Success() string {
	return "<success/>"
}

func Failure(text string) string {
	var b builder
	b.leaf(TagFailure, text)
	return b.String()
}

// Forward is the stanza pushed to a live recipient.
func Forward(from, to, body string) string {
	return Message{From: from, To: to, Body: body}.Encode()
}

// Ack is the sender's receipt for a message addressed to recipient.
func Ack(sender, recipient string) string {
	return Message{From: recipient, To: sender, Body: AckBody}.Encode()
}

func PresenceAvailable() string {
	return "<presence type='available'/>"
}

func ContactList(names []string) string {
	var b builder
	b.open(TagContacts)
	for _, name := range names {
		b.leaf("contact", name)
	}
	b.close(TagContacts)
	return b.String()
}

func SearchResult(username string, found bool) string {
	status := StatusNotFound
	if found {
		status = StatusFound
	}
	var b builder
	b.open(TagSearch)
	b.leaf("user", username)
	b.leaf("status", status)
	b.close(TagSearch)
	return b.String()
}

// ChatHistory lists messages in the given order; each body is the element text.
func ChatHistory(messages []models.Message) string {
	var b builder
	b.open(TagChatHistory)
	for _, m := range messages {
		b.open(TagMessage, "from", m.From, "to", m.To, "timestamp", m.Timestamp.UTC().Format(TimestampLayout))
		b.WriteString(Escape(m.Body))
		b.close(TagMessage)
	}
	b.close(TagChatHistory)
	return b.String()
}

// IsSuccess reports whether a reply line is <success/>.
func IsSuccess(line string) bool {
	el, err := ParseElement(line)
	return err == nil && el.Name == TagSuccess
}

// FailureText returns the failure message of a reply line, if it is one.
func FailureText(line string) (string, bool) {
	el, err := ParseElement(line)
	if err != nil || el.Name != TagFailure {
		return "", false
	}
	return strings.TrimSpace(el.Text), true
}
