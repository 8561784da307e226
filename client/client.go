// Package client is a line-oriented client for the chat relay. It is used by
// the command line tools and by end-to-end tests.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"chatrelay/protocol"
)

var ErrClosed = errors.New("client closed")

// FailureError is a <failure> reply from the relay.
type FailureError struct {
	Text string
}

func (e *FailureError) Error() string {
	return "relay failure: " + e.Text
}

// UnexpectedReplyError is a reply that does not answer the request sent.
type UnexpectedReplyError struct {
	Request string
	Reply   string
}

func (e *UnexpectedReplyError) Error() string {
	return fmt.Sprintf("unexpected reply to %s: %q", e.Request, e.Reply)
}

// HistoryEntry is one message of a chat history reply.
type HistoryEntry struct {
	From      string
	To        string
	Timestamp string
	Body      string
}

// Incoming is a message the relay forwarded to this connection.
type Incoming struct {
	From string
	To   string
	Body string
}

// ErrDesynced is returned by every request after one was abandoned before
// its reply arrived. Replies carry no request id, so the pairing is lost.
var ErrDesynced = errors.New("client: an earlier request timed out, replies are out of step")

// Client talks to one relay connection. Requests are answered in order, so
// only one request is in flight at a time; forwarded messages arriving in
// between are handed to the OnMessage handlers instead.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	reqMu  sync.Mutex
	sendMu sync.Mutex
	broken bool

	mu       sync.Mutex
	handlers []func(Incoming)
	// pendingAck is the ack line expected for the message request in flight.
	pendingAck string

	replies chan string
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
	readErr error
}

// Dial connects to the relay at addr.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// New wraps an established connection and starts reading from it.
func New(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		replies: make(chan string, 16),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close ends the session with an empty line and closes the connection.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.closing) })

	c.sendMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = c.conn.Write([]byte("\n"))
	c.sendMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection stops delivering lines.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// OnMessage registers a handler for forwarded messages.
func (c *Client) OnMessage(handler func(Incoming)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			c.readErr = err
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		if in, ok := c.forwarded(line); ok {
			c.notify(in)
			continue
		}
		select {
		case c.replies <- line:
		case <-c.closing:
			return
		}
	}
}

// forwarded reports whether line is a routed message rather than a reply.
// A message line is a reply only when it is exactly the ack awaited by the
// message request in flight, which it then consumes.
func (c *Client) forwarded(line string) (Incoming, bool) {
	st, err := protocol.Decode(line)
	if err != nil {
		return Incoming{}, false
	}
	m, ok := st.(protocol.Message)
	if !ok {
		return Incoming{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingAck != "" && line == c.pendingAck {
		c.pendingAck = ""
		return Incoming{}, false
	}
	return Incoming{From: m.From, To: m.To, Body: m.Body}, true
}

func (c *Client) expectAck(line string) {
	c.mu.Lock()
	c.pendingAck = line
	c.mu.Unlock()
}

func (c *Client) notify(in Incoming) {
	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h(in)
	}
}

// Send writes one stanza without waiting for a reply.
func (c *Client) Send(st protocol.Stanza) error {
	return c.writeLine(st.Encode())
}

func (c *Client) writeLine(line string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	_, err := c.conn.Write([]byte(line + "\n"))
	return err
}

// Request sends st and returns the next reply line. If ctx ends first the
// client is marked out of step and later requests fail with ErrDesynced.
func (c *Client) Request(ctx context.Context, st protocol.Stanza) (string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if c.broken {
		return "", ErrDesynced
	}

	if m, ok := st.(protocol.Message); ok {
		c.expectAck(protocol.Ack(m.From, m.To))
		defer c.expectAck("")
	}

	if err := c.Send(st); err != nil {
		return "", err
	}

	select {
	case line := <-c.replies:
		return line, nil
	case <-c.done:
		// The relay may answer and hang up in one go, as it does for a
		// rejected auth.
		select {
		case line := <-c.replies:
			return line, nil
		default:
		}
		if c.readErr != nil {
			return "", fmt.Errorf("%w: %v", ErrClosed, c.readErr)
		}
		return "", ErrClosed
	case <-ctx.Done():
		c.broken = true
		return "", ctx.Err()
	}
}

// expectSuccess turns a reply into nil, a *FailureError or an
// *UnexpectedReplyError.
func expectSuccess(request, line string) error {
	if protocol.IsSuccess(line) {
		return nil
	}
	return replyError(request, line)
}

func replyError(request, line string) error {
	if text, ok := protocol.FailureText(line); ok {
		return &FailureError{Text: text}
	}
	return &UnexpectedReplyError{Request: request, Reply: line}
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	line, err := c.Request(ctx, protocol.Register{Username: username, Password: password})
	if err != nil {
		return err
	}
	return expectSuccess(protocol.TagRegister, line)
}

// Auth authenticates the connection. The relay closes the connection when
// the credentials are rejected.
func (c *Client) Auth(ctx context.Context, username, password string) error {
	line, err := c.Request(ctx, protocol.Auth{Username: username, Password: password})
	if err != nil {
		return err
	}
	return expectSuccess(protocol.TagAuth, line)
}

// SendMessage sends body from one user to another and waits for the ack.
func (c *Client) SendMessage(ctx context.Context, from, to, body string) error {
	line, err := c.Request(ctx, protocol.Message{From: from, To: to, Body: body})
	if err != nil {
		return err
	}
	if line == protocol.Ack(from, to) {
		return nil
	}
	return replyError(protocol.TagMessage, line)
}

func (c *Client) SetPresence(ctx context.Context, from, status string) error {
	line, err := c.Request(ctx, protocol.Presence{From: from, Status: status, HasStatus: status != ""})
	if err != nil {
		return err
	}
	if line == protocol.PresenceAvailable() {
		return nil
	}
	return replyError(protocol.TagPresence, line)
}

// Contacts lists the users username has exchanged messages with.
func (c *Client) Contacts(ctx context.Context, username string) ([]string, error) {
	el, err := c.requestElement(ctx, protocol.Contacts{Username: username}, protocol.TagContacts)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, child := range el.Children {
		if child.Name == "contact" {
			names = append(names, child.Text)
		}
	}
	return names, nil
}

// Search reports whether username is registered.
func (c *Client) Search(ctx context.Context, username string) (bool, error) {
	el, err := c.requestElement(ctx, protocol.Search{Username: username}, protocol.TagSearch)
	if err != nil {
		return false, err
	}
	return el.ChildText("status") == protocol.StatusFound, nil
}

// History loads the conversation between username and contact, oldest first.
func (c *Client) History(ctx context.Context, username, contact string) ([]HistoryEntry, error) {
	el, err := c.requestElement(ctx, protocol.LoadChatHistory{Username: username, Contact: contact}, protocol.TagChatHistory)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(el.Children))
	for _, m := range el.Children {
		if m.Name != protocol.TagMessage {
			continue
		}
		entries = append(entries, HistoryEntry{
			From:      m.Attr("from"),
			To:        m.Attr("to"),
			Timestamp: m.Attr("timestamp"),
			Body:      m.Text,
		})
	}
	return entries, nil
}

func (c *Client) requestElement(ctx context.Context, st protocol.Stanza, want string) (*protocol.Element, error) {
	line, err := c.Request(ctx, st)
	if err != nil {
		return nil, err
	}
	el, err := protocol.ParseElement(line)
	if err != nil || el.Name != want {
		return nil, replyError(st.Tag(), line)
	}
	return el, nil
}
