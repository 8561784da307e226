package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/db"
	"chatrelay/protocol"
	"chatrelay/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const readTimeout = 3 * time.Second

type testServer struct {
	srv      *Server
	registry *registry.Registry
	db       *db.DB
	addr     string
}

// startTestServer runs a relay on a loopback port backed by a fresh database.
func startTestServer(t *testing.T, opts DispatcherOptions, cfg ServerConfig) *testServer {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	database.SetHashCost(bcrypt.MinCost)

	reg := registry.New(nil)
	srv := New(NewDispatcher(database, reg, nil, opts), reg, &cfg, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		srv.Wait()
		_ = database.Close()
	})

	return &testServer{srv: srv, registry: reg, db: database, addr: ln.Addr().String()}
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (ts *testServer) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(readTimeout))
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) read() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) roundTrip(line string) string {
	c.t.Helper()
	c.send(line)
	return c.read()
}

// expectClosed asserts the server hung up without sending anything more.
func (c *testClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, err := c.reader.ReadString('\n')
	require.Error(c.t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(c.t, netErr.Timeout(), "connection should be closed, not idle")
	}
}

func (c *testClient) login(username, password string) {
	c.t.Helper()
	require.Equal(c.t, "<success/>", c.roundTrip(protocol.Auth{Username: username, Password: password}.Encode()))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, readTimeout, 10*time.Millisecond)
}

func TestRegisterThenAuth(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})
	c := ts.dial(t)

	assert.Equal(t, "<success/>", c.roundTrip(`<register username='alice' password='pw1'/>`))
	assert.Equal(t, "<failure>User already exists</failure>", c.roundTrip(`<register username='alice' password='pw2'/>`))
	c.login("alice", "pw1")

	waitFor(t, func() bool { return ts.registry.Online("alice") })
}

func TestAuthFailureClosesConnection(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})
	c := ts.dial(t)

	assert.Equal(t, "<success/>", c.roundTrip(`<register username='alice' password='pw1'/>`))
	assert.Equal(t, "<failure>Authentication failed</failure>", c.roundTrip(`<auth username='alice' password='nope'/>`))
	c.expectClosed()

	assert.False(t, ts.registry.Online("alice"))
	waitFor(t, func() bool { return ts.srv.ActiveConnections() == 0 })
}

func TestInvalidXMLKeepsConnection(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})
	c := ts.dial(t)

	assert.Equal(t, "<failure>Invalid XML</failure>", c.roundTrip(`<auth username='a'`))
	assert.Equal(t, "<failure>Invalid XML</failure>", c.roundTrip(`hello`))
	assert.Equal(t, "<search><user>x</user><status>not_found</status></search>", c.roundTrip(`<search username='x'/>`))
}

func TestUnknownCommandGetsNoReply(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})
	c := ts.dial(t)

	c.send(`<ping/>`)
	assert.Equal(t, "<search><user>x</user><status>not_found</status></search>", c.roundTrip(`<search username='x'/>`))
}

func TestUnknownCommandReply(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{ReplyUnknown: true}, ServerConfig{})
	c := ts.dial(t)

	assert.Equal(t, "<failure>Unknown command</failure>", c.roundTrip(`<ping/>`))
}

func TestConversation(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})

	alice := ts.dial(t)
	bob := ts.dial(t)
	require.Equal(t, "<success/>", alice.roundTrip(`<register username='alice' password='pw1'/>`))
	require.Equal(t, "<success/>", bob.roundTrip(`<register username='bob' password='pw2'/>`))
	alice.login("alice", "pw1")
	bob.login("bob", "pw2")

	assert.Equal(t,
		"<message from='bob' to='alice'><body>Message received.</body></message>",
		alice.roundTrip(`<message from='alice' to='bob'><body>Hi Bob</body></message>`))
	assert.Equal(t, "<message from='alice' to='bob'><body>Hi Bob</body></message>", bob.read())

	assert.Equal(t,
		"<message from='alice' to='bob'><body>Message received.</body></message>",
		bob.roundTrip(`<message from='bob' to='alice'><body>Hi Alice</body></message>`))
	assert.Equal(t, "<message from='bob' to='alice'><body>Hi Alice</body></message>", alice.read())

	history := alice.roundTrip(`<loadChatHistory username='alice' contact='bob'/>`)
	el, err := protocol.ParseElement(history)
	require.NoError(t, err)
	require.Equal(t, "chatHistory", el.Name)
	require.Len(t, el.Children, 2)
	assert.Equal(t, "alice", el.Children[0].Attr("from"))
	assert.Equal(t, "Hi Bob", el.Children[0].Text)
	assert.Equal(t, "bob", el.Children[1].Attr("from"))
	assert.Equal(t, "Hi Alice", el.Children[1].Text)

	assert.Equal(t, history, bob.roundTrip(`<loadChatHistory username='alice' contact='bob'/>`),
		"history is the same from either side and on repeat")

	assert.Equal(t, "<contacts><contact>bob</contact></contacts>", alice.roundTrip(`<contacts username='alice'/>`))
}

func TestMessageToOfflineUserIsStored(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})
	alice := ts.dial(t)

	assert.Equal(t,
		"<message from='carol' to='alice'><body>Message received.</body></message>",
		alice.roundTrip(`<message from='alice' to='carol'><body>are you there?</body></message>`))

	messages, err := ts.db.ChatHistory("carol", "alice")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "are you there?", messages[0].Body)
}

func TestEmptyMessageRejected(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})
	c := ts.dial(t)

	assert.Equal(t, "<failure>Empty message</failure>", c.roundTrip(`<message from='alice' to='bob'><body></body></message>`))

	messages, err := ts.db.ChatHistory("alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestPresence(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})
	c := ts.dial(t)
	require.Equal(t, "<success/>", c.roundTrip(`<register username='alice' password='pw1'/>`))

	assert.Equal(t, "<presence type='available'/>", c.roundTrip(`<presence from='alice'><status>away</status></presence>`))

	u, err := ts.db.User("alice")
	require.NoError(t, err)
	assert.Equal(t, "away", u.PresenceStatus)
}

func TestUnauthenticatedSearch(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{RequireAuth: true}, ServerConfig{})
	setup := ts.dial(t)
	require.Equal(t, "<success/>", setup.roundTrip(`<register username='bob' password='pw'/>`))

	c := ts.dial(t)
	assert.Equal(t, "<search><user>bob</user><status>found</status></search>", c.roundTrip(`<search username='bob'/>`))
	assert.Equal(t, "<search><user>zed</user><status>not_found</status></search>", c.roundTrip(`<search username='zed'/>`))
	assert.Equal(t, "<failure>Not authenticated</failure>", c.roundTrip(`<contacts username='bob'/>`))
}

func TestNewerSessionKeepsRegistryEntry(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})
	setup := ts.dial(t)
	require.Equal(t, "<success/>", setup.roundTrip(`<register username='alice' password='pw1'/>`))

	first := ts.dial(t)
	first.login("alice", "pw1")
	second := ts.dial(t)
	second.login("alice", "pw1")

	// The older session ending must not remove the newer one's entry.
	first.conn.Close()
	waitFor(t, func() bool { return ts.srv.ActiveConnections() == 2 })
	assert.True(t, ts.registry.Online("alice"))

	sender := ts.dial(t)
	sender.roundTrip(`<message from='bob' to='alice'><body>still here?</body></message>`)
	assert.Equal(t, "<message from='bob' to='alice'><body>still here?</body></message>", second.read())

	second.conn.Close()
	waitFor(t, func() bool { return !ts.registry.Online("alice") })
}

func TestEmptyLineEndsSession(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})
	c := ts.dial(t)
	require.Equal(t, "<success/>", c.roundTrip(`<register username='alice' password='pw1'/>`))
	c.login("alice", "pw1")

	c.send("")
	c.expectClosed()
	waitFor(t, func() bool { return !ts.registry.Online("alice") })
}

func TestLineTooLongEndsSession(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{MaxLineBytes: 128})
	c := ts.dial(t)

	c.send("<message from='alice' to='bob'><body>" + strings.Repeat("x", 512) + "</body></message>")
	c.expectClosed()
}

func TestLineAtLimitIsAccepted(t *testing.T) {
	line := `<search username='x'/>`
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{MaxLineBytes: len(line)})
	c := ts.dial(t)

	assert.Equal(t, "<search><user>x</user><status>not_found</status></search>", c.roundTrip(line))
	assert.Equal(t, "<search><user>x</user><status>not_found</status></search>", c.roundTrip(line))

	c.send(`<search username='xy'/>`)
	c.expectClosed()
}

func TestConcurrentSenders(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})
	setup := ts.dial(t)
	require.Equal(t, "<success/>", setup.roundTrip(`<register username='bob' password='pw'/>`))
	bob := ts.dial(t)
	bob.login("bob", "pw")

	const senders, perSender = 4, 10
	var wg sync.WaitGroup
	for i := range senders {
		c := ts.dial(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			from := "user" + string(rune('a'+i))
			for range perSender {
				c.send(protocol.Forward(from, "bob", "hello"))
				c.conn.SetReadDeadline(time.Now().Add(readTimeout))
				_, err := c.reader.ReadString('\n')
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	for range senders * perSender {
		line := bob.read()
		el, err := protocol.ParseElement(line)
		require.NoError(t, err, "interleaved line: %q", line)
		assert.Equal(t, "hello", el.ChildText("body"))
	}
	wg.Wait()
}

func TestServeStopsOnCancel(t *testing.T) {
	reg := registry.New(nil)
	srv := New(NewDispatcher(newFakeGateway(), reg, nil, DispatcherOptions{}), reg, &ServerConfig{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(readTimeout):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = net.Dial("tcp", ln.Addr().String())
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	ts := startTestServer(t, DispatcherOptions{}, ServerConfig{})
	c := ts.dial(t)
	require.Equal(t, "<success/>", c.roundTrip(`<register username='alice' password='pw1'/>`))
	c.login("alice", "pw1")

	assert.Equal(t, "connections=1,users=alice", ts.srv.Stats())
}

func TestSessionStateTransitions(t *testing.T) {
	m := newStateMachine()
	assert.Equal(t, Connected, m.Current())

	require.NoError(t, m.Transition(Authenticated))
	assert.ErrorIs(t, m.Transition(Rejected), ErrInvalidTransition)
	require.NoError(t, m.Transition(Closed))
	assert.ErrorIs(t, m.Transition(Authenticated), ErrInvalidTransition)

	m = newStateMachine()
	require.NoError(t, m.Transition(Rejected))
	assert.ErrorIs(t, m.Transition(Closed), ErrInvalidTransition)
}

func TestSessionOverPipe(t *testing.T) {
	gw := newFakeGateway()
	gw.users["alice"] = "pw1"
	reg := registry.New(nil)
	d := NewDispatcher(gw, reg, nil, DispatcherOptions{})

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	s := newSession(serverConn, d, reg, &ServerConfig{MaxLineBytes: defaultMaxLineBytes}, zap.NewNop())
	finished := make(chan struct{})
	go func() {
		s.Run()
		close(finished)
	}()

	c := &testClient{t: t, conn: clientConn, reader: bufio.NewReader(clientConn)}
	c.login("alice", "pw1")
	assert.Equal(t, Authenticated, s.State())
	assert.Equal(t, "alice", s.Username())

	clientConn.Close()
	select {
	case <-finished:
	case <-time.After(readTimeout):
		t.Fatal("session did not end")
	}
	assert.Equal(t, Closed, s.State())
	assert.False(t, reg.Online("alice"))
}
