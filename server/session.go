package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"chatrelay/metrics"
	"chatrelay/protocol"
	"chatrelay/registry"

	"go.uber.org/zap"
)

// quietTags are not echoed to the debug log: auth and register carry
// passwords, and clients poll chat history every second.
var quietTags = map[string]bool{
	protocol.TagAuth:            true,
	protocol.TagRegister:        true,
	protocol.TagLoadChatHistory: true,
}

// Session owns one client connection from accept to close.
type Session struct {
	conn       net.Conn
	sink       *connSink
	state      *stateMachine
	dispatcher *Dispatcher
	registry   *registry.Registry
	logger     *zap.Logger
	maxLine    int

	mu       sync.Mutex
	username string
	token    registry.Token
}

func newSession(conn net.Conn, d *Dispatcher, reg *registry.Registry, cfg *ServerConfig, logger *zap.Logger) *Session {
	return &Session{
		conn:       conn,
		sink:       newConnSink(conn, cfg.WriteTimeout),
		state:      newStateMachine(),
		dispatcher: d,
		registry:   reg,
		logger:     logger.With(zap.String("remote", conn.RemoteAddr().String())),
		maxLine:    cfg.MaxLineBytes,
	}
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) Sink() registry.Sink {
	return s.sink
}

func (s *Session) Bind(username string, token registry.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.Transition(Authenticated); err != nil {
		return err
	}
	s.username = username
	s.token = token
	s.logger = s.logger.With(zap.String("user", username))
	return nil
}

func (s *Session) State() State {
	return s.state.Current()
}

// Run reads and answers stanzas until the peer disconnects, a transport
// error occurs or authentication fails.
func (s *Session) Run() {
	defer s.close()

	// maxLine counts the stanza only; the scanner's limit includes the '\n'.
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, min(4096, s.maxLine+1)), s.maxLine+1)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			s.log().Info("client ended session")
			return
		}

		res := s.handleLine(line)

		if !res.NoReply {
			if err := s.sink.WriteLine(res.Reply); err != nil {
				s.log().Warn("write reply failed", zap.Error(err))
				return
			}
		}

		if res.Close {
			if err := s.state.Transition(Rejected); err != nil {
				s.log().Error("reject session", zap.Error(err))
			}
			return
		}
	}

	err := scanner.Err()
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.log().Info("client disconnected")
	case errors.Is(err, bufio.ErrTooLong):
		s.log().Warn("line exceeds limit, closing", zap.Int("max_bytes", s.maxLine))
	default:
		s.log().Warn("read failed", zap.Error(err))
	}
}

func (s *Session) handleLine(line string) Result {
	st, err := protocol.Decode(line)
	if err != nil {
		return s.dispatcher.DecodeFailure(err)
	}

	if !quietTags[st.Tag()] {
		s.log().Debug("received", zap.String("stanza", line))
	}
	return s.dispatcher.Dispatch(s, st)
}

func (s *Session) log() *zap.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logger
}

func (s *Session) close() {
	s.mu.Lock()
	username, token := s.username, s.token
	s.mu.Unlock()

	switch s.state.Current() {
	case Authenticated:
		if !s.registry.Unregister(username, token) {
			s.log().Info("registry entry owned by a newer session, leaving it")
		}
		_ = s.state.Transition(Closed)
	case Connected:
		_ = s.state.Transition(Closed)
	}

	s.conn.Close()
	metrics.RecordConnectionClosed()
	s.log().Info("connection closed")
}
