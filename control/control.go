// Package control serves management commands on a local unix socket.
//
// A request is one line, fields separated by '|':
//
//	stats
//	shutdown|reason
//
// Replies are "OK|..." or "ERROR|...".
package control

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	CmdStats    = "stats"
	CmdShutdown = "shutdown"

	replyOK    = "OK"
	replyError = "ERROR"

	defaultReason = "maintenance"
	ioTimeout     = 5 * time.Second
)

// StatsProvider reports a one-line summary of the running relay.
type StatsProvider interface {
	Stats() string
}

type Server struct {
	path     string
	stats    StatsProvider
	shutdown func(reason string)
	logger   *zap.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

func New(path string, stats StatsProvider, shutdown func(reason string), logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		path:     path,
		stats:    stats,
		shutdown: shutdown,
		logger:   logger,
	}
}

// Start binds the socket and serves commands in the background.
// A stale socket file left by a previous run is removed first.
func (s *Server) Start() error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen control socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("control socket listening", zap.String("path", s.path))

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the socket and waits for in-flight commands.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("control accept failed", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	reply, after := s.execute(strings.TrimSpace(line))
	if _, err := conn.Write([]byte(reply + "\n")); err != nil {
		s.logger.Warn("control reply failed", zap.Error(err))
	}
	if after != nil {
		conn.Close()
		after()
	}
}

// execute returns the reply for one command line and an action to run once
// the reply has been sent.
func (s *Server) execute(line string) (string, func()) {
	parts := strings.SplitN(line, "|", 2)

	switch parts[0] {
	case CmdStats:
		return replyOK + "|" + s.stats.Stats(), nil

	case CmdShutdown:
		reason := defaultReason
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		s.logger.Info("shutdown requested", zap.String("reason", reason))
		return replyOK + "|Shutting down", func() { s.shutdown(reason) }

	case "":
		return replyError + "|Invalid command", nil

	default:
		s.logger.Warn("unknown control command", zap.String("command", parts[0]))
		return replyError + "|Unknown command", nil
	}
}

// Send issues one command to the control socket at path and returns the
// reply payload. An ERROR reply is returned as an error.
func Send(path string, command ...string) (string, error) {
	conn, err := net.DialTimeout("unix", path, ioTimeout)
	if err != nil {
		return "", fmt.Errorf("connect control socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	if _, err := conn.Write([]byte(strings.Join(command, "|") + "\n")); err != nil {
		return "", err
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read control reply: %w", err)
	}

	status, payload, _ := strings.Cut(strings.TrimSpace(line), "|")
	if status != replyOK {
		return "", errors.New(payload)
	}
	return payload, nil
}
