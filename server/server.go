package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/metrics"
	"chatrelay/registry"

	"go.uber.org/zap"
)

const defaultMaxLineBytes = 64 * 1024

type Server struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	config     *ServerConfig
	logger     *zap.Logger

	active atomic.Int64
	wg     sync.WaitGroup
}

type ServerConfig struct {
	Port         int
	WriteTimeout time.Duration
	MaxLineBytes int
}

func New(d *Dispatcher, reg *registry.Registry, config *ServerConfig, logger *zap.Logger) *Server {
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = defaultMaxLineBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		dispatcher: d,
		registry:   reg,
		config:     config,
		logger:     logger,
	}
}

// Listen binds the configured TCP port on all interfaces.
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
}

// ListenAndServe binds the configured port and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed,
// starting one session per connection. Sessions still running when Serve
// returns keep going until their peers disconnect.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	s.logger.Info("chat relay listening", zap.String("addr", ln.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("listener stopped")
				return nil
			}
			backoff = nextBackoff(backoff)
			s.logger.Error("error accepting connection", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// nextBackoff keeps a failing accept loop from spinning.
func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	s.active.Add(1)
	defer s.active.Add(-1)
	metrics.RecordConnectionOpened()

	s.logger.Info("new client connected", zap.String("remote", conn.RemoteAddr().String()))
	newSession(conn, s.dispatcher, s.registry, s.config, s.logger).Run()
}

// Wait blocks until every session started by Serve has ended. Call it only
// after Serve has returned; the accept loop adds to the group while running.
func (s *Server) Wait() {
	s.wg.Wait()
}

// ActiveConnections returns the number of open sessions.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Stats returns server statistics as a formatted string
func (s *Server) Stats() string {
	return "connections=" + strconv.Itoa(s.ActiveConnections()) + ",users=" + strings.Join(s.registry.Users(), ";")
}
