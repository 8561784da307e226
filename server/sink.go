package server

import (
	"io"
	"net"
	"sync"
	"time"
)

// connSink writes whole lines to a connection. A routed message and the
// owner's own reply may race; the mutex keeps lines from interleaving.
type connSink struct {
	conn         net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func newConnSink(conn net.Conn, writeTimeout time.Duration) *connSink {
	return &connSink{conn: conn, writeTimeout: writeTimeout}
}

func (s *connSink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	_, err := io.WriteString(s.conn, line+"\n")
	return err
}
