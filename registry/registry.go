// Package registry tracks which authenticated users have a live connection
// and routes stanzas to them.
package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink is a place to write outbound lines for one connection.
// WriteLine must be safe for concurrent use and must not block indefinitely.
type Sink interface {
	WriteLine(line string) error
}

// Token identifies the session that owns a registry entry.
type Token string

// NewToken returns a fresh random owner token.
func NewToken() Token {
	return Token(uuid.NewString())
}

type entry struct {
	sink  Sink
	token Token
}

// Registry maps usernames to the sink of their most recent session.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger,
	}
}

// Register binds username to sink, replacing any previous entry, and returns
// the token the caller must present to Unregister.
func (r *Registry) Register(username string, sink Sink) Token {
	token := NewToken()

	r.mu.Lock()
	_, replaced := r.entries[username]
	r.entries[username] = entry{sink: sink, token: token}
	r.mu.Unlock()

	if replaced {
		r.logger.Info("registry entry replaced", zap.String("user", username))
	}
	return token
}

// Unregister removes the entry for username only if it is still owned by token.
func (r *Registry) Unregister(username string, token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[username]
	if !ok || e.token != token {
		return false
	}
	delete(r.entries, username)
	return true
}

// Route writes line to the live session of username. It reports whether a
// recipient was registered; a failed write is logged and not retried.
func (r *Registry) Route(username, line string) bool {
	r.mu.RLock()
	e, ok := r.entries[username]
	r.mu.RUnlock()

	if !ok {
		return false
	}

	if err := e.sink.WriteLine(line); err != nil {
		r.logger.Warn("route write failed", zap.String("user", username), zap.Error(err))
	}
	return true
}

func (r *Registry) Online(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[username]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Users returns the registered usernames in sorted order.
func (r *Registry) Users() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.entries))
	for username := range r.entries {
		users = append(users, username)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}
