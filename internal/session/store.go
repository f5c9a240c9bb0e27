// Package session owns the conversation-session identifier that correlates a
// local thread with backend-side conversation memory.
package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"chatbridge/internal/store"
)

const keyPrefix = "session:"

// Store holds the session identifier for one chat instance. It is the single
// writer of the persisted value; persistence errors are logged, never
// surfaced, because generating a fresh identifier cannot fail.
type Store struct {
	kv       store.KV
	instance string
	logger   *slog.Logger

	mu     sync.Mutex
	cached string
}

// New creates a session store for the given chat instance. Backing it with a
// Pebble KV gives cross-visit sessions; an in-memory KV scopes the session to
// the process lifetime.
func New(kv store.KV, instance string, logger *slog.Logger) *Store {
	return &Store{kv: kv, instance: instance, logger: logger}
}

func (s *Store) key() []byte {
	return []byte(keyPrefix + s.instance)
}

// Get returns the current session identifier, creating and persisting one if
// absent.
func (s *Store) Get() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached
	}

	if val, ok, err := s.kv.Get(s.key()); err == nil && ok && len(val) > 0 {
		s.cached = string(val)
		return s.cached
	} else if err != nil {
		s.logger.Warn("session load failed, generating fresh id", "instance", s.instance, "error", err)
	}

	s.cached = uuid.New().String()
	s.persist(s.cached)
	return s.cached
}

// Reset discards the stored identifier. The next Get starts a new
// conversation with a fresh id.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = ""
	if err := s.kv.Delete(s.key()); err != nil {
		s.logger.Warn("session reset failed to clear persisted id", "instance", s.instance, "error", err)
	}
}

// Adopt overwrites the local identifier with one the backend established, and
// persists it. Last writer wins; there is no locking across instances.
func (s *Store) Adopt(serverID string) {
	if serverID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if serverID == s.cached {
		return
	}
	s.logger.Debug("adopting server-assigned session id", "instance", s.instance)
	s.cached = serverID
	s.persist(serverID)
}

func (s *Store) persist(id string) {
	if err := s.kv.Set(s.key(), []byte(id)); err != nil {
		s.logger.Warn("session persist failed, id held in memory only", "instance", s.instance, "error", err)
	}
}
