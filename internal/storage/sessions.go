package storage

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/starford/kpq/internal/apperr"
	"github.com/starford/kpq/internal/checksum"
)

// Opener opens the database described by d.
type Opener func(d Details) (Provider, error)

// OpenFile is the default Opener for KeePass files.
func OpenFile(d Details) (Provider, error) {
	return OpenKDBX(d)
}

// Sessions caches opened databases by location so the key derivation cost
// is paid once per process. Entries live until evicted.
type Sessions struct {
	open   Opener
	logger *slog.Logger
	flight singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessions creates an empty cache. A nil opener opens KeePass files.
func NewSessions(open Opener, logger *slog.Logger) *Sessions {
	if open == nil {
		open = OpenFile
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		open:     open,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the cached session for d, opening the database on first
// use. Concurrent callers for the same location share one open, and an open
// never blocks callers of other locations.
func (s *Sessions) Acquire(d Details) (*Session, error) {
	key, err := ExpandPath(d.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrStore, err)
	}

	if sess, ok := s.cached(key); ok {
		return sess, nil
	}

	v, err, _ := s.flight.Do(key, func() (any, error) {
		if sess, ok := s.cached(key); ok {
			return sess, nil
		}
		provider, err := s.open(d)
		if err != nil {
			return nil, err
		}
		sess := &Session{Provider: provider, key: key, locks: NewLockManager()}
		sess.fingerprint()

		s.mu.Lock()
		s.sessions[key] = sess
		s.mu.Unlock()

		s.logger.Debug("session opened", slog.String("location", key))
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (s *Sessions) cached(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Lookup returns the cached session for location without opening it.
func (s *Sessions) Lookup(location string) (*Session, bool) {
	key, err := ExpandPath(location)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Evict drops the cached session for location. It reports whether one was
// cached. Operations already holding the session finish against it.
func (s *Sessions) Evict(location string) bool {
	key, err := ExpandPath(location)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		return false
	}
	delete(s.sessions, key)
	s.logger.Debug("session evicted", slog.String("location", key))
	return true
}

// Len returns the number of cached sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Session is an opened database plus the lock guarding it.
type Session struct {
	Provider

	key   string
	locks *LockManager

	mu       sync.Mutex
	checksum string
}

// Execute runs fn against the database under a read or write lock.
func (s *Session) Execute(op OperationType, fn func(Provider) error) error {
	return s.locks.Execute(op, func() error {
		return fn(s)
	})
}

// Save persists the database and remembers the checksum of what was
// written, so a watcher can tell our own saves from external edits.
func (s *Session) Save() error {
	if err := s.Provider.Save(); err != nil {
		return err
	}
	s.fingerprint()
	return nil
}

// Checksum returns the checksum of the database file as last opened or
// saved by this process. It is empty for databases that are not files.
func (s *Session) Checksum() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checksum
}

func (s *Session) fingerprint() {
	sum, _ := FileChecksum(s.key)
	s.mu.Lock()
	s.checksum = sum
	s.mu.Unlock()
}

// FileChecksum returns the checksum of the file at path.
func FileChecksum(path string) (string, error) {
	return checksum.File(path)
}
