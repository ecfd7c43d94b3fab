package conversation

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// CodeLength is the length of a generated session code.
	CodeLength = 6

	codeAlphabet    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	maxCodeAttempts = 32
)

// ErrCodeSpaceExhausted is returned when no free session code was found.
var ErrCodeSpaceExhausted = errors.New("could not allocate a unique session code")

// CodeGenerator produces candidate session codes.
type CodeGenerator func() string

// RandomCode returns a random CodeLength code of digits and upper-case letters.
func RandomCode() string {
	b := make([]byte, CodeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(b)
}

// Store is the registry of live sessions and the index from connection
// ID to session code. A connection maps to at most one session.
type Store struct {
	sessions map[string]*Session
	index    map[string]string
	newCode  CodeGenerator
	mu       sync.RWMutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCodeGenerator replaces the random code generator.
func WithCodeGenerator(gen CodeGenerator) StoreOption {
	return func(s *Store) {
		s.newCode = gen
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		index:    make(map[string]string),
		newCode:  RandomCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates a session under a code that no live session uses.
func (s *Store) Create(now time.Time) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for range maxCodeAttempts {
		code := s.newCode()
		if _, taken := s.sessions[code]; taken || code == "" {
			continue
		}
		sess := newSession(code, uuid.NewString(), now)
		s.sessions[code] = sess
		return sess, nil
	}
	return nil, ErrCodeSpaceExhausted
}

// Get returns the session with code.
func (s *Store) Get(code string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[code]
	return sess, ok
}

// Delete removes the session with code. Index entries pointing at it
// are left for their connections to clear.
func (s *Store) Delete(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, code)
}

// IndexParticipant maps connID to code, replacing any previous mapping.
func (s *Store) IndexParticipant(connID, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[connID] = code
}

// SessionFor returns the code connID is indexed to.
func (s *Store) SessionFor(connID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.index[connID]
	return code, ok
}

// UnindexParticipant removes connID from the index. Safe to call for
// unknown connections.
func (s *Store) UnindexParticipant(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.index, connID)
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sessions returns the live sessions in no particular order.
func (s *Store) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Clear drops every session and index entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*Session)
	s.index = make(map[string]string)
}
