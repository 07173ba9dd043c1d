// internal/capture/state.go
package capture

import (
	"strings"
	"sync"
)

// EmailSource identifies which capture channel supplied an email value.
type EmailSource string

const (
	SourceNetwork EmailSource = "network"
	SourceBridge  EmailSource = "bridge"
	SourceStorage EmailSource = "storage"
)

// State is the shared "captured so far" record. The network interceptor, the
// DOM bridge and the storage fallback all write into the same State; every
// write is set-if-absent, so the first channel to produce a value wins and
// later writes are dropped.
//
// CDP dispatches listener callbacks on its own goroutine, so the check-then-set
// has to hold the lock for the full read-modify-write.
type State struct {
	mu          sync.Mutex
	email       string
	emailSource EmailSource
	token       string
}

// Snapshot is an immutable copy of the captured values.
type Snapshot struct {
	Email       string
	EmailSource EmailSource
	Token       string
}

// NewState returns an empty capture state.
func NewState() *State {
	return &State{}
}

// SetEmail stores value as the captured email if none has been recorded yet.
// Whitespace-only values are ignored. Reports whether the value was stored.
func (s *State) SetEmail(source EmailSource, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.email != "" {
		return false
	}
	s.email = value
	s.emailSource = source
	return true
}

// SetToken stores value as the captured authorization token if none has been
// recorded yet. Reports whether the value was stored.
func (s *State) SetToken(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return false
	}
	s.token = value
	return true
}

// Email returns the captured email and the channel that produced it.
func (s *State) Email() (string, EmailSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.email, s.emailSource
}

// Token returns the captured authorization token, or "" if none was seen.
func (s *State) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Snapshot returns a point-in-time copy of the captured values.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Email:       s.email,
		EmailSource: s.emailSource,
		Token:       s.token,
	}
}
