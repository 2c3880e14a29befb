package session

import (
	"errors"
	"sync"

	"github.com/pkruglov/phantom/internal/vault"
)

// ErrClosed means the session was logged out and its key material wiped.
var ErrClosed = errors.New("session closed")

// Session is the authenticated runtime context: who is logged in, under
// which profile, and the credential key unlocking the vault. There is no
// global login state; everything that needs authentication takes a Session.
type Session struct {
	Profile    string
	Username   string
	Identifier string

	mu      sync.Mutex
	credKey vault.CredentialKey
	closed  bool
}

// NewSession creates an authenticated session. The session takes ownership
// of the credential key and wipes it on Close.
func NewSession(profile, username, identifier string, credKey vault.CredentialKey) *Session {
	return &Session{
		Profile:    profile,
		Username:   username,
		Identifier: identifier,
		credKey:    credKey,
	}
}

// CredentialKey returns the vault credential key for this session.
func (s *Session) CredentialKey() (vault.CredentialKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vault.CredentialKey{}, ErrClosed
	}
	return s.credKey, nil
}

// Close wipes the credential key. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.credKey.Zero()
	s.closed = true
}
