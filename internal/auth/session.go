// Package auth provides the authentication context consumed by the sync
// engine: the current actor identity and a way to refresh an expired session.
package auth

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrRefreshUnavailable is returned when a session has no way to refresh
	ErrRefreshUnavailable = errors.New("session refresh unavailable")
	// ErrNoToken is returned when no access token is configured
	ErrNoToken = errors.New("no access token")
)

// Session is the authentication context of the local user
type Session interface {
	// ActorID returns the authenticated user, or "" when signed out
	ActorID() string
	// Refresh renews the session after the remote store rejected it
	Refresh(ctx context.Context) error
}

// Static is a Session with a fixed actor, used by tests and by the CLI when
// the remote store needs no token.
type Static struct {
	mu         sync.Mutex
	actor      string
	refreshErr error
	refreshes  int
}

// NewStatic creates a static session for actor
func NewStatic(actor string) *Static {
	return &Static{actor: actor}
}

// ActorID returns the fixed actor
func (s *Static) ActorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actor
}

// SetActor changes the actor, "" signs out
func (s *Static) SetActor(actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actor = actor
}

// FailRefresh makes subsequent Refresh calls return err
func (s *Static) FailRefresh(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshErr = err
}

// Refresh counts the call and returns the configured error
func (s *Static) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return s.refreshErr
}

// Refreshes returns how many times Refresh was called
func (s *Static) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}
