// Package session holds the merchant session shared by the backend clients:
// the bearer token and the currently selected store.
package session

import (
	"sync"

	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/pkg/errors"
)

type Session struct {
	mu      sync.RWMutex
	token   string
	storeID string
}

func New() *Session { return &Session{} }

// Login populates the session. Both values are required.
func (s *Session) Login(token, storeID string) error {
	if token == "" {
		return errors.Wrap(models.ErrInvalid, "token is required")
	}
	if storeID == "" {
		return errors.Wrap(models.ErrInvalid, "storeId is required")
	}
	s.mu.Lock()
	s.token, s.storeID = token, storeID
	s.mu.Unlock()
	return nil
}

// LoginToken starts a session that only carries the bearer token. Background
// callers such as the worker poll statuses and never pick a store.
func (s *Session) LoginToken(token string) error {
	if token == "" {
		return errors.Wrap(models.ErrInvalid, "token is required")
	}
	s.mu.Lock()
	s.token, s.storeID = token, ""
	s.mu.Unlock()
	return nil
}

// SelectStore switches the active store of a logged in session.
func (s *Session) SelectStore(storeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return errors.New("session is not logged in")
	}
	if storeID == "" {
		return errors.Wrap(models.ErrInvalid, "storeId is required")
	}
	s.storeID = storeID
	return nil
}

func (s *Session) Logout() {
	s.mu.Lock()
	s.token, s.storeID = "", ""
	s.mu.Unlock()
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) StoreID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storeID
}

func (s *Session) LoggedIn() bool {
	return s.Token() != ""
}
