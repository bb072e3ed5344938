// Package session holds the signed-in user of one client together with its stored
// credentials.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/digkill/ghiblit/internal/credentials"
	"github.com/digkill/ghiblit/internal/models"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrLoggedOut is returned when a logout landed while a profile request was in flight.
	ErrLoggedOut = errors.New("session ended while request was in flight")
)

type Backend interface {
	GoogleLogin(ctx context.Context, idToken string) (*models.LoginResult, error)
	Profile(ctx context.Context) (*models.User, error)
}

type Store struct {
	api   Backend
	creds credentials.Store
	log   *slog.Logger

	mu   sync.RWMutex
	user *models.User
	// epoch changes on every login and logout so that responses started under an
	// older session are dropped.
	epoch uint64
}

func NewStore(api Backend, creds credentials.Store, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{api: api, creds: creds, log: log}
}

// Login exchanges a Google ID token for backend credentials and stores the user.
func (s *Store) Login(ctx context.Context, idToken string) (*models.User, error) {
	res, err := s.api.GoogleLogin(ctx, idToken)
	if err != nil {
		return nil, fmt.Errorf("google login: %w", err)
	}
	if err := s.creds.Save(ctx, credentials.Tokens{Access: res.Access, Refresh: res.Refresh}); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}

	s.mu.Lock()
	s.epoch++
	user := res.User
	s.user = &user
	s.mu.Unlock()

	s.log.Info("user logged in", "user_id", user.ID)
	return &user, nil
}

// Restore loads the profile for credentials persisted by an earlier process.
func (s *Store) Restore(ctx context.Context) (*models.User, error) {
	return s.RefreshProfile(ctx)
}

// RefreshProfile reloads the user from the backend. Any failure other than the
// caller giving up ends the session.
func (s *Store) RefreshProfile(ctx context.Context) (*models.User, error) {
	tokens, err := s.creds.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if tokens.Access == "" {
		return nil, ErrNotAuthenticated
	}

	s.mu.RLock()
	epoch := s.epoch
	s.mu.RUnlock()

	user, err := s.api.Profile(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		s.log.Warn("profile refresh failed, ending session", "err", err)
		if s.endIfEpoch(ctx, epoch) {
			return nil, fmt.Errorf("refresh profile: %w", err)
		}
		return nil, ErrLoggedOut
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return nil, ErrLoggedOut
	}
	s.user = user
	out := *user
	return &out, nil
}

// Logout clears the user and the stored credentials. It wins over any refresh that is
// still in flight.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	s.user = nil
	s.mu.Unlock()

	if err := s.creds.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// endIfEpoch logs out unless another login or logout already happened.
func (s *Store) endIfEpoch(ctx context.Context, epoch uint64) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.epoch++
	s.user = nil
	s.mu.Unlock()

	if err := s.creds.Clear(ctx); err != nil {
		s.log.Error("clear credentials", "err", err)
	}
	return true
}

func (s *Store) User() (*models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil, false
	}
	out := *s.user
	return &out, true
}

func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil
}

func (s *Store) CreditBalance() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return 0
	}
	return s.user.Profile.CreditBalance
}

// SetCreditBalance applies a balance reported by the backend, clamped at zero.
func (s *Store) SetCreditBalance(balance int) {
	if balance < 0 {
		balance = 0
	}
	s.mu.Lock()
	if s.user != nil {
		s.user.Profile.CreditBalance = balance
	}
	s.mu.Unlock()
}
