// Package credentials persists the access/refresh token pair of a user session.
package credentials

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrSuperseded is returned by SwapAccess when the refresh token it was given is no
	// longer the stored one, e.g. because the user logged out while a refresh was running.
	ErrSuperseded = errors.New("credentials superseded")
)

type Tokens struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// Empty reports whether no credentials are present.
func (t Tokens) Empty() bool {
	return t.Access == "" && t.Refresh == ""
}

// Store is the credential storage shared by login, token refresh and logout.
type Store interface {
	// Load returns the stored tokens, or zero Tokens when none are stored.
	Load(ctx context.Context) (Tokens, error)
	Save(ctx context.Context, tokens Tokens) error
	// SwapAccess replaces the access token only while refresh is still the stored
	// refresh token.
	SwapAccess(ctx context.Context, refresh, access string) error
	Clear(ctx context.Context) error
}

type MemoryStore struct {
	mu     sync.Mutex
	tokens Tokens
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) (Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens, nil
}

func (m *MemoryStore) Save(_ context.Context, tokens Tokens) error {
	m.mu.Lock()
	m.tokens = tokens
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) SwapAccess(_ context.Context, refresh, access string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens.Refresh == "" || m.tokens.Refresh != refresh {
		return ErrSuperseded
	}
	m.tokens.Access = access
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	m.tokens = Tokens{}
	m.mu.Unlock()
	return nil
}
