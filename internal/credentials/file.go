package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps tokens in a JSON file readable only by the current user.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file location.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load(context.Context) (Tokens, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileStore) Save(_ context.Context, tokens Tokens) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(tokens)
}

func (f *FileStore) SwapAccess(_ context.Context, refresh, access string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens, err := f.read()
	if err != nil {
		return err
	}
	if tokens.Refresh == "" || tokens.Refresh != refresh {
		return ErrSuperseded
	}
	tokens.Access = access
	return f.write(tokens)
}

func (f *FileStore) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials file: %w", err)
	}
	return nil
}

func (f *FileStore) read() (Tokens, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Tokens{}, nil
		}
		return Tokens{}, fmt.Errorf("read credentials file: %w", err)
	}
	var tokens Tokens
	if err := json.Unmarshal(b, &tokens); err != nil {
		return Tokens{}, fmt.Errorf("decode credentials file: %w", err)
	}
	return tokens, nil
}

func (f *FileStore) write(tokens Tokens) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	b, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	return nil
}
