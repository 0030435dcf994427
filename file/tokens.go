// Package file stores the account credential as a JSON file under the XDG
// data directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"

	"github.com/guilherme-santos/availsync"
)

// DefaultPath returns where the credential of platform is kept by default.
func DefaultPath(platform string) string {
	return filepath.Join(xdg.DataHome, "availsync", platform+"-credentials.json")
}

type TokenStore struct {
	path string
	mu   sync.Mutex
}

func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

func (s *TokenStore) Path() string {
	return s.path
}

// Load returns nil when the file is missing or its content is malformed.
func (s *TokenStore) Load(context.Context) (*availsync.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: reading credential: %w", err)
	}

	var cred availsync.Credential
	if err := json.Unmarshal(b, &cred); err != nil || cred.AccessToken == "" {
		return nil, nil
	}
	return &cred, nil
}

func (s *TokenStore) Save(_ context.Context, cred *availsync.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("file: creating credential directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("file: creating credential file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(cred); err != nil {
		return fmt.Errorf("file: encoding credential: %w", err)
	}
	return f.Close()
}

func (s *TokenStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
