// Package credstore implements the gateway's CredentialStore collaborator as
// a single JSON file on disk, written atomically (temp file + rename) so a
// crash mid-write never leaves a half-written credentials file behind.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/agms-cesar/knot-virtualthing/internal/gateway"
)

type fileContents struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// Store is a file-backed gateway.CredentialStore.
type Store struct {
	mu   sync.Mutex
	path string
}

var _ gateway.CredentialStore = (*Store)(nil)

// New creates a Store backed by path. The parent directory must already
// exist; New does not create it.
func New(path string) *Store {
	return &Store{path: path}
}

// Store implements gateway.CredentialStore.
func (s *Store) Store(id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(fileContents{ID: id, Token: token}, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: marshaling credentials: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "credentials-*.json.tmp")
	if err != nil {
		return fmt.Errorf("credstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("credstore: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("credstore: closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("credstore: setting permissions: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("credstore: renaming temp file: %w", err)
	}
	return nil
}

// Clear implements gateway.CredentialStore by removing the credentials file.
// A missing file is not an error — clearing an already-clear store is a
// no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("credstore: removing credentials file: %w", err)
	}
	return nil
}

// Load implements gateway.CredentialStore. A missing file returns empty
// id/token and a nil error, matching the cold-start scenario where no
// credentials have ever been stored.
func (s *Store) Load() (id, token string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("credstore: reading credentials file: %w", err)
	}

	var fc fileContents
	if err := json.Unmarshal(data, &fc); err != nil {
		return "", "", fmt.Errorf("credstore: parsing credentials file: %w", err)
	}
	return fc.ID, fc.Token, nil
}
