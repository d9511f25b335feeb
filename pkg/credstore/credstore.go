// Package credstore persists the user's saved session token, preferring the
// OS secret store and falling back to a file under the user's home
// directory when no keyring backend is available.
package credstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"

	"atlas/pkg/apperror"
)

const (
	keyringService = "acencia_atlas"
	keyringKey     = "jwt_token"
)

// Credentials is the payload persisted by Save and returned by Load.
type Credentials struct {
	Token string          `json:"token"`
	User  json.RawMessage `json:"user"`
}

// Store saves, loads and deletes the session token, trying the OS keyring
// first and a fixed fallback file second.
type Store struct {
	fallbackPath string
}

// New builds a Store whose fallback file lives at fallbackPath. Pass "" to
// use the default location under the user's home directory.
func New(fallbackPath string) *Store {
	if fallbackPath == "" {
		fallbackPath = defaultFallbackPath()
	}
	return &Store{fallbackPath: fallbackPath}
}

func defaultFallbackPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".acencia_atlas", "credentials.json")
}

// Save writes creds to the OS keyring. On success, it removes any stale
// fallback file so Load never serves a stale on-disk copy.
func (s *Store) Save(creds Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "marshal credentials")
	}

	if err := keyring.Set(keyringService, keyringKey, string(data)); err == nil {
		_ = s.removeFallback()
		return nil
	}

	return s.saveFallback(data)
}

func (s *Store) saveFallback(data []byte) error {
	dir := filepath.Dir(s.fallbackPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "create credential dir")
	}
	if err := os.WriteFile(s.fallbackPath, data, 0600); err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "write fallback credential file")
	}
	return nil
}

func (s *Store) removeFallback() error {
	err := os.Remove(s.fallbackPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Load returns the saved credentials, checking the keyring before the
// fallback file.
func (s *Store) Load() (*Credentials, error) {
	if data, err := keyring.Get(keyringService, keyringKey); err == nil {
		return decodeCredentials([]byte(data))
	}

	data, err := os.ReadFile(s.fallbackPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperror.New(apperror.CodeNotFound, "no saved credentials")
		}
		return nil, apperror.Wrap(err, apperror.CodeInternal, "read fallback credential file")
	}
	return decodeCredentials(data)
}

func decodeCredentials(data []byte) (*Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, "decode credentials")
	}
	return &creds, nil
}

// Delete removes the saved credentials from both backends, ignoring
// individual not-found failures.
func (s *Store) Delete() error {
	keyringErr := keyring.Delete(keyringService, keyringKey)
	if keyringErr != nil && !errors.Is(keyringErr, keyring.ErrNotFound) {
		// best effort: still try the fallback file below
		_ = keyringErr
	}

	if err := s.removeFallback(); err != nil {
		return apperror.Wrap(err, apperror.CodeInternal, "remove fallback credential file")
	}
	return nil
}
