package storagefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openkcm/session-client/internal/storage"
)

const defaultFileName = "tokens.json"

// Store keeps all keys in a single JSON document readable only by the owner.
type Store struct {
	path string
	mu   sync.Mutex
}

var _ = storage.KV(&Store{})

func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultPath is $HOME/.session-client/tokens.json, or a relative path when
// the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(".session-client", defaultFileName)
	}
	return filepath.Join(home, ".session-client", defaultFileName)
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return "", err
	}

	v, ok := values[key]
	if !ok {
		return "", storage.ErrNotFound
	}

	return v, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}

	values[key] = value

	return s.write(values)
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}

	for _, key := range keys {
		delete(values, key)
	}

	if len(values) == 0 {
		if err := os.Remove(s.resolvedPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing token file: %w", err)
		}
		return nil
	}

	return s.write(values)
}

func (s *Store) read() (map[string]string, error) {
	values := make(map[string]string)

	data, err := os.ReadFile(s.resolvedPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, fmt.Errorf("reading token file: %w", err)
	}

	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decoding token file: %w", err)
	}

	return values, nil
}

func (s *Store) write(values map[string]string) error {
	path := s.resolvedPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	payload, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token file: %w", err)
	}
	payload = append(payload, '\n')

	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	return nil
}

func (s *Store) resolvedPath() string {
	if strings.TrimSpace(s.path) != "" {
		return s.path
	}
	return DefaultPath()
}
