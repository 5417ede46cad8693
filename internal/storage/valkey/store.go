package storagevalkey

import (
	"context"
	"fmt"
	"strings"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/session-client/internal/storage"
)

const objectType = "token"

type Store struct {
	valkey valkey.Client
	prefix string
}

var _ = storage.KV(&Store{})

func NewStore(valkeyClient valkey.Client, prefix string) *Store {
	prefix = strings.TrimSuffix(prefix, ":")
	return &Store{
		valkey: valkeyClient,
		prefix: prefix,
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.valkey.Do(ctx, s.valkey.B().Get().Key(s.key(key)).Build()).ToString()
	if err != nil {
		valkeyErr, ok := valkey.IsValkeyErr(err)
		if ok && valkeyErr.IsNil() {
			return "", storage.ErrNotFound
		}

		return "", fmt.Errorf("executing get command: %w", err)
	}

	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.valkey.Do(ctx, s.valkey.B().Set().Key(s.key(key)).Value(value).Build()).Error(); err != nil {
		return fmt.Errorf("executing set command: %w", err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, s.key(key))
	}

	if err := s.valkey.Do(ctx, s.valkey.B().Del().Key(full...).Build()).Error(); err != nil {
		return fmt.Errorf("executing del command: %w", err)
	}

	return nil
}

func (s *Store) key(key string) string {
	if s.prefix == "" {
		return fmt.Sprintf("%s:%s", objectType, key)
	}
	return fmt.Sprintf("%s:%s:%s", s.prefix, objectType, key)
}
