package storagememory

import (
	"context"
	"fmt"

	"github.com/patrickmn/go-cache"

	"github.com/openkcm/session-client/internal/storage"
)

// Store keeps tokens in process memory. Nothing survives a restart.
type Store struct {
	cache *cache.Cache
}

var _ = storage.KV(&Store{})

func NewStore() *Store {
	return &Store{
		cache: cache.New(cache.NoExpiration, 0),
	}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return "", storage.ErrNotFound
	}

	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected value type %T for key %s", v, key)
	}

	return str, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.cache.Set(key, value, cache.NoExpiration)
	return nil
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.cache.Delete(key)
	}
	return nil
}
