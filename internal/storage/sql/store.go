package storagesql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openkcm/session-client/internal/storage"
)

// Store keeps tokens in the token_storage table created by the migrations
// in the sql directory.
type Store struct {
	db *pgxpool.Pool
}

var _ = storage.KV(&Store{})

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{
		db: db,
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	if err := s.db.QueryRow(ctx, `SELECT value FROM token_storage WHERE key = $1;`, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", storage.ErrNotFound
		}

		return "", fmt.Errorf("selecting from token_storage: %w", err)
	}

	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.Exec(ctx, `INSERT INTO token_storage (key, value, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (key)
	DO UPDATE SET (value, updated_at) = (EXCLUDED.value, EXCLUDED.updated_at);`,
		key, value,
	); err != nil {
		return fmt.Errorf("upserting into token_storage: %w", err)
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM token_storage WHERE key = ANY($1);`, keys); err != nil {
		return fmt.Errorf("deleting from token_storage: %w", err)
	}

	return nil
}
