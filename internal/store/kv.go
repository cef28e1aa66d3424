package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// GetFlag returns the value stored under key, or ErrNotFound if unset.
func (s *Store) GetFlag(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM kv_flag WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", classifyErr("GetFlag", err)
	}
	return value, nil
}

// SetFlag upserts a generic key/value flag, used for small pieces of state
// that don't warrant their own table (the one-shot provisioning-attempted
// marker, the last-applied spec hash, and similar bookkeeping).
func (s *Store) SetFlag(ctx context.Context, key, value string) error {
	return s.withWriteLock(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv_flag (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		if err != nil {
			return fmt.Errorf("setting flag %q: %w", key, err)
		}
		return nil
	})
}

// DeleteFlag removes a key/value flag if present.
func (s *Store) DeleteFlag(ctx context.Context, key string) error {
	return s.withWriteLock(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM kv_flag WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("deleting flag %q: %w", key, err)
		}
		return nil
	})
}
