package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/iotistic/supervisor/pkg/model"
	"github.com/iotistic/supervisor/pkg/rtmerr"
)

type targetRow struct {
	Payload string `db:"payload"`
	Version int64  `db:"version"`
	ETag    string `db:"etag"`
}

// GetTargetState returns the single cloud-declared target state row.
func (s *Store) GetTargetState(ctx context.Context) (*model.TargetState, error) {
	var row targetRow
	err := s.db.GetContext(ctx, &row, `SELECT payload, version, etag FROM target_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyErr("GetTargetState", err)
	}

	var ts model.TargetState
	if err := json.Unmarshal([]byte(row.Payload), &ts); err != nil {
		return nil, rtmerr.NewFatal("GetTargetState", fmt.Errorf("unmarshalling target_state payload: %w", err))
	}
	ts.Version = row.Version
	ts.ETag = row.ETag
	return &ts, nil
}

// PutTargetState atomically replaces the single target state row. Replacing
// (rather than merging) matches spec.md's "single cloud-declared desired
// state" invariant — there is never a partial target.
func (s *Store) PutTargetState(ctx context.Context, ts *model.TargetState) error {
	payload, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshalling target_state payload: %w", err)
	}

	return s.withWriteLock(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO target_state (id, payload, version, etag)
			VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, version = excluded.version, etag = excluded.etag`,
			string(payload), ts.Version, ts.ETag)
		if err != nil {
			return fmt.Errorf("replacing target_state: %w", err)
		}
		return nil
	})
}
