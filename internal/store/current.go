package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iotistic/supervisor/pkg/model"
	"github.com/iotistic/supervisor/pkg/rtmerr"
)

type currentRow struct {
	Payload   string    `db:"payload"`
	UpdatedAt time.Time `db:"updated_at"`
}

// GetCurrentState returns the device's last-observed reality.
func (s *Store) GetCurrentState(ctx context.Context) (*model.CurrentState, error) {
	var row currentRow
	err := s.db.GetContext(ctx, &row, `SELECT payload, updated_at FROM current_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyErr("GetCurrentState", err)
	}

	var cs model.CurrentState
	if err := json.Unmarshal([]byte(row.Payload), &cs); err != nil {
		return nil, rtmerr.NewFatal("GetCurrentState", fmt.Errorf("unmarshalling current_state payload: %w", err))
	}
	return &cs, nil
}

// PutCurrentState replaces the single observed-reality row.
func (s *Store) PutCurrentState(ctx context.Context, cs *model.CurrentState) error {
	payload, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("marshalling current_state payload: %w", err)
	}

	return s.withWriteLock(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO current_state (id, payload, updated_at)
			VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			string(payload), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("replacing current_state: %w", err)
		}
		return nil
	})
}
