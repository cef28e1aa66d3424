package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/iotistic/supervisor/pkg/model"
	"github.com/iotistic/supervisor/pkg/rtmerr"
)

// ErrNotFound is returned when the single-row identity/target/current
// tables have not yet been populated.
var ErrNotFound = errors.New("store: not found")

// GetIdentity returns the device's persisted identity row.
func (s *Store) GetIdentity(ctx context.Context) (*model.DeviceIdentity, error) {
	var id model.DeviceIdentity
	err := s.db.GetContext(ctx, &id, `SELECT uuid, device_name, device_type, fleet_id,
		provisioning_state, api_key_hash, api_endpoint, provisioned_at
		FROM device_identity WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyErr("GetIdentity", err)
	}
	return &id, nil
}

// PutIdentity upserts the single device identity row.
func (s *Store) PutIdentity(ctx context.Context, id *model.DeviceIdentity) error {
	return s.withWriteLock(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO device_identity
			(id, uuid, device_name, device_type, fleet_id, provisioning_state, api_key_hash, api_endpoint, provisioned_at)
			VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				uuid = excluded.uuid,
				device_name = excluded.device_name,
				device_type = excluded.device_type,
				fleet_id = excluded.fleet_id,
				provisioning_state = excluded.provisioning_state,
				api_key_hash = excluded.api_key_hash,
				api_endpoint = excluded.api_endpoint,
				provisioned_at = excluded.provisioned_at`,
			id.UUID, id.DeviceName, id.DeviceType, id.FleetID,
			id.ProvisioningState, id.APIKeyHash, id.APIEndpoint, id.ProvisionedAt)
		if err != nil {
			return fmt.Errorf("upserting device identity: %w", err)
		}
		return nil
	})
}

// ResetIdentity clears provisioning state and the api key hash while
// preserving the immutable uuid, per spec.md's reset-but-preserve-uuid
// requirement.
func (s *Store) ResetIdentity(ctx context.Context) error {
	return s.withWriteLock(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE device_identity SET
			provisioning_state = ?, api_key_hash = '', api_endpoint = '', provisioned_at = NULL
			WHERE id = 1`, model.ProvisioningUnregistered)
		if err != nil {
			return fmt.Errorf("resetting device identity: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking reset rows affected: %w", err)
		}
		if n == 0 {
			return rtmerr.NewStateViolation("ResetIdentity", "no identity row to reset")
		}
		return nil
	})
}
