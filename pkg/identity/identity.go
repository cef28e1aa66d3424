// Package identity is the Device Identity Manager (C5): it owns the
// device's immutable uuid, drives the one-shot provisioning handshake
// against the cloud, and stores an unsalted SHA-256 digest of the device's
// api key on the identity row. The plaintext key is also persisted, in a
// separate kv_flag row, for pkg/cloudsync's outbound calls. Grounded on
// pkg/apikey/service.go's key-generation
// shape (crypto/rand + crypto/sha256, hash-only persistence, raw value
// returned exactly once) and pkg/apikey/apikey.go's DTO/row split.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iotistic/supervisor/internal/store"
	"github.com/iotistic/supervisor/pkg/model"
	"github.com/iotistic/supervisor/pkg/rtmerr"
)

// Registrar performs the network half of provisioning: exchanging a
// provisioning key for the cloud's confirmation of a device-generated api
// key. Implemented by pkg/cloudsync's HTTP client; declared here to avoid an
// import cycle.
type Registrar interface {
	Register(ctx context.Context, provisioningKey string, req RegisterRequest) (RegisterResult, error)
}

// RegisterRequest is sent to the cloud's device registration endpoint. The
// device, not the cloud, generates DeviceAPIKey and sends the plaintext to
// the cloud on this request. The plaintext is also persisted locally (see
// CurrentAPIKey); the identity row holds only its hash.
type RegisterRequest struct {
	UUID              string `json:"uuid"`
	DeviceName        string `json:"device_name"`
	DeviceType        string `json:"device_type"`
	DeviceAPIKey      string `json:"device_api_key"`
	MACAddress        string `json:"mac_address,omitempty"`
	OSVersion         string `json:"os_version,omitempty"`
	SupervisorVersion string `json:"supervisor_version,omitempty"`
}

// RegisterResult is the cloud's response to a successful registration.
type RegisterResult struct {
	UUID        string `json:"uuid"`
	FleetID     string `json:"fleet_id"`
	APIEndpoint string `json:"api_endpoint"`
}

// Manager owns the device's persisted identity.
type Manager struct {
	st     *store.Store
	logger *slog.Logger
}

// New creates a Manager backed by st.
func New(st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{st: st, logger: logger}
}

// Bootstrap ensures a device identity row exists, generating a new uuid on
// first boot. It never overwrites an existing uuid.
func (m *Manager) Bootstrap(ctx context.Context, deviceName, deviceType, fleetID string) (*model.DeviceIdentity, error) {
	id, err := m.st.GetIdentity(ctx)
	if err == nil {
		return id, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("loading device identity: %w", err)
	}

	id = &model.DeviceIdentity{
		UUID:              uuid.NewString(),
		DeviceName:        deviceName,
		DeviceType:        deviceType,
		FleetID:           fleetID,
		ProvisioningState: model.ProvisioningUnregistered,
	}
	if err := m.st.PutIdentity(ctx, id); err != nil {
		return nil, fmt.Errorf("persisting new device identity: %w", err)
	}
	m.logger.Info("generated device identity", "uuid", id.UUID)
	return id, nil
}

// Provision performs the one-shot provisioning handshake. Calling it again
// on an already-registered device fails with a state violation; only Reset
// returns the device to the unprovisioned state. The device's uuid is never
// changed by provisioning.
func (m *Manager) Provision(ctx context.Context, reg Registrar, provisioningKey string) (*model.DeviceIdentity, error) {
	id, err := m.st.GetIdentity(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading device identity before provisioning: %w", err)
	}
	if id.IsRegistered() {
		return nil, rtmerr.NewStateViolation("Provision", "already-registered")
	}
	if provisioningKey == "" {
		return nil, rtmerr.NewAuthFailure("Provision", "no provisioning key configured")
	}

	rawKey, err := generateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generating device api key: %w", err)
	}

	result, err := reg.Register(ctx, provisioningKey, RegisterRequest{
		UUID:         id.UUID,
		DeviceName:   id.DeviceName,
		DeviceType:   id.DeviceType,
		DeviceAPIKey: rawKey,
	})
	if err != nil {
		return nil, err
	}

	if result.FleetID != "" {
		id.FleetID = result.FleetID
	}
	id.APIKeyHash = hashAPIKey(rawKey)
	id.APIEndpoint = result.APIEndpoint
	id.ProvisioningState = model.ProvisioningRegistered
	now := time.Now().UTC()
	id.ProvisionedAt = &now

	if err := m.st.PutIdentity(ctx, id); err != nil {
		return nil, fmt.Errorf("persisting provisioned identity: %w", err)
	}
	// The plaintext key itself is kept out of DeviceIdentity (and so out of
	// every admin-API/JSON surface that serializes it) but still has to
	// survive a process restart for pkg/cloudsync's own outbound calls, so
	// it lives in its own kv_flag row instead of in memory only.
	if err := m.st.SetFlag(ctx, apiKeyPlainFlag, rawKey); err != nil {
		return nil, fmt.Errorf("persisting device api key: %w", err)
	}
	m.logger.Info("device provisioned", "uuid", id.UUID)
	return id, nil
}

// CurrentAPIKey returns the device's plaintext api key from its kv_flag
// row; pkg/cloudsync reads it for its own outbound Authorization headers
// on every sync. It is never
// exposed on DeviceIdentity or any admin-API response.
func (m *Manager) CurrentAPIKey(ctx context.Context) (string, error) {
	key, err := m.st.GetFlag(ctx, apiKeyPlainFlag)
	if err != nil {
		return "", fmt.Errorf("loading device api key: %w", err)
	}
	return key, nil
}

// apiKeyPlainFlag is the kv_flag key holding the device's plaintext api key.
const apiKeyPlainFlag = "device_api_key_plain"

// Reset reverts the device to unprovisioned state while preserving its
// uuid, allowing re-provisioning without losing device-level history tied
// to that identifier.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.st.ResetIdentity(ctx); err != nil {
		return fmt.Errorf("resetting device identity: %w", err)
	}
	if err := m.st.DeleteFlag(ctx, apiKeyPlainFlag); err != nil {
		return fmt.Errorf("clearing device api key: %w", err)
	}
	m.logger.Info("device identity reset")
	return nil
}

// VerifyAPIKey reports whether raw matches the device's stored api key
// digest, comparing in constant time to avoid leaking timing information
// about the stored hash.
func (m *Manager) VerifyAPIKey(ctx context.Context, raw string) (bool, error) {
	id, err := m.st.GetIdentity(ctx)
	if err != nil {
		return false, fmt.Errorf("loading device identity: %w", err)
	}
	if id.APIKeyHash == "" {
		return false, nil
	}
	want := hashAPIKey(raw)
	return subtle.ConstantTimeCompare([]byte(want), []byte(id.APIKeyHash)) == 1, nil
}

// hashAPIKey returns the hex-encoded SHA-256 digest of raw.
func hashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// generateAPIKey returns a random 32-byte device api key, hex-encoded.
func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
