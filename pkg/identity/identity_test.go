package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/iotistic/supervisor/internal/store"
	"github.com/iotistic/supervisor/pkg/rtmerr"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, logger), st
}

type fakeRegistrar struct {
	result       RegisterResult
	err          error
	calls        int
	lastDeviceKey string
}

func (f *fakeRegistrar) Register(ctx context.Context, provisioningKey string, req RegisterRequest) (RegisterResult, error) {
	f.calls++
	f.lastDeviceKey = req.DeviceAPIKey
	return f.result, f.err
}

func TestBootstrapGeneratesUUIDOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	id1, err := m.Bootstrap(ctx, "bench-01", "generic-linux", "")
	if err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}
	if id1.UUID == "" {
		t.Fatal("expected a generated uuid")
	}

	id2, err := m.Bootstrap(ctx, "bench-01", "generic-linux", "")
	if err != nil {
		t.Fatalf("Bootstrap() second call error: %v", err)
	}
	if id2.UUID != id1.UUID {
		t.Errorf("expected stable uuid across bootstraps, got %q then %q", id1.UUID, id2.UUID)
	}
}

func TestProvisionIsOneShot(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)

	boot, err := m.Bootstrap(ctx, "bench-01", "generic-linux", "")
	if err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}

	reg := &fakeRegistrar{result: RegisterResult{UUID: "cloud-assigned-uuid", APIEndpoint: "https://cloud.example"}}

	id, err := m.Provision(ctx, reg, "provisioning-key")
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	if !id.IsRegistered() {
		t.Fatal("expected device to be registered after provisioning")
	}
	if id.UUID != boot.UUID {
		t.Errorf("got uuid %q, want the bootstrapped uuid %q", id.UUID, boot.UUID)
	}
	if reg.calls != 1 {
		t.Fatalf("got %d registrar calls, want 1", reg.calls)
	}

	// Second call must fail with already-registered and not re-register.
	_, err = m.Provision(ctx, reg, "provisioning-key")
	var sv *rtmerr.StateViolation
	if !errors.As(err, &sv) {
		t.Fatalf("Provision() second call error = %v, want an already-registered state violation", err)
	}
	if reg.calls != 1 {
		t.Fatalf("expected no additional registrar call, got %d total", reg.calls)
	}
	stored, err := st.GetIdentity(ctx)
	if err != nil {
		t.Fatalf("GetIdentity() error: %v", err)
	}
	if stored.UUID != id.UUID {
		t.Errorf("expected stable uuid across provision calls")
	}
}

func TestProvisionRequiresProvisioningKey(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	if _, err := m.Bootstrap(ctx, "bench-01", "generic-linux", ""); err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}

	if _, err := m.Provision(ctx, &fakeRegistrar{}, ""); err == nil {
		t.Fatal("expected error when provisioning key is empty")
	}
}

func TestVerifyAPIKey(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	if _, err := m.Bootstrap(ctx, "bench-01", "generic-linux", ""); err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}

	reg := &fakeRegistrar{result: RegisterResult{UUID: "u1"}}
	if _, err := m.Provision(ctx, reg, "pk"); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	ok, err := m.VerifyAPIKey(ctx, reg.lastDeviceKey)
	if err != nil {
		t.Fatalf("VerifyAPIKey() error: %v", err)
	}
	if !ok {
		t.Error("expected correct api key to verify")
	}

	ok, err = m.VerifyAPIKey(ctx, "ow_wrongkey")
	if err != nil {
		t.Fatalf("VerifyAPIKey() error: %v", err)
	}
	if ok {
		t.Error("expected wrong api key to fail verification")
	}
}

func TestResetPreservesUUID(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	id, err := m.Bootstrap(ctx, "bench-01", "generic-linux", "")
	if err != nil {
		t.Fatalf("Bootstrap() error: %v", err)
	}
	originalUUID := id.UUID

	reg := &fakeRegistrar{result: RegisterResult{UUID: originalUUID}}
	if _, err := m.Provision(ctx, reg, "pk"); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	if err := m.Reset(ctx); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}

	after, err := m.Bootstrap(ctx, "bench-01", "generic-linux", "")
	if err != nil {
		t.Fatalf("Bootstrap() after reset error: %v", err)
	}
	if after.UUID != originalUUID {
		t.Errorf("expected uuid preserved across reset, got %q want %q", after.UUID, originalUUID)
	}
	if after.IsRegistered() {
		t.Error("expected device unregistered after reset")
	}
}
