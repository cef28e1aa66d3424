package store

import (
	"context"
	"testing"
	"time"

	"github.com/iotistic/supervisor/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetIdentity(ctx); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound before any identity is written, got %v", err)
	}

	id := &model.DeviceIdentity{
		UUID:              "11111111-1111-1111-1111-111111111111",
		DeviceName:        "bench-01",
		DeviceType:        "generic-linux",
		ProvisioningState: model.ProvisioningUnregistered,
	}
	if err := s.PutIdentity(ctx, id); err != nil {
		t.Fatalf("PutIdentity() error: %v", err)
	}

	got, err := s.GetIdentity(ctx)
	if err != nil {
		t.Fatalf("GetIdentity() error: %v", err)
	}
	if got.UUID != id.UUID || got.DeviceName != id.DeviceName {
		t.Errorf("got %+v, want %+v", got, id)
	}

	got.ProvisioningState = model.ProvisioningRegistered
	got.APIKeyHash = "deadbeef"
	if err := s.PutIdentity(ctx, got); err != nil {
		t.Fatalf("PutIdentity() update error: %v", err)
	}
	reGot, err := s.GetIdentity(ctx)
	if err != nil {
		t.Fatalf("GetIdentity() after update error: %v", err)
	}
	if !reGot.IsRegistered() {
		t.Error("expected device to be registered after update")
	}

	if err := s.ResetIdentity(ctx); err != nil {
		t.Fatalf("ResetIdentity() error: %v", err)
	}
	reset, err := s.GetIdentity(ctx)
	if err != nil {
		t.Fatalf("GetIdentity() after reset error: %v", err)
	}
	if reset.UUID != id.UUID {
		t.Errorf("ResetIdentity must preserve uuid, got %q want %q", reset.UUID, id.UUID)
	}
	if reset.IsRegistered() {
		t.Error("expected device to be unregistered after reset")
	}
	if reset.APIKeyHash != "" {
		t.Error("expected api key hash cleared after reset")
	}
}

func TestTargetStateReplace(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetTargetState(ctx); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ts1 := &model.TargetState{
		Apps: map[int64]model.AppSpec{
			1: {AppID: 1, AppName: "web", Services: []model.ServiceSpec{
				{ServiceID: 1, ServiceName: "nginx", ImageRef: "nginx:1.27"},
			}},
		},
		Version: 1,
		ETag:    "etag-1",
	}
	if err := s.PutTargetState(ctx, ts1); err != nil {
		t.Fatalf("PutTargetState() error: %v", err)
	}

	got, err := s.GetTargetState(ctx)
	if err != nil {
		t.Fatalf("GetTargetState() error: %v", err)
	}
	if got.Version != 1 || got.ETag != "etag-1" || len(got.Apps) != 1 {
		t.Fatalf("got %+v", got)
	}

	ts2 := &model.TargetState{Apps: map[int64]model.AppSpec{}, Version: 2, ETag: "etag-2"}
	if err := s.PutTargetState(ctx, ts2); err != nil {
		t.Fatalf("PutTargetState() replace error: %v", err)
	}

	got2, err := s.GetTargetState(ctx)
	if err != nil {
		t.Fatalf("GetTargetState() after replace error: %v", err)
	}
	if len(got2.Apps) != 0 || got2.Version != 2 {
		t.Fatalf("expected full replace, got %+v", got2)
	}
}

func TestLogEntryAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := &model.LogEntry{
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			Level:       model.LogInfo,
			Source:      model.SourceContainer,
			ServiceName: "nginx",
			Message:     "hello",
		}
		if i == 4 {
			e.Level = model.LogError
		}
		if err := s.AppendLogEntry(ctx, e); err != nil {
			t.Fatalf("AppendLogEntry() error: %v", err)
		}
	}

	all, err := s.QueryLogEntries(ctx, model.LogQuery{ServiceName: "nginx"})
	if err != nil {
		t.Fatalf("QueryLogEntries() error: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d entries, want 5", len(all))
	}
	if all[0].Level != model.LogError {
		t.Errorf("expected most recent entry first, got level %q", all[0].Level)
	}

	errOnly, err := s.QueryLogEntries(ctx, model.LogQuery{Level: model.LogError})
	if err != nil {
		t.Fatalf("QueryLogEntries() filtered error: %v", err)
	}
	if len(errOnly) != 1 {
		t.Fatalf("got %d error entries, want 1", len(errOnly))
	}

	if err := s.PruneLogEntries(ctx, 2); err != nil {
		t.Fatalf("PruneLogEntries() error: %v", err)
	}
	remaining, err := s.QueryLogEntries(ctx, model.LogQuery{ServiceName: "nginx"})
	if err != nil {
		t.Fatalf("QueryLogEntries() after prune error: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("got %d entries after prune, want 2", len(remaining))
	}
}

func TestFlagRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.GetFlag(ctx, "provisioning_attempted"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.SetFlag(ctx, "provisioning_attempted", "true"); err != nil {
		t.Fatalf("SetFlag() error: %v", err)
	}
	v, err := s.GetFlag(ctx, "provisioning_attempted")
	if err != nil {
		t.Fatalf("GetFlag() error: %v", err)
	}
	if v != "true" {
		t.Errorf("got %q, want %q", v, "true")
	}

	if err := s.DeleteFlag(ctx, "provisioning_attempted"); err != nil {
		t.Fatalf("DeleteFlag() error: %v", err)
	}
	if _, err := s.GetFlag(ctx, "provisioning_attempted"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
