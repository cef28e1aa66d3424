package reconciler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iotistic/supervisor/internal/store"
	"github.com/iotistic/supervisor/pkg/model"
	"github.com/iotistic/supervisor/pkg/runtimeadapter"
)

// fakeAdapter is a runtimeadapter.Adapter test double that records calls and
// lets tests inject failures, avoiding any real container runtime.
type fakeAdapter struct {
	mu sync.Mutex

	nextID      int
	containers  map[string]runtimeadapter.ContainerInfo
	networks    map[string]runtimeadapter.NetworkInfo
	pullFail    map[string]bool
	createCalls []string
	pullCalls   []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		containers: map[string]runtimeadapter.ContainerInfo{},
		networks:   map[string]runtimeadapter.NetworkInfo{},
		pullFail:   map[string]bool{},
	}
}

func (f *fakeAdapter) ImagePresent(ctx context.Context, imageRef string) (bool, error) { return true, nil }

func (f *fakeAdapter) PullImage(ctx context.Context, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls = append(f.pullCalls, imageRef)
	if f.pullFail[imageRef] {
		return fmt.Errorf("simulated pull failure for %s", imageRef)
	}
	return nil
}

func (f *fakeAdapter) CreateContainer(ctx context.Context, spec runtimeadapter.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("container-%d", f.nextID)
	f.createCalls = append(f.createCalls, spec.Name)
	f.containers[id] = runtimeadapter.ContainerInfo{ID: id, Name: spec.Name, ImageRef: spec.ImageRef, State: runtimeadapter.ContainerCreated, Labels: spec.Labels}
	return id, nil
}

func (f *fakeAdapter) Start(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container %s", containerID)
	}
	c.State = runtimeadapter.ContainerRunning
	c.Started = true
	f.containers[containerID] = c
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return nil
	}
	c.State = runtimeadapter.ContainerExited
	f.containers[containerID] = c
	return nil
}

func (f *fakeAdapter) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *fakeAdapter) Inspect(ctx context.Context, containerID string) (runtimeadapter.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return runtimeadapter.ContainerInfo{}, fmt.Errorf("no such container %s", containerID)
	}
	return c, nil
}

func (f *fakeAdapter) ListContainers(ctx context.Context, labelFilter map[string]string) ([]runtimeadapter.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtimeadapter.ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeAdapter) NetworkCreate(ctx context.Context, name string, labels map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "net-" + name
	f.networks[id] = runtimeadapter.NetworkInfo{ID: id, Name: name, Labels: labels}
	return id, nil
}

func (f *fakeAdapter) NetworkRemove(ctx context.Context, networkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, networkID)
	return nil
}

func (f *fakeAdapter) NetworkConnect(ctx context.Context, networkID, containerID string) error { return nil }

func (f *fakeAdapter) ListNetworks(ctx context.Context, labelFilter map[string]string) ([]runtimeadapter.NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtimeadapter.NetworkInfo, 0, len(f.networks))
	for _, n := range f.networks {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeAdapter) LogsAttach(ctx context.Context, containerID string, since string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeAdapter) Exec(ctx context.Context, containerID string, cmd []string) (runtimeadapter.ExecResult, error) {
	return runtimeadapter.ExecResult{}, nil
}

func (f *fakeAdapter) Close() error { return nil }

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeAdapter) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	adapter := newFakeAdapter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	failures := NewFailureWindow(rdb, time.Minute)

	return New(adapter, st, failures, nil, logger, nil, nil, nil), st, adapter
}

func TestEngineReconcileOnceDeploysFreshTarget(t *testing.T) {
	ctx := context.Background()
	engine, st, adapter := newTestEngine(t)

	target := &model.TargetState{Apps: map[int64]model.AppSpec{
		1: {AppID: 1, AppName: "web", Services: []model.ServiceSpec{
			{ServiceID: 1, ServiceName: "nginx", ImageRef: "nginx:1.27", Networks: []string{"default"}},
		}},
	}}
	if err := st.PutTargetState(ctx, target); err != nil {
		t.Fatalf("PutTargetState() error: %v", err)
	}

	engine.reconcileOnce(ctx)

	current, err := st.GetCurrentState(ctx)
	if err != nil {
		t.Fatalf("GetCurrentState() error: %v", err)
	}
	app, ok := current.Apps[1]
	if !ok || len(app.Services) != 1 {
		t.Fatalf("expected one deployed service, got %+v", current.Apps)
	}
	svc := app.Services[0]
	if svc.Status != model.ServiceRunning {
		t.Errorf("status = %q, want running", svc.Status)
	}
	if svc.ContainerID == "" {
		t.Error("expected a container id to be recorded")
	}
	if len(adapter.createCalls) != 1 {
		t.Errorf("expected exactly one CreateContainer call, got %d", len(adapter.createCalls))
	}

	// Reconciling again against the same, now-converged target is a no-op.
	adapter.createCalls = nil
	engine.reconcileOnce(ctx)
	if len(adapter.createCalls) != 0 {
		t.Errorf("expected no further CreateContainer calls once converged, got %d", len(adapter.createCalls))
	}
}

func TestEngineReconcileOnceRecordsErrorOnPullFailure(t *testing.T) {
	ctx := context.Background()
	engine, st, adapter := newTestEngine(t)
	adapter.pullFail["broken:latest"] = true

	target := &model.TargetState{Apps: map[int64]model.AppSpec{
		1: {AppID: 1, AppName: "web", Services: []model.ServiceSpec{
			{ServiceID: 1, ServiceName: "broken", ImageRef: "broken:latest"},
		}},
	}}
	if err := st.PutTargetState(ctx, target); err != nil {
		t.Fatalf("PutTargetState() error: %v", err)
	}

	engine.reconcileOnce(ctx)

	current, err := st.GetCurrentState(ctx)
	if errNotFound(err) {
		// A pull failure aborts the plan before any container state is
		// recorded, so CurrentState may legitimately remain absent.
		return
	}
	if err != nil {
		t.Fatalf("GetCurrentState() error: %v", err)
	}
	if app, ok := current.Apps[1]; ok && len(app.Services) != 0 {
		t.Errorf("expected no service recorded after a failed pull, got %+v", app.Services)
	}
	if len(adapter.createCalls) != 0 {
		t.Errorf("expected CreateContainer to never be reached after a pull failure, got %d calls", len(adapter.createCalls))
	}
}

func errNotFound(err error) bool {
	return err == store.ErrNotFound
}

func TestEngineReplansServiceRemovalTearsDownContainer(t *testing.T) {
	ctx := context.Background()
	engine, st, adapter := newTestEngine(t)

	target := &model.TargetState{Apps: map[int64]model.AppSpec{
		1: {AppID: 1, AppName: "web", Services: []model.ServiceSpec{
			{ServiceID: 1, ServiceName: "nginx", ImageRef: "nginx:1.27"},
		}},
	}}
	if err := st.PutTargetState(ctx, target); err != nil {
		t.Fatalf("PutTargetState() error: %v", err)
	}
	engine.reconcileOnce(ctx)

	// Cloud withdraws the app entirely.
	if err := st.PutTargetState(ctx, &model.TargetState{Apps: map[int64]model.AppSpec{}}); err != nil {
		t.Fatalf("PutTargetState() error: %v", err)
	}
	engine.reconcileOnce(ctx)

	current, err := st.GetCurrentState(ctx)
	if err != nil {
		t.Fatalf("GetCurrentState() error: %v", err)
	}
	if _, ok := current.Apps[1]; ok {
		t.Errorf("expected app 1 to be garbage collected from current state, got %+v", current.Apps[1])
	}
	if len(adapter.containers) != 0 {
		t.Errorf("expected fake adapter to have removed the container, still has %d", len(adapter.containers))
	}
}

// TestEngineGarbageCollectsUntrackedManagedContainer covers the case the
// store's bookkeeping alone can never see: a container the runtime still
// carries the managed label on, but that isn't recorded in CurrentState
// (lost database row, crash mid-plan, manual `docker run` with the label).
// It must be discovered via ListContainers and torn down as an extra.
func TestEngineGarbageCollectsUntrackedManagedContainer(t *testing.T) {
	ctx := context.Background()
	engine, st, adapter := newTestEngine(t)

	if err := st.PutTargetState(ctx, &model.TargetState{Apps: map[int64]model.AppSpec{}}); err != nil {
		t.Fatalf("PutTargetState() error: %v", err)
	}

	adapter.mu.Lock()
	adapter.containers["orphan-1"] = runtimeadapter.ContainerInfo{
		ID:       "orphan-1",
		Name:     "web_nginx_1",
		ImageRef: "nginx:1.27",
		State:    runtimeadapter.ContainerRunning,
		Labels:   runtimeadapter.ServiceLabels(1, "web", 1, "nginx"),
	}
	adapter.mu.Unlock()

	engine.reconcileOnce(ctx)

	adapter.mu.Lock()
	_, stillPresent := adapter.containers["orphan-1"]
	adapter.mu.Unlock()
	if stillPresent {
		t.Error("expected the untracked managed container to be discovered and removed")
	}

	current, err := st.GetCurrentState(ctx)
	if err != nil {
		t.Fatalf("GetCurrentState() error: %v", err)
	}
	if _, ok := current.Apps[1]; ok {
		t.Errorf("expected app 1 to be garbage collected from current state, got %+v", current.Apps[1])
	}
}

func TestEngineRequestReplanDoesNotBlockOnFullChannel(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.RequestReplan()
	engine.RequestReplan() // must not block even though the channel is full
	select {
	case <-engine.replanCh:
	default:
		t.Fatal("expected a pending replan signal")
	}
}
