package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iotistic/supervisor/internal/store"
	"github.com/iotistic/supervisor/pkg/model"
	"github.com/iotistic/supervisor/pkg/rtmerr"
	"github.com/iotistic/supervisor/pkg/runtimeadapter"
)

// LogAttacher starts streaming a freshly started container's output into the
// log pipeline (C4). Declared locally, not imported from pkg/logpipeline, to
// avoid a reconciler -> logpipeline -> reconciler import cycle, the same
// pattern pkg/cloudsync.Replanner and pkg/identity.Registrar use.
type LogAttacher interface {
	Attach(ctx context.Context, containerID string, serviceID int64, serviceName string) error
}

// fallbackInterval is how often the Engine re-evaluates state even absent
// an explicit replan request, catching drift a missed pub/sub message
// might otherwise leave unreconciled.
const fallbackInterval = 30 * time.Second

// Engine is the reconciler's background loop: it diffs TargetState against
// CurrentState and executes the resulting Plan one step at a time. Grounded
// on pkg/escalation.Engine's Run/tick shape, generalized from "poll DB for
// pending escalations" to "poll for target/current drift".
type Engine struct {
	adapter  runtimeadapter.Adapter
	store    *store.Store
	planner  *Planner
	failures *FailureWindow
	logs     LogAttacher
	logger   *slog.Logger

	planDuration prometheus.Histogram
	stepsTotal   *prometheus.CounterVec
	pullFailures *prometheus.CounterVec

	mu       sync.Mutex // held for the duration of each reconcileOnce pass
	replanCh chan struct{}
}

// New creates a reconciler Engine. Metric arguments may be nil in tests. logs
// may be nil, in which case started containers are not attached to the log
// pipeline (used by tests that don't exercise C4).
func New(adapter runtimeadapter.Adapter, st *store.Store, failures *FailureWindow, logs LogAttacher, logger *slog.Logger,
	planDuration prometheus.Histogram, stepsTotal, pullFailures *prometheus.CounterVec) *Engine {
	return &Engine{
		adapter:      adapter,
		store:        st,
		planner:      NewPlanner(),
		failures:     failures,
		logs:         logs,
		logger:       logger,
		planDuration: planDuration,
		stepsTotal:   stepsTotal,
		pullFailures: pullFailures,
		replanCh:     make(chan struct{}, 1),
	}
}

// RequestReplan signals the Engine to reconcile as soon as possible. It
// never blocks: a pending request already queued is sufficient to cover a
// burst of target changes, the same coalescing idea as
// pkg/roster/worker.go's ticker-plus-on-demand dual trigger.
func (e *Engine) RequestReplan() {
	select {
	case e.replanCh <- struct{}{}:
	default:
	}
}

// Run blocks, reconciling on every RequestReplan signal and on a fallback
// ticker, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("reconciler started", "fallback_interval", fallbackInterval)

	ticker := time.NewTicker(fallbackInterval)
	defer ticker.Stop()

	// Reconcile once at start so a restart picks up any drift immediately.
	e.reconcileOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reconciler stopped")
			return nil
		case <-e.replanCh:
			e.reconcileOnce(ctx)
		case <-ticker.C:
			e.reconcileOnce(ctx)
		}
	}
}

func (e *Engine) reconcileOnce(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	target, err := e.store.GetTargetState(ctx)
	if errors.Is(err, store.ErrNotFound) {
		target = &model.TargetState{Apps: map[int64]model.AppSpec{}}
	} else if err != nil {
		e.logger.Error("loading target state", "error", err)
		return
	}

	current, err := e.store.GetCurrentState(ctx)
	if errors.Is(err, store.ErrNotFound) {
		current = &model.CurrentState{Apps: map[int64]model.CurrentApp{}}
	} else if err != nil {
		e.logger.Error("loading current state", "error", err)
		return
	}

	if err := e.refreshFromRuntime(ctx, current); err != nil {
		e.logger.Error("refreshing current state from runtime", "error", err)
	}

	plan := e.planner.Plan(*target, *current)
	if e.planDuration != nil {
		e.planDuration.Observe(time.Since(start).Seconds())
	}
	if plan.IsEmpty() {
		return
	}

	e.logger.Info("executing plan", "steps", len(plan))
	e.execute(ctx, current, plan)

	if err := e.store.PutCurrentState(ctx, current); err != nil {
		e.logger.Error("persisting current state after plan execution", "error", err)
	}
}

// refreshFromRuntime lists every container the runtime actually carries the
// managed label on and folds any the store's bookkeeping doesn't already
// know about into current, so a container orphaned by a crash mid-plan, a
// lost database row, or a manual `docker run` with the label survives as an
// "extra" the planner's normal services_to_remove diff will tear down,
// instead of being invisible to reconciliation forever.
func (e *Engine) refreshFromRuntime(ctx context.Context, current *model.CurrentState) error {
	containers, err := e.adapter.ListContainers(ctx, map[string]string{runtimeadapter.LabelManaged: "true"})
	if err != nil {
		return err
	}

	for _, c := range containers {
		appID, ok := parseLabelInt(c.Labels, runtimeadapter.LabelAppID)
		if !ok {
			continue
		}
		serviceID, ok := parseLabelInt(c.Labels, runtimeadapter.LabelServiceID)
		if !ok {
			continue
		}

		if app, ok := current.Apps[appID]; ok {
			known := false
			for _, svc := range app.Services {
				if svc.ServiceID == serviceID {
					known = true
					break
				}
			}
			if known {
				continue
			}
		}

		appName := c.Labels[runtimeadapter.LabelAppName]
		upsertServiceState(current, appID, appName, model.CurrentServiceState{
			ServiceID:   serviceID,
			ServiceName: c.Labels[runtimeadapter.LabelServiceName],
			ImageRef:    c.ImageRef,
			ContainerID: c.ID,
			Status:      runtimeStatus(c.State),
		})
		e.logger.Warn("discovered untracked managed container, treating as extra",
			"container", c.Name, "app_id", appID, "service_id", serviceID)
	}
	return nil
}

func parseLabelInt(labels map[string]string, key string) (int64, bool) {
	v, ok := labels[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func runtimeStatus(s runtimeadapter.ContainerState) model.ServiceStatus {
	if s == runtimeadapter.ContainerRunning {
		return model.ServiceRunning
	}
	return model.ServiceError
}

// execute runs plan's steps in order against current, mutating current in
// place as each step completes. A failing step aborts the remainder of the
// plan; the next reconcileOnce call re-plans from the persisted state.
func (e *Engine) execute(ctx context.Context, current *model.CurrentState, plan Plan) {
	for _, step := range plan {
		err := e.executeStep(ctx, current, step)
		e.observeStep(step, err)
		if err != nil {
			e.logger.Error("step failed, aborting plan", "step", step.String(), "error", err)
			return
		}
	}
}

func (e *Engine) observeStep(step Step, err error) {
	if e.stepsTotal == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	e.stepsTotal.WithLabelValues(step.Kind(), outcome).Inc()
}

func (e *Engine) executeStep(ctx context.Context, current *model.CurrentState, step Step) error {
	switch s := step.(type) {
	case DownloadImageStep:
		return e.downloadImage(ctx, current, s)
	case CreateNetworkStep:
		_, err := e.adapter.NetworkCreate(ctx, runtimeadapter.NetworkName(s.AppName, s.NetworkName),
			map[string]string{runtimeadapter.LabelManaged: "true", runtimeadapter.LabelAppID: fmt.Sprintf("%d", s.AppID)})
		return err
	case StopContainerStep:
		if s.ContainerID == "" {
			return nil
		}
		return e.adapter.Stop(ctx, s.ContainerID)
	case RemoveContainerStep:
		if s.ContainerID == "" {
			return nil
		}
		if err := e.adapter.Remove(ctx, s.ContainerID); err != nil {
			return err
		}
		removeServiceFromCurrent(current, s.AppID, s.ServiceID)
		return nil
	case StartContainerStep:
		return e.startContainer(ctx, current, s)
	case RemoveNetworkStep:
		nets, err := e.adapter.ListNetworks(ctx, map[string]string{runtimeadapter.LabelManaged: "true"})
		if err != nil {
			return err
		}
		for _, n := range nets {
			if n.Name == runtimeadapter.NetworkName(s.AppName, s.NetworkName) {
				return e.adapter.NetworkRemove(ctx, n.ID)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown step type %T", step)
	}
}

func (e *Engine) downloadImage(ctx context.Context, current *model.CurrentState, s DownloadImageStep) error {
	err := e.adapter.PullImage(ctx, s.ImageRef)
	if e.failures == nil {
		return err
	}
	if err != nil {
		escalate, ferr := e.failures.RecordFailure(ctx, s.ImageRef)
		if ferr != nil {
			e.logger.Error("recording pull failure", "image", s.ImageRef, "error", ferr)
		}
		if e.pullFailures != nil {
			e.pullFailures.WithLabelValues(s.ImageRef).Inc()
		}
		if escalate {
			return rtmerr.NewTransient("DownloadImage", fmt.Sprintf("image %s failed %d consecutive pulls", s.ImageRef, failureThreshold), err)
		}
		return rtmerr.NewRetriable("DownloadImage", err)
	}
	if resetErr := e.failures.Reset(ctx, s.ImageRef); resetErr != nil {
		e.logger.Error("resetting pull failure window", "image", s.ImageRef, "error", resetErr)
	}
	return nil
}

func (e *Engine) startContainer(ctx context.Context, current *model.CurrentState, s StartContainerStep) error {
	labels := runtimeadapter.ServiceLabels(s.AppID, s.AppName, s.Spec.ServiceID, s.Spec.ServiceName)
	name := runtimeadapter.ContainerName(s.AppName, s.Spec.ServiceName, s.Spec.ServiceID)

	networks := make([]string, 0, len(s.Spec.Networks))
	for _, n := range s.Spec.Networks {
		networks = append(networks, runtimeadapter.NetworkName(s.AppName, n))
	}

	id, err := e.adapter.CreateContainer(ctx, runtimeadapter.ContainerSpec{
		Name:          name,
		ImageRef:      s.Spec.ImageRef,
		Ports:         s.Spec.Ports,
		Environment:   s.Spec.Environment,
		Volumes:       s.Spec.Volumes,
		Networks:      networks,
		NetworkMode:   s.Spec.NetworkMode,
		Labels:        labels,
		RestartPolicy: s.Spec.RestartPolicy,
	})
	if err != nil {
		upsertServiceState(current, s.AppID, s.AppName, model.CurrentServiceState{
			ServiceID: s.Spec.ServiceID, ServiceName: s.Spec.ServiceName, ImageRef: s.Spec.ImageRef,
			Status: model.ServiceError, Reason: err.Error(),
		})
		return err
	}

	if err := e.adapter.Start(ctx, id); err != nil {
		upsertServiceState(current, s.AppID, s.AppName, model.CurrentServiceState{
			ServiceID: s.Spec.ServiceID, ServiceName: s.Spec.ServiceName, ImageRef: s.Spec.ImageRef,
			ContainerID: id, Status: model.ServiceError, Reason: err.Error(),
		})
		return err
	}

	upsertServiceState(current, s.AppID, s.AppName, model.CurrentServiceState{
		ServiceID:   s.Spec.ServiceID,
		ServiceName: s.Spec.ServiceName,
		ImageRef:    s.Spec.ImageRef,
		ContainerID: id,
		Status:      model.ServiceRunning,
		Ports:       s.Spec.Ports,
		Networks:    s.Spec.Networks,
		SpecHash:    SpecHash(s.Spec),
	})

	// On container start, notify C4 so its logs are attached from the
	// beginning. Attach blocks streaming until the container stops, so it
	// runs on its own goroutine rather than holding up plan execution.
	if e.logs != nil {
		serviceID, serviceName := s.Spec.ServiceID, s.Spec.ServiceName
		go func() {
			if err := e.logs.Attach(context.Background(), id, serviceID, serviceName); err != nil {
				e.logger.Warn("log attach ended", "container", id, "service_id", serviceID, "error", err)
			}
		}()
	}
	return nil
}

func upsertServiceState(current *model.CurrentState, appID int64, appName string, svc model.CurrentServiceState) {
	if current.Apps == nil {
		current.Apps = map[int64]model.CurrentApp{}
	}
	app, ok := current.Apps[appID]
	if !ok {
		app = model.CurrentApp{AppID: appID}
	}
	if appName != "" {
		app.AppName = appName
	}
	replaced := false
	for i, existing := range app.Services {
		if existing.ServiceID == svc.ServiceID {
			app.Services[i] = svc
			replaced = true
			break
		}
	}
	if !replaced {
		app.Services = append(app.Services, svc)
	}
	current.Apps[appID] = app
}

func removeServiceFromCurrent(current *model.CurrentState, appID, serviceID int64) {
	app, ok := current.Apps[appID]
	if !ok {
		return
	}
	out := app.Services[:0]
	for _, s := range app.Services {
		if s.ServiceID != serviceID {
			out = append(out, s)
		}
	}
	app.Services = out
	if len(app.Services) == 0 {
		delete(current.Apps, appID)
		return
	}
	current.Apps[appID] = app
}
