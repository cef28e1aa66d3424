package cloudsync

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/iotistic/supervisor/internal/store"
	"github.com/iotistic/supervisor/internal/version"
	"github.com/iotistic/supervisor/pkg/hostmetrics"
	"github.com/iotistic/supervisor/pkg/identity"
	"github.com/iotistic/supervisor/pkg/model"
)

// Replanner is the minimal surface the Worker needs from pkg/reconciler to
// trigger an immediate reconcile after a target-state change, declared here
// (rather than imported) to avoid a cloudsync -> reconciler -> cloudsync cycle.
type Replanner interface {
	RequestReplan()
}

// Worker drives the two independent cloud-sync loops: target-poll and
// current-state report. Grounded on pkg/roster/worker.go's
// RunScheduleTopUpLoop, duplicated into two loops per spec.md §4.7.
type Worker struct {
	client    *Client
	store     *store.Store
	identity  *identity.Manager
	reconcile Replanner
	logger    *slog.Logger

	targetPollInterval time.Duration
	reportInterval     time.Duration
	dataDir            string
}

// New creates a cloud-sync Worker. dataDir backs the storage-usage reading
// in each current-state report's host metrics.
func New(client *Client, st *store.Store, idMgr *identity.Manager, reconcile Replanner, logger *slog.Logger,
	targetPollInterval, reportInterval time.Duration, dataDir string) *Worker {
	return &Worker{
		client:             client,
		store:              st,
		identity:           idMgr,
		reconcile:          reconcile,
		logger:             logger,
		targetPollInterval: targetPollInterval,
		reportInterval:     reportInterval,
		dataDir:            dataDir,
	}
}

// Run blocks, running both loops concurrently until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("cloud sync loops started",
		"target_poll_interval", w.targetPollInterval, "report_interval", w.reportInterval)

	done := make(chan struct{}, 2)
	go func() { w.runTargetPollLoop(ctx); done <- struct{}{} }()
	go func() { w.runReportLoop(ctx); done <- struct{}{} }()

	<-done
	<-done
	w.logger.Info("cloud sync loops stopped")
	return nil
}

func (w *Worker) runTargetPollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.targetPollInterval)
	defer ticker.Stop()

	w.pollTarget(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollTarget(ctx)
		}
	}
}

func (w *Worker) pollTarget(ctx context.Context) {
	id, apiKey, ok := w.registeredIdentity(ctx)
	if !ok {
		return // nothing to poll against before provisioning
	}

	existing, err := w.store.GetTargetState(ctx)
	etag := ""
	if err == nil {
		etag = existing.ETag
	}

	ts, newETag, err := w.client.GetTargetState(ctx, id.UUID, apiKey, etag)
	if err != nil {
		w.logger.Warn("target state poll failed", "error", err)
		return
	}
	if ts == nil {
		return // 304 Not Modified, nothing changed
	}
	if newETag == etag {
		return
	}

	ts.ETag = newETag
	if err := w.store.PutTargetState(ctx, ts); err != nil {
		w.logger.Error("persisting polled target state", "error", err)
		return
	}
	w.logger.Info("target state updated from cloud", "etag", newETag, "apps", len(ts.Apps))
	if w.reconcile != nil {
		w.reconcile.RequestReplan()
	}
}

func (w *Worker) runReportLoop(ctx context.Context) {
	ticker := time.NewTicker(w.reportInterval)
	defer ticker.Stop()

	w.reportCurrentState(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reportCurrentState(ctx)
		}
	}
}

func (w *Worker) reportCurrentState(ctx context.Context) {
	id, apiKey, ok := w.registeredIdentity(ctx)
	if !ok {
		return
	}

	cs, err := w.store.GetCurrentState(ctx)
	if errors.Is(err, store.ErrNotFound) {
		cs = &model.CurrentState{Apps: map[int64]model.CurrentApp{}}
	} else if err != nil {
		w.logger.Error("loading current state to report", "error", err)
		return
	}

	cs.Metrics = hostmetrics.Snapshot(w.dataDir)
	cs.Metadata = model.DeviceMetadata{
		IPAddress:         localIPAddress(),
		MACAddress:        localMACAddress(),
		OSVersion:         id.DeviceType,
		SupervisorVersion: version.Version,
	}

	if err := w.client.PatchCurrentState(ctx, id.UUID, apiKey, cs); err != nil {
		w.logger.Warn("current state report failed, will retry next tick", "error", err)
		return
	}
}

// registeredIdentity loads the device identity and its plaintext api key,
// reporting ok=false when the device isn't registered yet (first-boot, or
// after a reset) so callers can skip the cycle without treating it as an error.
func (w *Worker) registeredIdentity(ctx context.Context) (id *model.DeviceIdentity, apiKey string, ok bool) {
	id, err := w.store.GetIdentity(ctx)
	if err != nil || !id.IsRegistered() {
		return nil, "", false
	}
	apiKey, err = w.identity.CurrentAPIKey(ctx)
	if err != nil {
		w.logger.Warn("registered device missing its api key, cannot sync", "error", err)
		return nil, "", false
	}
	return id, apiKey, true
}

// localIPAddress returns the device's outbound-facing IP address, or ""
// if none can be determined. Dialing a UDP socket (no packets sent) is the
// conventional Go idiom for discovering the local address a real
// connection would use.
func localIPAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

// localMACAddress returns the hardware address of the first up, non-loopback
// network interface carrying one, or "" if none is found.
func localMACAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
