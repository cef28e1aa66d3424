// Package app wires the supervisor's components together in dependency
// order and runs them until the process is asked to stop. Grounded on the
// teacher's internal/app/app.go: logger, tracer, infra connections, then
// component wiring and a blocking serve loop, with graceful shutdown by
// deferring each component's Close/Shutdown in the reverse order it was
// started.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/iotistic/supervisor/internal/audit"
	"github.com/iotistic/supervisor/internal/config"
	"github.com/iotistic/supervisor/internal/httpserver"
	"github.com/iotistic/supervisor/internal/store"
	"github.com/iotistic/supervisor/internal/telemetry"
	"github.com/iotistic/supervisor/internal/version"
	"github.com/iotistic/supervisor/pkg/adminapi"
	"github.com/iotistic/supervisor/pkg/cloudsync"
	"github.com/iotistic/supervisor/pkg/fabric"
	"github.com/iotistic/supervisor/pkg/identity"
	"github.com/iotistic/supervisor/pkg/logpipeline"
	"github.com/iotistic/supervisor/pkg/reconciler"
	"github.com/iotistic/supervisor/pkg/runtimeadapter"
)

// Run is the supervisor's entry point. It wires every component in the
// dependency order of spec.md §2 (store -> identity -> fabric -> runtime
// adapter -> log pipeline -> reconciler -> cloud sync -> admin api),
// starts their background loops, and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting supervisor",
		"listen", cfg.ListenAddr(),
		"data_dir", cfg.DataDir,
		"version", version.Version,
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "supervisor", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	// Persistent store (C1).
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	// Device identity (C5), generating a uuid on first boot.
	idMgr := identity.New(st, logger)
	if _, err := idMgr.Bootstrap(ctx, cfg.DeviceName, cfg.DeviceType, cfg.FleetID); err != nil {
		return fmt.Errorf("bootstrapping device identity: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry()

	// Messaging fabric (C3).
	fab, err := fabric.Connect(ctx, cfg.BrokerURL, cfg.BrokerBase, logger, telemetry.FabricReconnectsTotal)
	if err != nil {
		return fmt.Errorf("connecting to messaging fabric: %w", err)
	}
	defer func() {
		if err := fab.Disconnect(); err != nil {
			logger.Error("disconnecting messaging fabric", "error", err)
		}
	}()

	// Runtime adapter (C2).
	adapter, err := runtimeadapter.NewDocker(cfg.DockerHost)
	if err != nil {
		return fmt.Errorf("connecting to container runtime: %w", err)
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			logger.Error("closing runtime adapter", "error", err)
		}
	}()

	// Log pipeline (C4): local ring+file+store backend always on, remote
	// fabric backend fans container logs to the cloud.
	localLogs := logpipeline.NewLocalBackend(st, cfg.LogDir, 10000)
	defer func() {
		if err := localLogs.Close(); err != nil {
			logger.Error("closing local log backend", "error", err)
		}
	}()
	remoteLogs := logpipeline.NewRemoteBackend(fab, "supervisor", cfg.MQTTBatch)
	pipeline := logpipeline.New(adapter, logger, func(backend string) {
		telemetry.LogBackendDropsTotal.WithLabelValues(backend).Inc()
	}, localLogs, remoteLogs)

	// Reconciler (C6). pipeline is the log pipeline (C4): starting a
	// container here notifies it to attach, per spec.md §2.
	failures := reconciler.NewFailureWindow(fab.RedisClient(), 10*time.Minute)
	engine := reconciler.New(adapter, st, failures, pipeline, logger,
		telemetry.ReconcilePlanDuration, telemetry.ReconcileStepsTotal, telemetry.ImagePullFailuresTotal)
	go func() {
		if err := engine.Run(ctx); err != nil {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	// Cloud sync (C7).
	targetPollInterval, err := time.ParseDuration(cfg.TargetPollInterval)
	if err != nil {
		return fmt.Errorf("parsing target poll interval %q: %w", cfg.TargetPollInterval, err)
	}
	reportInterval, err := time.ParseDuration(cfg.ReportInterval)
	if err != nil {
		return fmt.Errorf("parsing current-state report interval %q: %w", cfg.ReportInterval, err)
	}
	cloudClient := cloudsync.NewClient(cfg.CloudAPIURL, &http.Client{Timeout: 30 * time.Second})
	syncWorker := cloudsync.New(cloudClient, st, idMgr, engine, logger, targetPollInterval, reportInterval, cfg.DataDir)
	go func() {
		if err := syncWorker.Run(ctx); err != nil {
			logger.Error("cloud sync stopped", "error", err)
		}
	}()

	// Audit log writer (async, buffered), shared by the admin API.
	auditWriter := audit.NewWriter(st, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	// Local Admin API (C8).
	srv := httpserver.NewServer(cfg, logger, metricsReg, func() error {
		_, err := st.GetIdentity(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	adminHandler := adminapi.New(st, idMgr, cloudClient, engine, adapter, localLogs, auditWriter, logger,
		cfg.DataDir, cfg.ProvisioningKey)
	srv.APIRouter.Mount("/", adminHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
