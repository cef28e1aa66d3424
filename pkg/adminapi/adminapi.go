// Package adminapi is the Local Admin API (C8): the HTTP surface an
// on-device UI or operator uses to inspect state, override the target,
// force a reconcile, tail logs, exec into a container, and drive identity
// operations. Grounded on the teacher's pkg/runbook/handler.go shape (a
// Handler struct holding its dependencies, Routes() returning a chi.Router
// mounted by the caller) generalized from a tenant-scoped, audited REST
// resource to a single-device one.
package adminapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iotistic/supervisor/internal/audit"
	"github.com/iotistic/supervisor/internal/httpserver"
	"github.com/iotistic/supervisor/internal/store"
	"github.com/iotistic/supervisor/pkg/hostmetrics"
	"github.com/iotistic/supervisor/pkg/identity"
	"github.com/iotistic/supervisor/pkg/model"
	"github.com/iotistic/supervisor/pkg/rtmerr"
	"github.com/iotistic/supervisor/pkg/runtimeadapter"
)

// Replanner requests an immediate reconcile, implemented by pkg/reconciler.
type Replanner interface {
	RequestReplan()
}

// LogQuerier answers log queries from the local backend (C4).
type LogQuerier interface {
	Query(q model.LogQuery) []model.LogEntry
}

// Handler serves the Local Admin API.
type Handler struct {
	store     *store.Store
	identity  *identity.Manager
	registrar identity.Registrar
	reconcile Replanner
	adapter   runtimeadapter.Adapter
	logs      LogQuerier
	audit     *audit.Writer
	logger    *slog.Logger

	dataDir                string
	defaultProvisioningKey string
}

// New creates an adminapi Handler.
func New(st *store.Store, idMgr *identity.Manager, registrar identity.Registrar, reconcile Replanner,
	adapter runtimeadapter.Adapter, logs LogQuerier, auditWriter *audit.Writer, logger *slog.Logger,
	dataDir, defaultProvisioningKey string) *Handler {
	return &Handler{
		store:                  st,
		identity:               idMgr,
		registrar:              registrar,
		reconcile:              reconcile,
		adapter:                adapter,
		logs:                   logs,
		audit:                  auditWriter,
		logger:                 logger,
		dataDir:                dataDir,
		defaultProvisioningKey: defaultProvisioningKey,
	}
}

// Routes returns a chi.Router with every Local Admin API route mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/state", h.handleGetState)
	r.Post("/state/target", h.handleSetTarget)
	r.Post("/state/apply", h.handleApply)
	r.Get("/logs", h.handleGetLogs)
	r.Post("/containers/{id}/exec", h.handleExec)
	r.Get("/device", h.handleGetDevice)
	r.Post("/device/provision", h.handleProvision)
	r.Post("/device/reset", h.handleReset)
	r.Get("/metrics", h.handleGetMetrics)
	return r
}

// stateResponse is the JSON shape returned by GET /v1/state.
type stateResponse struct {
	Current *model.CurrentState `json:"current"`
	Target  *model.TargetState  `json:"target"`
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	target, err := h.store.GetTargetState(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("loading target state", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load target state")
		return
	}
	current, err := h.store.GetCurrentState(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("loading current state", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load current state")
		return
	}

	httpserver.Respond(w, http.StatusOK, stateResponse{Current: current, Target: target})
}

func (h *Handler) handleSetTarget(w http.ResponseWriter, r *http.Request) {
	var ts model.TargetState
	if err := httpserver.Decode(r, &ts); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.store.PutTargetState(r.Context(), &ts); err != nil {
		h.logger.Error("replacing target state", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to replace target state")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]int{"apps": len(ts.Apps)})
		h.audit.LogFromRequest(r, "set_target", "target_state", detail)
	}

	h.reconcile.RequestReplan()
	httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "target state replaced, reconcile requested"})
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	if h.audit != nil {
		h.audit.LogFromRequest(r, "apply", "reconcile", nil)
	}
	h.reconcile.RequestReplan()
	httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "reconcile requested"})
}

func (h *Handler) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	q := model.LogQuery{
		ServiceName: r.URL.Query().Get("service"),
		Level:       model.LogLevel(r.URL.Query().Get("level")),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		q.Since = t
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		q.Limit = n
	}

	entries := h.logs.Query(q)
	httpserver.Respond(w, http.StatusOK, map[string]any{"entries": entries})
}

// execRequest is the body of POST /v1/containers/{id}/exec.
type execRequest struct {
	Cmd []string `json:"cmd" validate:"required,min=1"`
}

// execResponse is the JSON shape returned by POST /v1/containers/{id}/exec.
type execResponse struct {
	Stdout   string `json:"stdout"`
	ExitCode int    `json:"exit_code"`
}

func (h *Handler) handleExec(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "id")

	var req execRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.adapter.Exec(r.Context(), containerID, req.Cmd)
	if err != nil {
		h.logger.Error("exec in container", "error", err, "container_id", containerID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "exec failed")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"container_id": containerID, "cmd": req.Cmd})
		h.audit.LogFromRequest(r, "exec", "container", detail)
	}

	httpserver.Respond(w, http.StatusOK, execResponse{Stdout: result.Output, ExitCode: result.ExitCode})
}

func (h *Handler) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, err := h.store.GetIdentity(r.Context())
	if err != nil {
		h.logger.Error("loading device identity", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load device identity")
		return
	}
	httpserver.Respond(w, http.StatusOK, id)
}

// provisionRequest is the (optional) body of POST /v1/device/provision.
type provisionRequest struct {
	ProvisioningKey string `json:"provisioning_key,omitempty"`
}

func (h *Handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if r.ContentLength > 0 {
		if err := httpserver.Decode(r, &req); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	key := req.ProvisioningKey
	if key == "" {
		key = h.defaultProvisioningKey
	}

	id, err := h.identity.Provision(r.Context(), h.registrar, key)
	if err != nil {
		var authErr *rtmerr.AuthFailure
		var sv *rtmerr.StateViolation
		switch {
		case errors.As(err, &authErr):
			httpserver.RespondError(w, http.StatusUnauthorized, "auth_failure", authErr.Error())
		case errors.As(err, &sv):
			httpserver.RespondError(w, http.StatusConflict, "already_registered", sv.Error())
		default:
			h.logger.Error("provisioning device", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "provisioning failed")
		}
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "provision", "device_identity", nil)
	}
	httpserver.Respond(w, http.StatusOK, id)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.identity.Reset(r.Context()); err != nil {
		h.logger.Error("resetting device identity", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "reset failed")
		return
	}
	if h.audit != nil {
		h.audit.LogFromRequest(r, "reset", "device_identity", nil)
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, hostmetrics.Snapshot(h.dataDir))
}
