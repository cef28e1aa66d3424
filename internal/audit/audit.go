// Package audit is an async, buffered writer for admin-API actions
// (provision, reset, target override, forced reconcile, exec), kept as
// model.LogEntry rows with Source: SourceSupervisor so they flow through
// the same retention-bounded log stream as container/system entries rather
// than a separate audit table. Grounded on the teacher's internal/audit's
// channel-buffered, periodically-flushed Writer shape, with its Postgres
// batch insert replaced by internal/store's single-writer SQLite path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/iotistic/supervisor/internal/store"
	"github.com/iotistic/supervisor/pkg/model"
)

// Entry is a single admin action to be recorded.
type Entry struct {
	Action    string
	Resource  string
	Detail    json.RawMessage
	IPAddress string
}

// Writer is an async, buffered audit log writer. Entries are sent to an
// internal channel and flushed by a background goroutine.
type Writer struct {
	st      *store.Store
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(st *store.Store, logger *slog.Logger) *Writer {
	return &Writer{
		st:      st,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the
// store and returns immediately; the goroutine exits once ctx is cancelled
// and pending entries are flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "resource", entry.Resource)
	}
}

// LogFromRequest is a convenience method that extracts the caller's IP from
// the request, then enqueues the entry.
func (w *Writer) LogFromRequest(r *http.Request, action, resource string, detail json.RawMessage) {
	w.Log(Entry{
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		IPAddress: clientIP(r),
	})
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []Entry
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush persists a batch of entries as supervisor-sourced log entries.
func (w *Writer) flush(entries []Entry) {
	bg := context.Background()
	for _, e := range entries {
		msg := e.Action + " " + e.Resource
		if e.IPAddress != "" {
			msg += " from " + e.IPAddress
		}
		if len(e.Detail) > 0 {
			msg += " " + string(e.Detail)
		}

		logEntry := &model.LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     model.LogInfo,
			Source:    model.SourceSupervisor,
			Message:   msg,
		}
		if err := w.st.AppendLogEntry(bg, logEntry); err != nil {
			w.logger.Error("writing audit log entry", "error", err,
				"action", e.Action, "resource", e.Resource)
		}
	}
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
