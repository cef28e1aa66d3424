package logpipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/iotistic/supervisor/internal/store"
	"github.com/iotistic/supervisor/pkg/model"
)

// LocalBackend keeps the most recent entries in an in-memory ring buffer
// for low-latency admin-API queries, persists every entry to the on-device
// store for durability across restarts, and mirrors raw lines to a
// size-rotated file on disk via lumberjack — found already in the
// retrieval pack's go.mod (openshift-zero-trust-workload-identity-manager)
// rather than hand-rolled, since nothing in the corpus writes rotating log
// files any other way.
type LocalBackend struct {
	ring *RingBuffer
	st   *store.Store
	file *lumberjack.Logger
}

// NewLocalBackend creates a LocalBackend writing rotated files under
// logDir/containers.log and persisting entries through st.
func NewLocalBackend(st *store.Store, logDir string, ringCapacity int) *LocalBackend {
	return &LocalBackend{
		ring: NewRingBuffer(ringCapacity),
		st:   st,
		file: &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "containers.log"),
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		},
	}
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) Write(ctx context.Context, entry model.LogEntry) error {
	b.ring.Add(entry)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling log entry for file mirror: %w", err)
	}
	if _, err := b.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing rotated log file: %w", err)
	}

	if b.st != nil {
		if err := b.st.AppendLogEntry(ctx, &entry); err != nil {
			return fmt.Errorf("persisting log entry: %w", err)
		}
	}
	return nil
}

// Query answers an admin-API log query from the in-memory ring buffer,
// falling back to nothing older than what the buffer currently holds (the
// store itself is queried directly for older history).
func (b *LocalBackend) Query(q model.LogQuery) []model.LogEntry {
	entries := b.ring.Snapshot()
	out := entries[:0:0]
	for _, e := range entries {
		if q.ServiceName != "" && e.ServiceName != q.ServiceName {
			continue
		}
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Close flushes and closes the rotated log file.
func (b *LocalBackend) Close() error {
	return b.file.Close()
}

// Retain prunes the persisted log entries down to the newest keep rows.
// Nothing in the supervisor calls it on a schedule.
func (b *LocalBackend) Retain(ctx context.Context, keep int) error {
	if b.st == nil {
		return nil
	}
	return b.st.PruneLogEntries(ctx, keep)
}
