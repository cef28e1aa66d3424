package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/iotistic/supervisor/pkg/model"
)

// AppendLogEntry appends one line to the append-only log stream.
func (s *Store) AppendLogEntry(ctx context.Context, e *model.LogEntry) error {
	return s.withWriteLock(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO log_entry
			(timestamp, level, source, service_id, service_name, container_id, is_stderr, message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Timestamp, e.Level, e.Source, e.ServiceID, e.ServiceName, e.ContainerID, e.IsStderr, e.Message)
		if err != nil {
			return fmt.Errorf("appending log entry: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading last insert id: %w", err)
		}
		e.ID = id
		return nil
	})
}

// QueryLogEntries returns log entries matching q, most recent first.
func (s *Store) QueryLogEntries(ctx context.Context, q model.LogQuery) ([]model.LogEntry, error) {
	var clauses []string
	var args []interface{}

	if q.ServiceName != "" {
		clauses = append(clauses, "service_name = ?")
		args = append(args, q.ServiceName)
	}
	if q.Level != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, q.Level)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, q.Since)
	}

	query := `SELECT id, timestamp, level, source, service_id, service_name, container_id, is_stderr, message
		FROM log_entry`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var entries []model.LogEntry
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, classifyErr("QueryLogEntries", err)
	}
	return entries, nil
}

// PruneLogEntries deletes all but the most recent keep entries, bounding
// the log table's growth the way pkg/logpipeline's ring buffer bounds
// in-memory retention.
func (s *Store) PruneLogEntries(ctx context.Context, keep int) error {
	return s.withWriteLock(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM log_entry WHERE id NOT IN (
			SELECT id FROM log_entry ORDER BY timestamp DESC, id DESC LIMIT ?
		)`, keep)
		if err != nil {
			return fmt.Errorf("pruning log entries: %w", err)
		}
		return nil
	})
}
