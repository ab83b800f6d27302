package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/gatekeeper/internal/merge"
)

var _ merge.AuditSink = (*SQLiteStore)(nil)

// AppendAudit records one merge attempt. Rows are protected by triggers and
// cannot be updated or deleted.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry merge.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	conflicts, err := encodeList(entry.ConflictFiles)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merge_audit (run_id, task_id, checkpoint, tier, score, outcome, revision,
			conflict_files, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.RunID, entry.TaskID, entry.Checkpoint, entry.Tier, entry.Score, entry.Outcome, entry.Revision,
		conflicts, entry.Detail, timestamp(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append audit entry for task %s: %w", entry.TaskID, err)
	}
	return nil
}

// ListAudit returns audit entries oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]merge.AuditEntry, error) {
	query := `
		SELECT run_id, task_id, checkpoint, tier, score, outcome, revision, conflict_files, detail, recorded_at
		FROM merge_audit`
	var (
		where []string
		args  []any
	)
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []merge.AuditEntry
	for rows.Next() {
		var (
			entry      merge.AuditEntry
			conflicts  sql.NullString
			detail     sql.NullString
			recordedAt string
		)
		err := rows.Scan(&entry.RunID, &entry.TaskID, &entry.Checkpoint, &entry.Tier, &entry.Score,
			&entry.Outcome, &entry.Revision, &conflicts, &detail, &recordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if entry.ConflictFiles, err = decodeList(conflicts); err != nil {
			return nil, err
		}
		entry.Detail = detail.String
		entry.Timestamp = parseTimestamp(recordedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
