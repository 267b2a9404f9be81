package postgres

import (
	"context"
	"time"

	"buildit/internal/store"

	"github.com/google/uuid"
)

// AppendLogLine inserts one append-only log line.
func (s *Store) AppendLogLine(ctx context.Context, line store.LogLine) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_lines (run_id, stage_name, "timestamp", stream, content)
		VALUES ($1, $2, $3, $4, $5)
	`, line.RunID, line.StageName, line.Timestamp, line.Stream, line.Content)
	return err
}

// GetLogLines returns log lines for a stage strictly after afterTimestamp,
// ordered by (stage_name, timestamp), letting a resubscribing consumer
// resync by re-reading everything after its last seen timestamp.
func (s *Store) GetLogLines(ctx context.Context, runID uuid.UUID, stageName string, afterTimestamp time.Time) ([]store.LogLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, stage_name, "timestamp", stream, content
		FROM log_lines
		WHERE run_id = $1 AND stage_name = $2 AND "timestamp" > $3
		ORDER BY stage_name ASC, "timestamp" ASC
	`, runID, stageName, afterTimestamp)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []store.LogLine
	for rows.Next() {
		var l store.LogLine
		if err := rows.Scan(&l.RunID, &l.StageName, &l.Timestamp, &l.Stream, &l.Content); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
