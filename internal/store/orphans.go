package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"webhook-relay/internal/models"
)

// InsertOrphan records a provider notification whose task id matched no job.
func (s *Store) InsertOrphan(ctx context.Context, taskID, state string, raw []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orphan_notifications (external_task_id, state, raw_payload, received_at)
		VALUES ($1, $2, $3, NOW())
	`, taskID, state, raw)
	if err != nil {
		return fmt.Errorf("insert orphan: %w", err)
	}
	return nil
}

// UnmatchedOrphans returns orphans older than the grace period and younger
// than the ceiling, oldest first. Rows past the ceiling are left for manual
// inspection, never deleted.
func (s *Store) UnmatchedOrphans(ctx context.Context, grace, ceiling time.Duration, limit int) ([]models.OrphanNotification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, external_task_id, state, raw_payload, received_at, matched_job_id
		FROM orphan_notifications
		WHERE matched_job_id IS NULL
		  AND received_at < NOW() - ($1::float8 * interval '1 second')
		  AND received_at > NOW() - ($2::float8 * interval '1 second')
		ORDER BY received_at ASC LIMIT $3
	`, grace.Seconds(), ceiling.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("query orphans: %w", err)
	}
	defer rows.Close()

	var out []models.OrphanNotification
	for rows.Next() {
		var o models.OrphanNotification
		var matched pgtype.Text
		if err := rows.Scan(&o.ID, &o.ExternalTaskID, &o.State, &o.RawPayload, &o.ReceivedAt, &matched); err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		o.MatchedJobID = textPtr(matched)
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOrphanMatched links an orphan to the job it was replayed into.
func (s *Store) MarkOrphanMatched(ctx context.Context, id int64, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE orphan_notifications SET matched_job_id = $2 WHERE id = $1
	`, id, jobID)
	return err
}

// PendingOrphanCount counts all unmatched orphans for the metrics gauge.
func (s *Store) PendingOrphanCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM orphan_notifications WHERE matched_job_id IS NULL
	`).Scan(&n)
	return n, err
}
