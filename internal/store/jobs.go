package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"webhook-relay/internal/models"
)

const jobColumns = `id, external_task_id, recipient, kind, spec, status, result_payload,
	failure_reason, artifact_url, delivering_at, delivered_at, created_at, updated_at`

// CreateJob inserts a pending job row. The insert happens before the provider
// submission call so a completion notification always has a row to land on.
func (s *Store) CreateJob(ctx context.Context, recipient, kind string, spec map[string]any) (models.Job, error) {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal spec: %w", err)
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, recipient, kind, spec, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, recipient, kind, specJSON, models.StatusPending, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:        id,
		Recipient: recipient,
		Kind:      kind,
		Spec:      spec,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SetJobTask records the provider task id and moves the job to running.
func (s *Store) SetJobTask(ctx context.Context, jobID, taskID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET external_task_id = $2, status = $3, updated_at = NOW()
		WHERE id = $1
	`, jobID, taskID, models.StatusRunning)
	return err
}

// MarkJobFailed marks a job failed by its local id (used when the provider
// submission itself fails and no task id exists yet).
func (s *Store) MarkJobFailed(ctx context.Context, jobID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1
	`, jobID, models.StatusFailed, reason)
	return err
}

// FindJobByTask fetches a job by its provider task id.
func (s *Store) FindJobByTask(ctx context.Context, taskID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE external_task_id = $1`, taskID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// CompleteJob advances a running job to a terminal state. Already-terminal
// jobs are left untouched; the returned bool reports whether this call made
// the transition, so duplicate notifications are no-ops.
func (s *Store) CompleteJob(ctx context.Context, taskID, status string, result, failure, artifactURL *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result_payload = $3, failure_reason = $4, artifact_url = $5, updated_at = NOW()
		WHERE external_task_id = $1 AND status NOT IN ($6, $7)
	`, taskID, status, result, failure, artifactURL, models.StatusDone, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AcquireDeliveryLock is the mutual-exclusion primitive for outbound delivery:
// a single conditional update that matches only if the job is undelivered and
// no fresh delivery attempt is in flight. Whichever caller's update matches a
// row wins; everyone else gets no row and must skip.
func (s *Store) AcquireDeliveryLock(ctx context.Context, taskID string, staleWindow time.Duration) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET delivering_at = NOW(), updated_at = NOW()
		WHERE external_task_id = $1
		  AND delivered_at IS NULL
		  AND (delivering_at IS NULL OR delivering_at < NOW() - ($2::float8 * interval '1 second'))
		RETURNING `+jobColumns, taskID, staleWindow.Seconds())
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// MarkDelivered finishes a delivery attempt. On success delivered_at is set
// and the lock cleared; on failure only the lock is released so a later
// retry can reacquire. delivered_at is never set before a confirmed send.
func (s *Store) MarkDelivered(ctx context.Context, taskID string, ok bool) error {
	var err error
	if ok {
		_, err = s.pool.Exec(ctx, `
			UPDATE jobs SET delivered_at = NOW(), delivering_at = NULL, updated_at = NOW()
			WHERE external_task_id = $1
		`, taskID)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE jobs SET delivering_at = NULL, updated_at = NOW()
			WHERE external_task_id = $1
		`, taskID)
	}
	return err
}

// RunningJobs returns jobs awaiting a provider terminal state, oldest first.
func (s *Store) RunningJobs(ctx context.Context, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1 AND external_task_id IS NOT NULL
		ORDER BY updated_at ASC LIMIT $2
	`, models.StatusRunning, limit)
}

// UndeliveredTerminal returns terminal jobs whose result was never confirmed
// delivered and that no live attempt holds the delivery lock on.
func (s *Store) UndeliveredTerminal(ctx context.Context, staleWindow time.Duration, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ($1, $2)
		  AND external_task_id IS NOT NULL
		  AND delivered_at IS NULL
		  AND (delivering_at IS NULL OR delivering_at < NOW() - ($3::float8 * interval '1 second'))
		ORDER BY updated_at ASC LIMIT $4
	`, models.StatusDone, models.StatusFailed, staleWindow.Seconds(), limit)
}

func (s *Store) queryJobs(ctx context.Context, sql string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkEventProcessed records an inbound event id. A conflicting insert means
// the event was already handled by this or another instance.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id) VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return false, fmt.Errorf("insert processed event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var taskID, result, failure, artifact pgtype.Text
	var specJSON []byte
	var delivering, delivered pgtype.Timestamptz

	err := row.Scan(&job.ID, &taskID, &job.Recipient, &job.Kind, &specJSON, &job.Status,
		&result, &failure, &artifact, &delivering, &delivered, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if len(specJSON) > 0 {
		if err := json.Unmarshal(specJSON, &job.Spec); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal spec: %w", err)
		}
	}
	job.ExternalTaskID = textPtr(taskID)
	job.ResultPayload = textPtr(result)
	job.FailureReason = textPtr(failure)
	job.ArtifactURL = textPtr(artifact)
	if delivering.Valid {
		t := delivering.Time
		job.DeliveringAt = &t
	}
	if delivered.Valid {
		t := delivered.Time
		job.DeliveredAt = &t
	}
	return job, nil
}
