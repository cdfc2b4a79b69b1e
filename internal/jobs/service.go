package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"webhook-relay/internal/models"
	"webhook-relay/internal/provider"
)

// Store is the shared-store surface the job lifecycle needs. Every
// concurrency-sensitive operation is an atomic conditional statement in the
// store; nothing here trusts in-memory state across instances.
type Store interface {
	CreateJob(ctx context.Context, recipient, kind string, spec map[string]any) (models.Job, error)
	SetJobTask(ctx context.Context, jobID, taskID string) error
	MarkJobFailed(ctx context.Context, jobID, reason string) error
	FindJobByTask(ctx context.Context, taskID string) (models.Job, bool, error)
	CompleteJob(ctx context.Context, taskID, status string, result, failure, artifactURL *string) (bool, error)
	AcquireDeliveryLock(ctx context.Context, taskID string, staleWindow time.Duration) (models.Job, bool, error)
	MarkDelivered(ctx context.Context, taskID string, ok bool) error
	InsertOrphan(ctx context.Context, taskID, state string, raw []byte) error
	UnmatchedOrphans(ctx context.Context, grace, ceiling time.Duration, limit int) ([]models.OrphanNotification, error)
	MarkOrphanMatched(ctx context.Context, id int64, jobID string) error
	PendingOrphanCount(ctx context.Context) (int64, error)
	RunningJobs(ctx context.Context, limit int) ([]models.Job, error)
	UndeliveredTerminal(ctx context.Context, staleWindow time.Duration, limit int) ([]models.Job, error)
}

// Provider submits job specs and polls task status.
type Provider interface {
	Submit(ctx context.Context, spec map[string]any) (string, error)
	Poll(ctx context.Context, taskID string) (provider.Status, error)
}

// ReleaseHold is the payment-collaborator hook invoked when a submission
// fails and any reserved balance must be returned.
type ReleaseHold func(ctx context.Context, jobID string)

// Service owns the job lifecycle: create-before-submit, terminal-state
// updates from notifications and polls, and the funnel into delivery.
type Service struct {
	store       Store
	provider    Provider
	coordinator *Coordinator
	releaseHold ReleaseHold
	log         *zap.Logger
}

// NewService wires the lifecycle service. releaseHold may be nil.
func NewService(store Store, prov Provider, coordinator *Coordinator, releaseHold ReleaseHold, log *zap.Logger) *Service {
	return &Service{
		store:       store,
		provider:    prov,
		coordinator: coordinator,
		releaseHold: releaseHold,
		log:         log,
	}
}

// Submit creates the job record, then calls the provider. The record exists
// before the external call, so a completion notification can never reference
// a job we have no row for when submission succeeded. A failed submission
// marks the job failed and releases any held balance.
func (s *Service) Submit(ctx context.Context, recipient, kind string, spec map[string]any) (models.Job, error) {
	job, err := s.store.CreateJob(ctx, recipient, kind, spec)
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	log := s.log.With(zap.String("job_id", job.ID))

	taskID, err := s.provider.Submit(ctx, spec)
	if err != nil {
		log.Error("provider submission failed", zap.Error(err))
		if markErr := s.store.MarkJobFailed(ctx, job.ID, err.Error()); markErr != nil {
			log.Error("mark job failed errored", zap.Error(markErr))
		}
		if s.releaseHold != nil {
			s.releaseHold(ctx, job.ID)
		}
		return job, fmt.Errorf("submit job: %w", err)
	}

	if err := s.store.SetJobTask(ctx, job.ID, taskID); err != nil {
		// The task exists at the provider but our row still says pending; the
		// notification for it will land as an orphan and be reconciled.
		log.Error("record task id failed", zap.Error(err), zap.String("task_id", taskID))
		return job, fmt.Errorf("record task id: %w", err)
	}
	log.Info("job submitted", zap.String("task_id", taskID))
	job.ExternalTaskID = &taskID
	job.Status = models.StatusRunning
	return job, nil
}

// HandleNotification processes a provider completion callback. Unknown task
// ids are persisted as orphans for the reconciler instead of being dropped.
func (s *Service) HandleNotification(ctx context.Context, taskID, state string, raw []byte) error {
	if taskID == "" {
		s.log.Warn("notification without task id ignored")
		return nil
	}
	_, found, err := s.store.FindJobByTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("find job for notification: %w", err)
	}
	if !found {
		s.log.Info("orphan notification recorded", zap.String("task_id", taskID), zap.String("state", state))
		return s.store.InsertOrphan(ctx, taskID, state, raw)
	}
	return s.ApplyCompletion(ctx, taskID, state, raw)
}

// notificationBody covers the payload fields providers put results under.
type notificationBody struct {
	Result        json.RawMessage `json:"result"`
	Output        json.RawMessage `json:"output"`
	FailureReason string          `json:"failure_reason"`
	ErrorText     string          `json:"error"`
	ArtifactURL   string          `json:"artifact_url"`
	URL           string          `json:"url"`
}

// ApplyCompletion advances a job toward a terminal state and attempts
// delivery. Non-terminal states are a no-op; duplicate terminal updates are
// absorbed by the store and the delivery lock.
func (s *Service) ApplyCompletion(ctx context.Context, taskID, state string, raw []byte) error {
	status := NormalizeState(state)
	if status != models.StatusDone && status != models.StatusFailed {
		s.log.Debug("notification for non-terminal state ignored",
			zap.String("task_id", taskID), zap.String("state", state))
		return nil
	}

	var body notificationBody
	if len(raw) > 0 {
		// Best effort: a malformed body still advances the state machine.
		_ = json.Unmarshal(raw, &body)
	}
	result := rawString(body.Result)
	if result == nil {
		result = rawString(body.Output)
	}
	failure := firstNonEmpty(body.FailureReason, body.ErrorText)
	artifact := firstNonEmpty(body.ArtifactURL, body.URL)

	transitioned, err := s.store.CompleteJob(ctx, taskID, status, result, failure, artifact)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if !transitioned {
		s.log.Debug("job already terminal", zap.String("task_id", taskID))
	}
	return s.coordinator.Deliver(ctx, taskID)
}

// CompleteFromStatus is the poll-loop entry: same transition as a
// notification, sourced from a poll result.
func (s *Service) CompleteFromStatus(ctx context.Context, taskID string, st provider.Status) error {
	status := NormalizeState(st.State)
	if status != models.StatusDone && status != models.StatusFailed {
		return nil
	}
	var result *string
	if st.ResultPayload != "" {
		result = &st.ResultPayload
	}
	var failure *string
	if st.FailureReason != "" {
		failure = &st.FailureReason
	}
	var artifact *string
	if st.ArtifactURL != "" {
		artifact = &st.ArtifactURL
	}
	if _, err := s.store.CompleteJob(ctx, taskID, status, result, failure, artifact); err != nil {
		return fmt.Errorf("complete job from poll: %w", err)
	}
	return s.coordinator.Deliver(ctx, taskID)
}

func rawString(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	v := string(raw)
	return &v
}

func firstNonEmpty(values ...string) *string {
	for _, v := range values {
		if v != "" {
			return &v
		}
	}
	return nil
}
