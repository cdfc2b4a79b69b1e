package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"webhook-relay/internal/models"
	"webhook-relay/internal/telemetry"
)

// Messenger delivers one payload to one recipient.
type Messenger interface {
	Deliver(ctx context.Context, recipient, payload string) error
}

// Archiver mirrors a completed job's artifact to durable storage.
type Archiver interface {
	Archive(ctx context.Context, jobID, artifactURL string) error
}

// Coordinator is the only code path that sends a job result. The callback
// handler, the poll loop, the reconciler, and a second instance during a
// deploy overlap all race through here; the conditional update in
// AcquireDeliveryLock decides the single winner.
type Coordinator struct {
	store       Store
	messenger   Messenger
	archiver    Archiver
	staleWindow time.Duration
	failureText string
	log         *zap.Logger
}

// NewCoordinator builds the coordinator. archiver may be nil.
func NewCoordinator(store Store, messenger Messenger, archiver Archiver, staleWindow time.Duration, log *zap.Logger) *Coordinator {
	if staleWindow <= 0 {
		staleWindow = 5 * time.Minute
	}
	return &Coordinator{
		store:       store,
		messenger:   messenger,
		archiver:    archiver,
		staleWindow: staleWindow,
		failureText: "Sorry, your request could not be completed. Please try again.",
		log:         log,
	}
}

// Deliver runs the try-acquire -> send -> mark protocol for one task.
// Losing the lock race is not an error; it means another caller is handling
// the job or it is already delivered.
func (c *Coordinator) Deliver(ctx context.Context, taskID string) error {
	log := c.log.With(zap.String("task_id", taskID))

	job, acquired, err := c.store.AcquireDeliveryLock(ctx, taskID, c.staleWindow)
	if err != nil {
		// Fail safe: on an ambiguous error we prefer not sending over
		// risking a double send.
		log.Warn("delivery lock probe failed", zap.Error(err))
		return fmt.Errorf("acquire delivery lock: %w", err)
	}
	if !acquired {
		log.Info("lock skip")
		telemetry.LockSkips.Inc()
		return nil
	}
	if !job.Terminal() {
		// The lock matched but the job has no terminal result yet; release
		// so a later attempt can pick it up after completion.
		if err := c.store.MarkDelivered(ctx, taskID, false); err != nil {
			log.Warn("release delivery lock failed", zap.Error(err))
		}
		return nil
	}

	payload := c.failureText
	if job.Status == models.StatusDone {
		if job.ResultPayload != nil {
			payload = *job.ResultPayload
		} else {
			payload = "Your request is complete."
		}
		if c.archiver != nil && job.ArtifactURL != nil {
			// Best effort; archiving must never block or fail the delivery.
			if err := c.archiver.Archive(ctx, job.ID, *job.ArtifactURL); err != nil {
				log.Warn("artifact archive failed", zap.Error(err))
			}
		}
	}

	if err := c.messenger.Deliver(ctx, job.Recipient, payload); err != nil {
		log.Error("delivery failed, releasing lock for retry", zap.Error(err))
		telemetry.DeliveryFailures.Inc()
		if markErr := c.store.MarkDelivered(ctx, taskID, false); markErr != nil {
			log.Error("release delivery lock failed", zap.Error(markErr))
		}
		return fmt.Errorf("deliver result: %w", err)
	}

	if err := c.store.MarkDelivered(ctx, taskID, true); err != nil {
		// The send went out but the mark failed; the delivery lock's
		// staleness window bounds how long a duplicate stays possible.
		log.Error("mark delivered failed after successful send", zap.Error(err))
		return fmt.Errorf("mark delivered: %w", err)
	}
	telemetry.DeliveriesOK.Inc()
	log.Info("result delivered", zap.String("job_id", job.ID), zap.String("recipient", job.Recipient))
	return nil
}
