package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"webhook-relay/internal/telemetry"
)

// Reconciler sweeps orphan notifications: completions that arrived before
// their job's task id was durably recorded. Matched orphans are replayed
// through the same completion path the live handler uses.
type Reconciler struct {
	store    Store
	service  *Service
	interval time.Duration
	grace    time.Duration
	ceiling  time.Duration
	batch    int
	log      *zap.Logger
}

// NewReconciler builds the orphan sweep loop. The grace period avoids
// matching against a job still mid-creation; rows older than the ceiling are
// left for manual inspection.
func NewReconciler(store Store, service *Service, interval, grace, ceiling time.Duration, batch int, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if ceiling <= 0 {
		ceiling = 24 * time.Hour
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{
		store:    store,
		service:  service,
		interval: interval,
		grace:    grace,
		ceiling:  ceiling,
		batch:    batch,
		log:      log,
	}
}

// Run executes sweep passes until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.Pass(ctx)
	}
}

// Pass runs one sweep. Exported so tests can drive it directly.
func (r *Reconciler) Pass(ctx context.Context) {
	orphans, err := r.store.UnmatchedOrphans(ctx, r.grace, r.ceiling, r.batch)
	if err != nil {
		r.log.Warn("list orphans failed", zap.Error(err))
		return
	}
	for _, orphan := range orphans {
		log := r.log.With(zap.Int64("orphan_id", orphan.ID), zap.String("task_id", orphan.ExternalTaskID))
		job, found, err := r.store.FindJobByTask(ctx, orphan.ExternalTaskID)
		if err != nil {
			log.Warn("orphan job lookup failed", zap.Error(err))
			continue
		}
		if !found {
			// Still no job; the row stays for the next pass.
			continue
		}
		if err := r.service.ApplyCompletion(ctx, orphan.ExternalTaskID, orphan.State, orphan.RawPayload); err != nil {
			log.Warn("orphan replay failed", zap.Error(err))
			continue
		}
		if err := r.store.MarkOrphanMatched(ctx, orphan.ID, job.ID); err != nil {
			log.Warn("mark orphan matched failed", zap.Error(err))
			continue
		}
		telemetry.OrphansMatched.Inc()
		log.Info("orphan matched", zap.String("job_id", job.ID))
	}

	if pending, err := r.store.PendingOrphanCount(ctx); err == nil {
		telemetry.OrphansPending.Set(float64(pending))
	}
}
