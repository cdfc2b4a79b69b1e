package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"webhook-relay/internal/models"
)

// Poller is the local fallback for lost or delayed provider notifications:
// it periodically polls running tasks and re-attempts delivery for terminal
// jobs whose result never went out.
type Poller struct {
	store       Store
	provider    Provider
	service     *Service
	coordinator *Coordinator
	interval    time.Duration
	batch       int
	staleWindow time.Duration
	log         *zap.Logger
}

// NewPoller builds the polling fallback loop.
func NewPoller(store Store, prov Provider, service *Service, coordinator *Coordinator, interval time.Duration, batch int, staleWindow time.Duration, log *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	if staleWindow <= 0 {
		staleWindow = 5 * time.Minute
	}
	return &Poller{
		store:       store,
		provider:    prov,
		service:     service,
		coordinator: coordinator,
		interval:    interval,
		batch:       batch,
		staleWindow: staleWindow,
		log:         log,
	}
}

// Run executes poll passes until the context ends. A failing pass is logged
// and retried on the next tick, never fatal.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.pass(ctx)
	}
}

func (p *Poller) pass(ctx context.Context) {
	running, err := p.store.RunningJobs(ctx, p.batch)
	if err != nil {
		p.log.Warn("list running jobs failed", zap.Error(err))
	}
	for _, job := range running {
		if job.ExternalTaskID == nil {
			continue
		}
		taskID := *job.ExternalTaskID
		st, err := p.provider.Poll(ctx, taskID)
		if err != nil {
			p.log.Warn("poll failed", zap.Error(err), zap.String("task_id", taskID))
			continue
		}
		if NormalizeState(st.State) == models.StatusRunning {
			continue
		}
		if err := p.service.CompleteFromStatus(ctx, taskID, st); err != nil {
			p.log.Warn("complete from poll failed", zap.Error(err), zap.String("task_id", taskID))
		}
	}

	// Terminal jobs with no confirmed delivery and no live lock holder:
	// retry them here so nothing stays stuck past the staleness window.
	undelivered, err := p.store.UndeliveredTerminal(ctx, p.staleWindow, p.batch)
	if err != nil {
		p.log.Warn("list undelivered jobs failed", zap.Error(err))
		return
	}
	for _, job := range undelivered {
		if job.ExternalTaskID == nil {
			continue
		}
		if err := p.coordinator.Deliver(ctx, *job.ExternalTaskID); err != nil {
			p.log.Warn("delivery retry failed", zap.Error(err), zap.String("task_id", *job.ExternalTaskID))
		}
	}
}
