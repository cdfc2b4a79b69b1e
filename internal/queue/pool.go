package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"webhook-relay/internal/models"
	"webhook-relay/internal/telemetry"
)

// DedupStore records processed event ids durably; a conflicting insert means
// another worker or instance already handled the event.
type DedupStore interface {
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
}

// Gate exposes the lock controller surface the pool needs.
type Gate interface {
	ShouldProcessUpdates() bool
	SendThrottledNotice(ctx context.Context, recipient string)
}

// Dispatcher hands a deduplicated event to business logic.
type Dispatcher func(ctx context.Context, ev models.InboundEvent) error

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers          int
	MaxAttempts      int
	RetryDelay       time.Duration
	DispatchDeadline time.Duration
	AllowList        []string
}

// Pool runs N workers over the queue. Every dequeued event terminates in
// exactly one of: dispatch, dedup skip, passive notice drop, or
// max-attempts drop — nothing stays queued forever.
type Pool struct {
	q        *Queue
	dedup    DedupStore
	gate     Gate
	dispatch Dispatcher
	cfg      PoolConfig
	allow    map[string]struct{}
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewPool wires a pool over the queue.
func NewPool(q *Queue, dedup DedupStore, gate Gate, dispatch Dispatcher, cfg PoolConfig, log *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.DispatchDeadline <= 0 {
		cfg.DispatchDeadline = 30 * time.Second
	}
	allow := make(map[string]struct{}, len(cfg.AllowList))
	for _, kind := range cfg.AllowList {
		allow[kind] = struct{}{}
	}
	return &Pool{q: q, dedup: dedup, gate: gate, dispatch: dispatch, cfg: cfg, allow: allow, log: log}
}

// Run starts the workers and blocks until the context ends and they drain.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With(zap.Int("worker", id))
	for {
		var ev models.InboundEvent
		select {
		case <-ctx.Done():
			return
		case ev = <-p.q.events():
		}
		telemetry.QueueDepthGauge.Set(float64(p.q.Depth()))
		p.handle(ctx, log, ev)
	}
}

func (p *Pool) handle(ctx context.Context, log *zap.Logger, ev models.InboundEvent) {
	log = log.With(zap.String("event_id", ev.EventID), zap.String("kind", ev.Kind))

	// The dedup marker is written on the first pass only; a requeued event
	// already holds its own marker and must not collide with it.
	if ev.Attempts == 0 {
		fresh, err := p.dedup.MarkEventProcessed(ctx, ev.EventID)
		if err != nil {
			// Fail open: duplicate processing of a cheap event beats a
			// total stall when the store is unreachable.
			log.Warn("dedup check failed, processing anyway", zap.Error(err))
		} else if !fresh {
			log.Info("dedup skip")
			telemetry.DedupSkips.Inc()
			return
		}
	}

	if !p.gate.ShouldProcessUpdates() {
		if _, ok := p.allow[ev.Kind]; !ok {
			p.holdPassive(ctx, log, ev)
			return
		}
		// Allow-listed kinds (greeting, menu) are cheap and safe to answer
		// even while passive.
	}

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DispatchDeadline)
	err := p.dispatch(dctx, ev)
	cancel()
	telemetry.DispatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("dispatch failed", zap.Error(err))
	}
}

// holdPassive decides what to do with an event while this instance does not
// hold the lock: notify ack-expecting senders once per cooldown and drop, or
// requeue with a bounded retry counter.
func (p *Pool) holdPassive(ctx context.Context, log *zap.Logger, ev models.InboundEvent) {
	if ev.Recipient != "" {
		p.gate.SendThrottledNotice(ctx, ev.Recipient)
		log.Info("passive notice drop", zap.String("recipient", ev.Recipient))
		telemetry.PassiveDrops.Inc()
		return
	}
	if ev.Attempts+1 >= p.cfg.MaxAttempts {
		log.Info("passive drop, retries exhausted", zap.Int("attempts", ev.Attempts+1))
		telemetry.PassiveDrops.Inc()
		return
	}
	ev.Attempts++
	p.wg.Add(1)
	go func(ev models.InboundEvent) {
		defer p.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(p.cfg.RetryDelay):
			if !p.q.Enqueue(ev) {
				log.Info("passive drop, queue full on requeue")
				telemetry.PassiveDrops.Inc()
			}
		}
	}(ev)
}
