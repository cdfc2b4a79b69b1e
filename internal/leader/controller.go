package leader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"webhook-relay/internal/telemetry"
)

// Roles an instance can hold. Only the ACTIVE instance processes business
// events; everyone else waits for the lock.
const (
	RolePassive = "PASSIVE"
	RoleActive  = "ACTIVE"
)

// LockStore is the shared-store surface the controller needs. The store row
// is the authoritative state; the controller only caches a read-through view.
type LockStore interface {
	TryAcquire(ctx context.Context, holderID string, staleThreshold time.Duration) (bool, error)
	Touch(ctx context.Context, holderID string) (bool, error)
}

// NoticeSender delivers the "service is updating" notice to a recipient.
type NoticeSender interface {
	Deliver(ctx context.Context, recipient, payload string) error
}

// Config tunes lock timing. Zero fields fall back to defaults.
type Config struct {
	StaleThreshold    time.Duration
	HeartbeatInterval time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	AcquireTimeout    time.Duration
	UpdatingNotice    string
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold == 0 {
		c.StaleThreshold = 40 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.BackoffMin == 0 {
		c.BackoffMin = 10 * time.Second
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 3 * time.Second
	}
	if c.UpdatingNotice == "" {
		c.UpdatingNotice = "Service is updating, please try again in a minute."
	}
	return c
}

// Controller owns the single-active-instance lock for one process. It is
// instantiated once and passed explicitly to every component that gates on
// role; ShouldProcessUpdates is the single source of truth.
type Controller struct {
	cfg        Config
	store      LockStore
	throttle   *Throttle
	notify     NoticeSender
	log        *zap.Logger
	instanceID string
	watcherID  string

	active  atomic.Bool
	started atomic.Bool
	wg      sync.WaitGroup
}

// New builds a controller. throttle and notify may be nil, which disables
// user notices but not the lock itself.
func New(store LockStore, throttle *Throttle, notify NoticeSender, cfg Config, log *zap.Logger) *Controller {
	instanceID := uuid.New().String()
	return &Controller{
		cfg:        cfg.withDefaults(),
		store:      store,
		throttle:   throttle,
		notify:     notify,
		instanceID: instanceID,
		watcherID:  uuid.New().String()[:8],
		log: log.With(
			zap.String("instance_id", instanceID),
		),
	}
}

// Start attempts one immediate, bounded acquisition. On success the role is
// ACTIVE and the heartbeat refresher starts; on failure the role stays
// PASSIVE and exactly one watcher loop starts. Start may be called once.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("leader: Start called twice")
	}
	acquireCtx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	ok, err := c.store.TryAcquire(acquireCtx, c.instanceID, c.cfg.StaleThreshold)
	cancel()
	if err != nil {
		c.log.Warn("initial lock probe failed", zap.Error(err))
		ok = false
	}
	if ok {
		c.becomeActive(ctx, "startup")
		return nil
	}
	c.log.Info("starting passive, watcher spawned", zap.String("watcher_id", c.watcherID))
	c.wg.Add(1)
	go c.watcherLoop(ctx)
	return nil
}

// ShouldProcessUpdates reports whether this instance holds the lock. Every
// component must query this per decision rather than caching the answer.
func (c *Controller) ShouldProcessUpdates() bool {
	return c.active.Load()
}

// Role returns the current role as a string for health reporting.
func (c *Controller) Role() string {
	if c.active.Load() {
		return RoleActive
	}
	return RolePassive
}

// InstanceID is the opaque process identity used as lock holder id.
func (c *Controller) InstanceID() string { return c.instanceID }

// SendThrottledNotice tells a recipient the service is updating, at most once
// per cooldown window per recipient, and only while PASSIVE.
func (c *Controller) SendThrottledNotice(ctx context.Context, recipient string) {
	if c.active.Load() || c.throttle == nil || c.notify == nil || recipient == "" {
		return
	}
	allowed, err := c.throttle.Allow(ctx, recipient)
	if err != nil {
		c.log.Warn("notice throttle check failed", zap.Error(err), zap.String("recipient", recipient))
		return
	}
	if !allowed {
		return
	}
	if err := c.notify.Deliver(ctx, recipient, c.cfg.UpdatingNotice); err != nil {
		c.log.Warn("updating notice failed", zap.Error(err), zap.String("recipient", recipient))
		return
	}
	telemetry.NoticesSent.Inc()
}

// Wait blocks until all controller goroutines have exited.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) becomeActive(ctx context.Context, via string) {
	c.active.Store(true)
	c.log.Info("role transition PASSIVE->ACTIVE", zap.String("via", via))
	c.wg.Add(1)
	go c.heartbeatLoop(ctx)
}

// watcherLoop retries acquisition with geometric backoff until it wins or the
// context ends. Probe errors count as a failed attempt; they never crash the
// loop or flip the role.
func (c *Controller) watcherLoop(ctx context.Context) {
	defer c.wg.Done()
	log := c.log.With(zap.String("watcher_id", c.watcherID))
	delay := c.cfg.BackoffMin
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		ok, err := c.store.TryAcquire(ctx, c.instanceID, c.cfg.StaleThreshold)
		if err != nil {
			log.Debug("lock attempt errored", zap.Error(err))
			ok = false
		}
		if ok {
			c.becomeActive(ctx, "watcher")
			return
		}
		delay = nextBackoff(delay, c.cfg.BackoffMax)
		log.Debug("lock held elsewhere, backing off", zap.Duration("delay", delay))
		timer.Reset(delay)
	}
}

// heartbeatLoop refreshes the shared heartbeat while ACTIVE. The interval is
// shorter than the stale threshold so at least two beats land inside any
// stale-detection window.
func (c *Controller) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ours, err := c.store.Touch(ctx, c.instanceID)
		if err != nil {
			c.log.Warn("heartbeat refresh failed", zap.Error(err))
			continue
		}
		if !ours {
			c.log.Warn("heartbeat row no longer names this holder")
		}
	}
}

// nextBackoff grows the watcher delay by 1.5x up to the cap; the growth
// prevents a thundering herd on contended locks.
func nextBackoff(d, max time.Duration) time.Duration {
	next := d + d/2
	if next > max {
		return max
	}
	return next
}
