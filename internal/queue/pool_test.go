package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"webhook-relay/internal/models"
)

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newMemDedup() *memDedup { return &memDedup{seen: map[string]bool{}} }

func (m *memDedup) MarkEventProcessed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.seen[id] {
		return false, nil
	}
	m.seen[id] = true
	return true, nil
}

type fakeGate struct {
	active  atomic.Bool
	notices atomic.Int64
}

func (g *fakeGate) ShouldProcessUpdates() bool { return g.active.Load() }
func (g *fakeGate) SendThrottledNotice(context.Context, string) {
	g.notices.Add(1)
}

func runPool(t *testing.T, q *Queue, dedup DedupStore, gate Gate, dispatch Dispatcher, cfg PoolConfig) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(q, dedup, gate, dispatch, cfg, zap.NewNop())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitCount(t *testing.T, c *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for count %d, got %d", want, c.Load())
}

func TestDuplicateEventDispatchedOnce(t *testing.T) {
	q := New(16)
	gate := &fakeGate{}
	gate.active.Store(true)
	var dispatched atomic.Int64
	runPool(t, q, newMemDedup(), gate, func(context.Context, models.InboundEvent) error {
		dispatched.Add(1)
		return nil
	}, PoolConfig{Workers: 2})

	ev := models.InboundEvent{EventID: "evt-1", Kind: "generate"}
	q.Enqueue(ev)
	q.Enqueue(ev)
	q.Enqueue(ev)

	waitCount(t, &dispatched, 1)
	time.Sleep(50 * time.Millisecond)
	if got := dispatched.Load(); got != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", got)
	}
}

func TestDedupFailsOpen(t *testing.T) {
	q := New(16)
	gate := &fakeGate{}
	gate.active.Store(true)
	dedup := newMemDedup()
	dedup.err = errors.New("store down")
	var dispatched atomic.Int64
	runPool(t, q, dedup, gate, func(context.Context, models.InboundEvent) error {
		dispatched.Add(1)
		return nil
	}, PoolConfig{Workers: 1})

	q.Enqueue(models.InboundEvent{EventID: "evt-2", Kind: "generate"})
	waitCount(t, &dispatched, 1)
}

func TestPassiveNoticeDrop(t *testing.T) {
	q := New(16)
	gate := &fakeGate{} // passive
	var dispatched atomic.Int64
	runPool(t, q, newMemDedup(), gate, func(context.Context, models.InboundEvent) error {
		dispatched.Add(1)
		return nil
	}, PoolConfig{Workers: 1})

	q.Enqueue(models.InboundEvent{EventID: "evt-3", Kind: "generate", Recipient: "chat-9"})
	waitCount(t, &gate.notices, 1)
	if dispatched.Load() != 0 {
		t.Fatal("passive instance must not dispatch ack-expecting events")
	}
}

func TestPassiveAllowListBypassesGate(t *testing.T) {
	q := New(16)
	gate := &fakeGate{} // passive
	var dispatched atomic.Int64
	runPool(t, q, newMemDedup(), gate, func(context.Context, models.InboundEvent) error {
		dispatched.Add(1)
		return nil
	}, PoolConfig{Workers: 1, AllowList: []string{"ping"}})

	q.Enqueue(models.InboundEvent{EventID: "evt-4", Kind: "ping", Recipient: "chat-9"})
	waitCount(t, &dispatched, 1)
	if gate.notices.Load() != 0 {
		t.Fatal("allow-listed events should not trigger the updating notice")
	}
}

func TestPassiveRequeueBounded(t *testing.T) {
	q := New(16)
	gate := &fakeGate{} // passive
	var dispatched atomic.Int64
	runPool(t, q, newMemDedup(), gate, func(context.Context, models.InboundEvent) error {
		dispatched.Add(1)
		return nil
	}, PoolConfig{Workers: 1, MaxAttempts: 3, RetryDelay: 5 * time.Millisecond})

	// No recipient, not allow-listed: requeued with a bounded counter.
	q.Enqueue(models.InboundEvent{EventID: "evt-5", Kind: "provider.update"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.Depth() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if q.Depth() != 0 {
		t.Fatal("event must not stay queued forever")
	}
	if dispatched.Load() != 0 {
		t.Fatal("passive instance must not dispatch")
	}
}

func TestBecomeActiveAfterRequeue(t *testing.T) {
	q := New(16)
	gate := &fakeGate{} // passive at first
	var dispatched atomic.Int64
	runPool(t, q, newMemDedup(), gate, func(context.Context, models.InboundEvent) error {
		dispatched.Add(1)
		return nil
	}, PoolConfig{Workers: 1, MaxAttempts: 5, RetryDelay: 10 * time.Millisecond})

	q.Enqueue(models.InboundEvent{EventID: "evt-6", Kind: "provider.update"})
	time.Sleep(15 * time.Millisecond)
	gate.active.Store(true)

	waitCount(t, &dispatched, 1)
}

func TestEnqueueNeverBlocksWhenFull(t *testing.T) {
	q := New(1)
	if !q.Enqueue(models.InboundEvent{EventID: "a"}) {
		t.Fatal("first enqueue should fit")
	}
	done := make(chan bool, 1)
	go func() {
		done <- q.Enqueue(models.InboundEvent{EventID: "b"})
	}()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("enqueue into a full queue should report a drop")
		}
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
}
