package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"webhook-relay/internal/models"
	"webhook-relay/internal/provider"
)

// memStore mirrors the Postgres store's conditional-update semantics under a
// mutex so the delivery-lock races can be exercised without a database.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job // by job id
	processed map[string]bool
	orphans   []*models.OrphanNotification
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]*models.Job{}, processed: map[string]bool{}}
}

func (m *memStore) byTask(taskID string) *models.Job {
	for _, j := range m.jobs {
		if j.ExternalTaskID != nil && *j.ExternalTaskID == taskID {
			return j
		}
	}
	return nil
}

func (m *memStore) CreateJob(_ context.Context, recipient, kind string, spec map[string]any) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	j := &models.Job{ID: uuid.New().String(), Recipient: recipient, Kind: kind, Spec: spec,
		Status: models.StatusPending, CreatedAt: now, UpdatedAt: now}
	m.jobs[j.ID] = j
	return *j, nil
}

func (m *memStore) SetJobTask(_ context.Context, jobID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	j.ExternalTaskID = &taskID
	j.Status = models.StatusRunning
	return nil
}

func (m *memStore) MarkJobFailed(_ context.Context, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	j.Status = models.StatusFailed
	j.FailureReason = &reason
	return nil
}

func (m *memStore) FindJobByTask(_ context.Context, taskID string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j := m.byTask(taskID); j != nil {
		return *j, true, nil
	}
	return models.Job{}, false, nil
}

func (m *memStore) CompleteJob(_ context.Context, taskID, status string, result, failure, artifactURL *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.byTask(taskID)
	if j == nil || j.Terminal() {
		return false, nil
	}
	j.Status = status
	j.ResultPayload = result
	j.FailureReason = failure
	j.ArtifactURL = artifactURL
	return true, nil
}

func (m *memStore) AcquireDeliveryLock(_ context.Context, taskID string, staleWindow time.Duration) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.byTask(taskID)
	if j == nil || j.DeliveredAt != nil {
		return models.Job{}, false, nil
	}
	if j.DeliveringAt != nil && time.Since(*j.DeliveringAt) < staleWindow {
		return models.Job{}, false, nil
	}
	now := time.Now().UTC()
	j.DeliveringAt = &now
	return *j, true, nil
}

func (m *memStore) MarkDelivered(_ context.Context, taskID string, ok bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.byTask(taskID)
	if j == nil {
		return errors.New("job not found")
	}
	j.DeliveringAt = nil
	if ok {
		now := time.Now().UTC()
		j.DeliveredAt = &now
	}
	return nil
}

func (m *memStore) InsertOrphan(_ context.Context, taskID, state string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.orphans = append(m.orphans, &models.OrphanNotification{
		ID: m.nextID, ExternalTaskID: taskID, State: state, RawPayload: raw, ReceivedAt: time.Now().UTC()})
	return nil
}

func (m *memStore) UnmatchedOrphans(_ context.Context, grace, ceiling time.Duration, limit int) ([]models.OrphanNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var out []models.OrphanNotification
	for _, o := range m.orphans {
		if o.MatchedJobID != nil {
			continue
		}
		age := now.Sub(o.ReceivedAt)
		if age < grace || age > ceiling {
			continue
		}
		out = append(out, *o)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MarkOrphanMatched(_ context.Context, id int64, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orphans {
		if o.ID == id {
			o.MatchedJobID = &jobID
			return nil
		}
	}
	return errors.New("orphan not found")
}

func (m *memStore) PendingOrphanCount(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.orphans {
		if o.MatchedJobID == nil {
			n++
		}
	}
	return n, nil
}

func (m *memStore) RunningJobs(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status == models.StatusRunning && j.ExternalTaskID != nil && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memStore) UndeliveredTerminal(_ context.Context, staleWindow time.Duration, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if !j.Terminal() || j.ExternalTaskID == nil || j.DeliveredAt != nil {
			continue
		}
		if j.DeliveringAt != nil && time.Since(*j.DeliveringAt) < staleWindow {
			continue
		}
		if len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memStore) MarkEventProcessed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processed[id] {
		return false, nil
	}
	m.processed[id] = true
	return true, nil
}

// countingMessenger fails the first failFirst sends, then succeeds.
type countingMessenger struct {
	mu        sync.Mutex
	failFirst int
	attempts  int
	delivered []string
}

func (c *countingMessenger) Deliver(_ context.Context, recipient, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.attempts <= c.failFirst {
		return errors.New("gateway unreachable")
	}
	c.delivered = append(c.delivered, recipient+":"+payload)
	return nil
}

func (c *countingMessenger) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

type fakeProvider struct {
	submitErr error
	taskID    string
	status    provider.Status
	pollErr   error
}

func (f *fakeProvider) Submit(context.Context, map[string]any) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.taskID, nil
}

func (f *fakeProvider) Poll(context.Context, string) (provider.Status, error) {
	return f.status, f.pollErr
}

func seedTerminalJob(t *testing.T, store *memStore, taskID string) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := store.CreateJob(ctx, "chat-1", "generate", map[string]any{"prompt": "cat"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := store.SetJobTask(ctx, job.ID, taskID); err != nil {
		t.Fatalf("set task: %v", err)
	}
	result := "here is your cat"
	if _, err := store.CompleteJob(ctx, taskID, models.StatusDone, &result, nil, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return job
}

func TestConcurrentDeliveryExactlyOnce(t *testing.T) {
	store := newMemStore()
	seedTerminalJob(t, store, "task-c")
	msgr := &countingMessenger{}
	coord := NewCoordinator(store, msgr, nil, 5*time.Minute, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.Deliver(context.Background(), "task-c")
		}()
	}
	wg.Wait()

	if got := msgr.sent(); got != 1 {
		t.Fatalf("expected exactly one send, got %d", got)
	}
	job, _, _ := store.FindJobByTask(context.Background(), "task-c")
	if job.DeliveredAt == nil {
		t.Fatal("job must be marked delivered")
	}
	if job.DeliveringAt != nil {
		t.Fatal("delivery lock must be cleared after success")
	}
}

func TestFailedDeliveryReleasesLockThenRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedTerminalJob(t, store, "task-d")
	msgr := &countingMessenger{failFirst: 1}
	coord := NewCoordinator(store, msgr, nil, 5*time.Minute, zap.NewNop())

	if err := coord.Deliver(ctx, "task-d"); err == nil {
		t.Fatal("first delivery should fail")
	}
	job, _, _ := store.FindJobByTask(ctx, "task-d")
	if job.DeliveredAt != nil {
		t.Fatal("failed send must not mark delivered")
	}
	if job.DeliveringAt != nil {
		t.Fatal("failed send must release the delivery lock")
	}

	// The poll loop's retry path.
	if err := coord.Deliver(ctx, "task-d"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := msgr.sent(); got != 1 {
		t.Fatalf("expected one successful send, got %d", got)
	}
	job, _, _ = store.FindJobByTask(ctx, "task-d")
	if job.DeliveredAt == nil {
		t.Fatal("retry must mark delivered")
	}
}

func TestStaleDeliveringLockRecovered(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	seedTerminalJob(t, store, "task-s")

	// Simulate a crash mid-send: delivering_at set long ago, never cleared.
	stale := time.Now().UTC().Add(-10 * time.Minute)
	store.mu.Lock()
	store.byTask("task-s").DeliveringAt = &stale
	store.mu.Unlock()

	msgr := &countingMessenger{}
	coord := NewCoordinator(store, msgr, nil, 5*time.Minute, zap.NewNop())
	if err := coord.Deliver(ctx, "task-s"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if msgr.sent() != 1 {
		t.Fatal("stale lock must be reacquirable after the window")
	}
}

func TestDuplicateNotificationSingleDelivery(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	job, _ := store.CreateJob(ctx, "chat-2", "generate", nil)
	_ = store.SetJobTask(ctx, job.ID, "task-dup")

	msgr := &countingMessenger{}
	coord := NewCoordinator(store, msgr, nil, 5*time.Minute, zap.NewNop())
	svc := NewService(store, &fakeProvider{}, coord, nil, zap.NewNop())

	raw := []byte(`{"result":"done!"}`)
	if err := svc.HandleNotification(ctx, "task-dup", "success", raw); err != nil {
		t.Fatalf("first notification: %v", err)
	}
	if err := svc.HandleNotification(ctx, "task-dup", "success", raw); err != nil {
		t.Fatalf("duplicate notification: %v", err)
	}
	if got := msgr.sent(); got != 1 {
		t.Fatalf("duplicate notification caused %d sends", got)
	}
}

func TestSubmitFailureMarksFailedAndReleasesHold(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	msgr := &countingMessenger{}
	coord := NewCoordinator(store, msgr, nil, 5*time.Minute, zap.NewNop())

	var released []string
	svc := NewService(store, &fakeProvider{submitErr: errors.New("provider down")}, coord,
		func(_ context.Context, jobID string) { released = append(released, jobID) }, zap.NewNop())

	job, err := svc.Submit(ctx, "chat-3", "generate", map[string]any{"prompt": "dog"})
	if err == nil {
		t.Fatal("expected submit to fail")
	}
	stored := store.jobs[job.ID]
	if stored.Status != models.StatusFailed {
		t.Fatalf("job status %q, want failed", stored.Status)
	}
	if len(released) != 1 || released[0] != job.ID {
		t.Fatalf("expected one balance release for %s, got %v", job.ID, released)
	}
}

func TestUnknownNotificationBecomesOrphanAndReconciles(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	msgr := &countingMessenger{}
	coord := NewCoordinator(store, msgr, nil, 5*time.Minute, zap.NewNop())
	svc := NewService(store, &fakeProvider{}, coord, nil, zap.NewNop())

	if err := svc.HandleNotification(ctx, "task-o", "completed", []byte(`{"result":"late"}`)); err != nil {
		t.Fatalf("notification: %v", err)
	}
	if n, _ := store.PendingOrphanCount(ctx); n != 1 {
		t.Fatalf("expected one orphan, got %d", n)
	}
	if msgr.sent() != 0 {
		t.Fatal("nothing should be delivered before the job exists")
	}

	// The job becomes visible after the race resolves.
	job, _ := store.CreateJob(ctx, "chat-4", "generate", nil)
	_ = store.SetJobTask(ctx, job.ID, "task-o")

	rec := NewReconciler(store, svc, time.Minute, time.Millisecond, 24*time.Hour, 100, zap.NewNop())
	time.Sleep(5 * time.Millisecond) // let the orphan age past the grace period
	rec.Pass(ctx)

	if n, _ := store.PendingOrphanCount(ctx); n != 0 {
		t.Fatalf("orphan should be matched within one pass, %d pending", n)
	}
	if msgr.sent() != 1 {
		t.Fatalf("expected the replayed notification to deliver once, got %d", msgr.sent())
	}
	got, _, _ := store.FindJobByTask(ctx, "task-o")
	if got.Status != models.StatusDone || got.DeliveredAt == nil {
		t.Fatalf("job not advanced by replay: status=%s delivered=%v", got.Status, got.DeliveredAt)
	}
}

func TestPollerCompletesAndDelivers(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	job, _ := store.CreateJob(ctx, "chat-5", "generate", nil)
	_ = store.SetJobTask(ctx, job.ID, "task-p")

	prov := &fakeProvider{status: provider.Status{State: "finished", ResultPayload: "poll result"}}
	msgr := &countingMessenger{}
	coord := NewCoordinator(store, msgr, nil, 5*time.Minute, zap.NewNop())
	svc := NewService(store, prov, coord, nil, zap.NewNop())
	poller := NewPoller(store, prov, svc, coord, time.Minute, 10, 5*time.Minute, zap.NewNop())

	poller.pass(ctx)

	if msgr.sent() != 1 {
		t.Fatalf("expected one delivery from the poll pass, got %d", msgr.sent())
	}
	got, _, _ := store.FindJobByTask(ctx, "task-p")
	if got.Status != models.StatusDone {
		t.Fatalf("status %q after poll", got.Status)
	}
}

func TestFailedJobDeliversGenericFailureText(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	job, _ := store.CreateJob(ctx, "chat-6", "generate", nil)
	_ = store.SetJobTask(ctx, job.ID, "task-f")
	reason := "cuda OOM on node gpu-7"
	_, _ = store.CompleteJob(ctx, "task-f", models.StatusFailed, nil, &reason, nil)

	msgr := &countingMessenger{}
	coord := NewCoordinator(store, msgr, nil, 5*time.Minute, zap.NewNop())
	if err := coord.Deliver(ctx, "task-f"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if msgr.sent() != 1 {
		t.Fatal("failure message should be delivered")
	}
	for _, d := range msgr.delivered {
		if d == "chat-6:"+reason {
			t.Fatal("raw internal error text must never reach the recipient")
		}
	}
}

func TestNormalizeState(t *testing.T) {
	cases := map[string]string{
		"success":    models.StatusDone,
		"SUCCESS":    models.StatusDone,
		" completed": models.StatusDone,
		"finished":   models.StatusDone,
		"failed":     models.StatusFailed,
		"Cancelled":  models.StatusFailed,
		"timeout":    models.StatusFailed,
		"running":    models.StatusRunning,
		"processing": models.StatusRunning,
		"":           models.StatusRunning,
		"weird":      models.StatusRunning,
	}
	for in, want := range cases {
		if got := NormalizeState(in); got != want {
			t.Errorf("NormalizeState(%q) = %q, want %q", in, got, want)
		}
	}
}
