package models

import (
	"time"
)

// Job statuses persisted in Postgres.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Job is a generation request tracked from submission through delivery.
// The row is created before the provider call, so a completion notification
// can never reference a job we have no record of on the happy path.
type Job struct {
	ID             string         `json:"id"`
	ExternalTaskID *string        `json:"external_task_id,omitempty"`
	Recipient      string         `json:"recipient"`
	Kind           string         `json:"kind"`
	Spec           map[string]any `json:"spec"`
	Status         string         `json:"status"`
	ResultPayload  *string        `json:"result_payload,omitempty"`
	FailureReason  *string        `json:"failure_reason,omitempty"`
	ArtifactURL    *string        `json:"artifact_url,omitempty"`
	DeliveringAt   *time.Time     `json:"delivering_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Terminal reports whether the job has reached done or failed.
func (j Job) Terminal() bool {
	return j.Status == StatusDone || j.Status == StatusFailed
}

// InboundEvent is a webhook event in flight between ingress and a worker.
type InboundEvent struct {
	EventID    string
	Kind       string
	Recipient  string
	Payload    map[string]any
	ReceivedAt time.Time
	Attempts   int
}

// OrphanNotification is a provider completion that referenced a task id with
// no matching job at arrival time. Rows are swept by the reconciler and never
// silently deleted.
type OrphanNotification struct {
	ID             int64
	ExternalTaskID string
	State          string
	RawPayload     []byte
	ReceivedAt     time.Time
	MatchedJobID   *string
}

// LockHeartbeat is the single shared row arbitrating which instance is ACTIVE.
type LockHeartbeat struct {
	Namespace       string
	HolderID        string
	AcquiredAt      time.Time
	LastHeartbeatAt time.Time
}
