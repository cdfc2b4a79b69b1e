package queue

import (
	"webhook-relay/internal/models"
	"webhook-relay/internal/telemetry"
)

// Queue is the bounded in-memory buffer between ingress and the worker pool.
// It is process-local on purpose: the single-active-instance lock already
// guarantees one consumer, so a shared queue would only reintroduce the
// cross-instance races the lock exists to prevent.
type Queue struct {
	ch chan models.InboundEvent
}

// New builds a queue with the given capacity.
func New(size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{ch: make(chan models.InboundEvent, size)}
}

// Enqueue adds an event without ever blocking on business logic. A full
// queue drops the event; upstream retries redeliver the webhook.
func (q *Queue) Enqueue(ev models.InboundEvent) bool {
	select {
	case q.ch <- ev:
		telemetry.QueueDepthGauge.Set(float64(len(q.ch)))
		return true
	default:
		telemetry.EventsDropped.Inc()
		return false
	}
}

// Depth reports the current number of buffered events.
func (q *Queue) Depth() int {
	return len(q.ch)
}

func (q *Queue) events() <-chan models.InboundEvent {
	return q.ch
}
