package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsReceived   = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_events_received_total", Help: "Inbound webhook events accepted"})
	EventsDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_events_dropped_total", Help: "Events dropped because the queue was full"})
	DedupSkips       = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_dedup_skips_total", Help: "Events skipped as already processed"})
	PassiveDrops     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_passive_drops_total", Help: "Events dropped while the instance was passive"})
	NoticesSent      = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_notices_sent_total", Help: "Service-updating notices sent to recipients"})
	DeliveriesOK     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_deliveries_total", Help: "Successful result deliveries"})
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_delivery_failures_total", Help: "Failed delivery attempts (lock released for retry)"})
	LockSkips        = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_delivery_lock_skips_total", Help: "Delivery attempts that lost the delivery-lock race"})
	OrphansMatched   = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_orphans_matched_total", Help: "Orphan notifications matched to jobs"})
	DispatchLatency  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "relay_dispatch_seconds", Help: "Total processing latency per event", Buckets: prometheus.DefBuckets})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_queue_depth", Help: "In-memory event queue depth"})
	HeartbeatAge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_heartbeat_age_seconds", Help: "Age of the shared lock heartbeat"})
	OrphansPending   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_orphans_pending", Help: "Unmatched orphan notifications, including ones past the sweep ceiling"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsReceived,
			EventsDropped,
			DedupSkips,
			PassiveDrops,
			NoticesSent,
			DeliveriesOK,
			DeliveryFailures,
			LockSkips,
			OrphansMatched,
			DispatchLatency,
			QueueDepthGauge,
			HeartbeatAge,
			OrphansPending,
		)
	})
	return promhttp.Handler()
}
