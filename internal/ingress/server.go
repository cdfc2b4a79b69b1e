package ingress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"webhook-relay/internal/models"
	"webhook-relay/internal/queue"
	"webhook-relay/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// RoleSource reports the current instance role for health output.
type RoleSource interface {
	Role() string
}

// HeartbeatSource reports the shared lock heartbeat age.
type HeartbeatSource interface {
	HeartbeatAge(ctx context.Context) (time.Duration, bool, error)
}

// Notifier handles provider completion notifications.
type Notifier interface {
	HandleNotification(ctx context.Context, taskID, state string, raw []byte) error
}

// Server is the inbound HTTP surface. Webhook endpoints fast-ack with 200
// unconditionally — a non-200 would only trigger the upstream's retry storm.
type Server struct {
	q               *queue.Queue
	roles           RoleSource
	heartbeat       HeartbeatSource
	notifier        Notifier
	callbackTimeout time.Duration
	log             *zap.Logger
	wg              sync.WaitGroup
}

// NewServer wires the ingress HTTP server.
func NewServer(q *queue.Queue, roles RoleSource, heartbeat HeartbeatSource, notifier Notifier, callbackTimeout time.Duration, log *zap.Logger) *Server {
	if callbackTimeout <= 0 {
		callbackTimeout = 30 * time.Second
	}
	return &Server{
		q:               q,
		roles:           roles,
		heartbeat:       heartbeat,
		notifier:        notifier,
		callbackTimeout: callbackTimeout,
		log:             log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())
	r.Post("/webhook/events", s.handleEvent)
	r.Post("/webhook/provider", s.handleProviderCallback)
	return r
}

// Wait blocks until in-flight callback handlers finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		// Best effort: the event still gets an id and an ack.
		s.log.Warn("unparseable event body", zap.Error(err), zap.Int("bytes", len(body)))
	}

	ev := models.InboundEvent{
		EventID:    eventID(payload, r),
		Kind:       payloadString(payload, "kind", "type", "event"),
		Recipient:  payloadString(payload, "recipient", "chat_id", "user_id", "from"),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	telemetry.EventsReceived.Inc()
	if !s.q.Enqueue(ev) {
		s.log.Warn("queue full, event dropped", zap.String("event_id", ev.EventID))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleProviderCallback acks immediately and hands the notification to a
// tracked background handler; the delivery lock, not this endpoint, decides
// who ultimately sends.
func (s *Server) handleProviderCallback(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))

	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	taskID, recordID, debug := ExtractTaskID(payload, r.URL.Query(), r.Header)
	state := payloadString(payload, "state", "status")
	log := s.log.With(zap.String("task_id", taskID), zap.String("record_id", recordID))
	if taskID == "" {
		log.Warn("callback without task id", zap.Strings("probed", debug))
	} else {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), s.callbackTimeout)
			defer cancel()
			if err := s.notifier.HandleNotification(ctx, taskID, state, body); err != nil {
				log.Error("notification handling failed", zap.Error(err))
			}
		}()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// healthResponse is a flat JSON object with plain numeric types only.
type healthResponse struct {
	Role                string  `json:"role"`
	QueueDepth          int     `json:"queue_depth"`
	HeartbeatAgeSeconds float64 `json:"heartbeat_age_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Role:                s.roles.Role(),
		QueueDepth:          s.q.Depth(),
		HeartbeatAgeSeconds: -1,
	}
	if age, ok, err := s.heartbeat.HeartbeatAge(r.Context()); err != nil {
		s.log.Warn("heartbeat age lookup failed", zap.Error(err))
	} else if ok {
		resp.HeartbeatAgeSeconds = age.Seconds()
		telemetry.HeartbeatAge.Set(age.Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

func eventID(payload map[string]any, r *http.Request) string {
	for _, key := range []string{"event_id", "eventId", "update_id", "id"} {
		if v, ok := stringify(payload[key]); ok {
			return v
		}
	}
	if v := r.Header.Get("X-Event-Id"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("event_id"); v != "" {
		return v
	}
	// No provider-assigned id; a generated one keeps dedup coherent within
	// this delivery attempt while upstream retries carry their own ids.
	return uuid.New().String()
}

func payloadString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := stringify(payload[key]); ok {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
