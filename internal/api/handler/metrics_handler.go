package handler

import (
	"net/http"

	"github.com/notifyhub/notification-pipeline/internal/metrics"
)

// QueueInspector is implemented by brokers that can report their own depth.
// Only the in-process queue does; for RabbitMQ use the broker's management API.
type QueueInspector interface {
	Depths() (ready, locked int)
}

// MetricsHandler serves a human-readable JSON queue snapshot.
// Raw Prometheus metrics (counters, histograms) are available at /metrics
// via promhttp.Handler and are separate from this endpoint.
type MetricsHandler struct {
	q QueueInspector
	m *metrics.Metrics
}

// NewMetricsHandler accepts a nil inspector.
func NewMetricsHandler(q QueueInspector, m *metrics.Metrics) *MetricsHandler {
	return &MetricsHandler{q: q, m: m}
}

// GetMetrics handles GET /api/v1/metrics
//
// @Summary  Real-time queue depth snapshot
// @Tags     metrics
// @Produce  json
// @Success  200  {object}  map[string]any
// @Router   /api/v1/metrics [get]
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if h.q == nil {
		respondJSON(w, http.StatusOK, map[string]any{"queue_depth": nil})
		return
	}

	ready, locked := h.q.Depths()
	if h.m != nil {
		h.m.ObserveQueueDepth(ready, locked)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"queue_depth": map[string]int{
			"ready":  ready,
			"locked": locked,
			"total":  ready + locked,
		},
	})
}
