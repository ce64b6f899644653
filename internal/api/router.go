package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/api/handler"
	apimw "github.com/notifyhub/notification-pipeline/internal/api/middleware"
	"github.com/notifyhub/notification-pipeline/internal/metrics"
	"github.com/notifyhub/notification-pipeline/internal/service"
)

const maxRequestBody = 1 << 20

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
// q may be nil when the broker cannot report its depth. When q also accepts
// messages, POST /api/v1/queue/messages is registered for local producers.
func NewRouter(
	svc *service.NotificationService,
	q handler.QueueInspector,
	m *metrics.Metrics,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)                   // recover panics, return 500
	r.Use(chimw.RealIP)                      // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(maxRequestBody)) // 1 MB max request body
	r.Use(apimw.CorrelationID)               // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	nh := handler.NewNotificationHandler(svc, logger)
	mh := handler.NewMetricsHandler(q, m)
	hh := handler.NewHealthHandler(svc, logger)

	// --- routes ---
	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/notifications", nh.Register)
		r.Get("/users/{userId}/notifications", nh.ListForUser)

		// JSON metrics snapshot
		r.Get("/metrics", mh.GetMetrics)

		if p, ok := q.(handler.QueueProducer); ok {
			r.Post("/queue/messages", handler.NewQueueHandler(p, logger).Enqueue)
		}
	})

	return r
}
