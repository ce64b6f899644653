package handler

import (
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/notification-pipeline/internal/api/middleware"
	"github.com/notifyhub/notification-pipeline/internal/broker"
	"github.com/notifyhub/notification-pipeline/internal/broker/memory"
)

// QueueProducer is implemented by the in-process broker. With RabbitMQ,
// producers publish to the broker directly.
type QueueProducer interface {
	Send(body []byte) (string, error)
}

// QueueHandler lets local tooling drop raw messages onto the in-process queue.
type QueueHandler struct {
	q      QueueProducer
	logger *zap.Logger
}

func NewQueueHandler(q QueueProducer, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{q: q, logger: logger}
}

// Enqueue handles POST /api/v1/queue/messages
//
// The body is enqueued as-is. It is not validated here, so malformed
// payloads exercise the consumer's dead-letter path.
//
// @Summary  Enqueue a raw message on the in-process queue
// @Tags     queue
// @Accept   json
// @Produce  json
// @Success  202  {object}  map[string]string
// @Failure  400  {object}  map[string]string
// @Failure  503  {object}  map[string]string
// @Router   /api/v1/queue/messages [post]
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		respondError(w, http.StatusBadRequest, "request body is required")
		return
	}

	id, err := h.q.Send(body)
	if err != nil {
		h.logger.Warn("enqueue failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		switch {
		case errors.Is(err, memory.ErrQueueFull), errors.Is(err, broker.ErrClosed):
			respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"message_id": id})
}
