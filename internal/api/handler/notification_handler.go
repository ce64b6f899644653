package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/notification-pipeline/internal/api/middleware"
	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/service"
)

// NotificationHandler exposes the registration facade over HTTP.
type NotificationHandler struct {
	svc    *service.NotificationService
	logger *zap.Logger
}

func NewNotificationHandler(svc *service.NotificationService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

// Register handles POST /api/v1/notifications
//
// The body uses the queue message format, so id and createdAt are optional.
//
// @Summary     Register a notification
// @Tags        notifications
// @Accept      json
// @Produce     json
// @Param       body  body      domain.Notification  true  "Notification payload"
// @Success     201   {object}  domain.Notification
// @Failure     400   {object}  map[string]string
// @Failure     422   {object}  map[string]string
// @Failure     503   {object}  map[string]string
// @Router      /api/v1/notifications [post]
func (h *NotificationHandler) Register(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	n, err := domain.DecodeNotification(body)
	if err == nil {
		err = h.svc.Register(r.Context(), n)
	}
	if err != nil {
		h.logger.Warn("register notification failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, n)
}

// ListForUser handles GET /api/v1/users/{userId}/notifications
//
// @Summary  List a user's notifications, newest first
// @Tags     notifications
// @Produce  json
// @Param    userId  path      string  true  "User id"
// @Success  200     {object}  map[string]any
// @Failure  400     {object}  map[string]string
// @Failure  404     {object}  map[string]string
// @Failure  503     {object}  map[string]string
// @Router   /api/v1/users/{userId}/notifications [get]
func (h *NotificationHandler) ListForUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	notifications, err := h.svc.ListForUser(r.Context(), userID)
	if err != nil {
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data":  notifications,
		"total": len(notifications),
	})
}
