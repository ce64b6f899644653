package service

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/notification-pipeline/internal/domain"
	"github.com/notifyhub/notification-pipeline/internal/repository"
)

// NotificationService is the registration facade. The HTTP handlers and the
// queue dispatcher both go through it; every call opens its own store scope.
type NotificationService struct {
	scopes repository.ScopeFactory
	logger *zap.Logger
}

func NewNotificationService(scopes repository.ScopeFactory, logger *zap.Logger) *NotificationService {
	return &NotificationService{scopes: scopes, logger: logger}
}

// Register validates n, fills the ingestion defaults and persists it. Store
// failures are returned unchanged (marked domain.ErrPersistence).
//
// A notification without an id is given a UUID; one whose id is already
// stored is accepted without writing a second record.
func (s *NotificationService) Register(ctx context.Context, n *domain.Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	n.Normalize(time.Now())
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	scope, err := s.scopes.NewScope(ctx)
	if err != nil {
		return err
	}
	defer scope.Release()

	if err := scope.Save(ctx, n); err != nil {
		return err
	}

	s.logger.Debug("notification registered",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
	)
	return nil
}

// ListForUser returns the user's notifications, newest first. A blank userID
// is ErrEmptyUserID; a user with no notifications is ErrNotFound.
func (s *NotificationService) ListForUser(ctx context.Context, userID string) ([]*domain.Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.InvalidArgument(domain.ErrEmptyUserID)
	}

	scope, err := s.scopes.NewScope(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Release()

	notifications, err := scope.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(notifications) == 0 {
		return nil, errors.Mark(errors.Newf("no notifications found for user %q", userID), domain.ErrNotFound)
	}
	return notifications, nil
}

// Ping opens and releases one store scope. Readiness probes use it.
func (s *NotificationService) Ping(ctx context.Context) error {
	scope, err := s.scopes.NewScope(ctx)
	if err != nil {
		return err
	}
	scope.Release()
	return nil
}
