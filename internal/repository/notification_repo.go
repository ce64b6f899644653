package repository

import (
	"context"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// NotificationRepository is the persistence contract for notification records.
// The pgx implementation is in pg_notification_repo.go, the SQLite one in
// sqlite_notification_repo.go. Tests use the in-memory store (memory_notification_repo.go).
type NotificationRepository interface {
	// Save appends one record. A record whose id already exists is left
	// untouched and Save reports success, so redelivered messages do not
	// create duplicates. Failures are marked as domain.ErrPersistence.
	Save(ctx context.Context, n *domain.Notification) error

	// ListByUser returns the user's records ordered by CreatedAt descending,
	// with timestamps in UTC. No records is an empty slice, not an error.
	ListByUser(ctx context.Context, userID string) ([]*domain.Notification, error)
}

// Scope is a store handle owned by exactly one unit of work. It must be
// released when that work finishes and never shared between goroutines.
type Scope interface {
	NotificationRepository
	Release()
}

// ScopeFactory hands out a fresh Scope per message or per facade call.
type ScopeFactory interface {
	NewScope(ctx context.Context) (Scope, error)
}
