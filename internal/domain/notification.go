package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Column bounds mirrored by the migrations, counted in characters.
const (
	MaxIDLength     = 50
	MaxUserIDLength = 20
	MaxTitleLength  = 100
	MaxBodyLength   = 500
)

// Notification is the persisted entity. It references its user by id only;
// the pipeline never loads or mutates the user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the required-field and length invariants. It is applied
// both on queue decode and on direct registration.
func (n *Notification) Validate() error {
	if n == nil {
		return InvalidArgument(ErrNilNotification)
	}
	if utf8.RuneCountInString(n.ID) > MaxIDLength {
		return InvalidArgument(ErrInvalidID)
	}
	if strings.TrimSpace(n.UserID) == "" || utf8.RuneCountInString(n.UserID) > MaxUserIDLength {
		return InvalidArgument(ErrInvalidUserID)
	}
	if strings.TrimSpace(n.Title) == "" || utf8.RuneCountInString(n.Title) > MaxTitleLength {
		return InvalidArgument(ErrInvalidTitle)
	}
	if strings.TrimSpace(n.Body) == "" || utf8.RuneCountInString(n.Body) > MaxBodyLength {
		return InvalidArgument(ErrInvalidBody)
	}
	return nil
}

// Normalize fills the ingestion defaults: a zero CreatedAt becomes now and
// every timestamp is stored in UTC.
func (n *Notification) Normalize(now time.Time) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.CreatedAt = n.CreatedAt.UTC()
}
