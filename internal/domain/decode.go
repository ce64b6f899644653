package domain

import (
	"bytes"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Timestamps without an offset are read as UTC.
var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

// wireNotification is the queue body shape. CreatedAt stays a string so that
// offset-less producer timestamps can be accepted.
type wireNotification struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// DecodeNotification turns a queue body into a validated Notification.
// Every failure is a *DecodeError. A missing createdAt is left zero so the
// caller can stamp the ingestion time.
func DecodeNotification(body []byte) (*Notification, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, NewDecodeError(errors.New("body is not a JSON object"))
	}

	var w wireNotification
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, NewDecodeError(err)
	}

	n := &Notification{
		ID:     w.ID,
		UserID: w.UserID,
		Title:  w.Title,
		Body:   w.Body,
	}

	if w.CreatedAt != "" {
		createdAt, err := parseCreatedAt(w.CreatedAt)
		if err != nil {
			return nil, NewDecodeError(err)
		}
		n.CreatedAt = createdAt
	}

	if err := n.Validate(); err != nil {
		return nil, NewDecodeError(err)
	}
	return n, nil
}

// EncodeNotification is the producer-side counterpart of DecodeNotification.
func EncodeNotification(n *Notification) ([]byte, error) {
	w := wireNotification{
		ID:     n.ID,
		UserID: n.UserID,
		Title:  n.Title,
		Body:   n.Body,
	}
	if !n.CreatedAt.IsZero() {
		w.CreatedAt = n.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

func parseCreatedAt(s string) (time.Time, error) {
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("createdAt %q is not a recognised timestamp", s)
}
