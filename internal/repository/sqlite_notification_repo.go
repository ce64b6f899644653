package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// SQLiteStore is the ScopeFactory backed by a modernc.org/sqlite database.
// created_at is stored as unix microseconds so ordering is numeric. That
// matches Postgres TIMESTAMPTZ precision and covers every year a producer
// timestamp can carry.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) NewScope(ctx context.Context) (Scope, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, domain.MarkPersistence(err, "open sqlite connection")
	}
	return &sqliteScope{conn: conn}, nil
}

type sqliteScope struct {
	conn *sql.Conn
}

func (s *sqliteScope) Save(ctx context.Context, n *domain.Notification) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, title, body, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, n.Title, n.Body, n.CreatedAt.UTC().UnixMicro(),
	)
	if err != nil {
		return domain.MarkPersistence(err, "insert notification")
	}
	return nil
}

func (s *sqliteScope) ListByUser(ctx context.Context, userID string) ([]*domain.Notification, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, user_id, title, body, created_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, domain.MarkPersistence(err, "list notifications")
	}
	defer rows.Close()

	result := make([]*domain.Notification, 0)
	for rows.Next() {
		var (
			n       domain.Notification
			created int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &created); err != nil {
			return nil, domain.MarkPersistence(err, "scan notification")
		}
		n.CreatedAt = time.UnixMicro(created).UTC()
		result = append(result, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.MarkPersistence(err, "iterate notifications")
	}
	return result, nil
}

func (s *sqliteScope) Release() {
	_ = s.conn.Close()
}

var _ ScopeFactory = (*SQLiteStore)(nil)
