package repository

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// pgQuerier is satisfied by both *pgxpool.Pool and *pgxpool.Conn.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore is the ScopeFactory backed by a pgx pool. Each scope holds
// one acquired connection for its lifetime.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) NewScope(ctx context.Context) (Scope, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, domain.MarkPersistence(err, "acquire connection")
	}
	return &pgScope{conn: conn}, nil
}

type pgScope struct {
	conn *pgxpool.Conn
}

func (s *pgScope) Save(ctx context.Context, n *domain.Notification) error {
	return pgSave(ctx, s.conn, n)
}

func (s *pgScope) ListByUser(ctx context.Context, userID string) ([]*domain.Notification, error) {
	return pgListByUser(ctx, s.conn, userID)
}

func (s *pgScope) Release() {
	s.conn.Release()
}

func pgSave(ctx context.Context, q pgQuerier, n *domain.Notification) error {
	_, err := q.Exec(ctx, `
		INSERT INTO notifications (id, user_id, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, n.Title, n.Body, n.CreatedAt.UTC(),
	)
	if err != nil {
		return domain.MarkPersistence(err, "insert notification"+pgErrorSuffix(err))
	}
	return nil
}

func pgListByUser(ctx context.Context, q pgQuerier, userID string) ([]*domain.Notification, error) {
	rows, err := q.Query(ctx, `
		SELECT id, user_id, title, body, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, domain.MarkPersistence(err, "list notifications"+pgErrorSuffix(err))
	}
	defer rows.Close()

	result := make([]*domain.Notification, 0)
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.CreatedAt); err != nil {
			return nil, domain.MarkPersistence(err, "scan notification")
		}
		n.CreatedAt = n.CreatedAt.UTC()
		result = append(result, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.MarkPersistence(err, "iterate notifications")
	}
	return result, nil
}

// pgErrorSuffix labels server errors a redelivery is likely to get past.
func pgErrorSuffix(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return ""
	}
	switch {
	case pgErr.Code == "40001":
		return " (serialization failure)"
	case pgErr.Code == "40P01":
		return " (deadlock)"
	case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
		return fmt.Sprintf(" (connection exception %s)", pgErr.Code)
	default:
		return fmt.Sprintf(" (sqlstate %s)", pgErr.Code)
	}
}

var _ ScopeFactory = (*PostgresStore)(nil)
