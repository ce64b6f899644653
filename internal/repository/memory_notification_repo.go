package repository

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/notifyhub/notification-pipeline/internal/domain"
)

// MemoryStore is an in-memory ScopeFactory used by unit tests and by
// STORE_DRIVER=memory. Records are cloned on the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Notification
	byUser map[string][]*domain.Notification

	// Optional error overrides, set in tests to simulate failure paths.
	SaveErr  error
	ListErr  error
	ScopeErr error

	// SaveHook runs before every save and may block or fail it.
	SaveHook func(ctx context.Context, n *domain.Notification) error

	saveCalls     atomic.Int64
	scopesOpened  atomic.Int64
	openScopes    atomic.Int64
	maxOpenScopes atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*domain.Notification),
		byUser: make(map[string][]*domain.Notification),
	}
}

func (m *MemoryStore) NewScope(_ context.Context) (Scope, error) {
	if m.ScopeErr != nil {
		return nil, domain.MarkPersistence(m.ScopeErr, "open memory scope")
	}
	m.scopesOpened.Add(1)
	open := m.openScopes.Add(1)
	for {
		peak := m.maxOpenScopes.Load()
		if open <= peak || m.maxOpenScopes.CompareAndSwap(peak, open) {
			break
		}
	}
	return &memoryScope{store: m}, nil
}

func (m *MemoryStore) Save(ctx context.Context, n *domain.Notification) error {
	m.saveCalls.Add(1)
	if m.SaveHook != nil {
		if err := m.SaveHook(ctx, n); err != nil {
			return domain.MarkPersistence(err, "insert notification")
		}
	}
	if m.SaveErr != nil {
		return domain.MarkPersistence(m.SaveErr, "insert notification")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[n.ID]; exists {
		return nil
	}
	clone := *n
	clone.CreatedAt = clone.CreatedAt.UTC()
	m.byID[n.ID] = &clone
	m.byUser[n.UserID] = append(m.byUser[n.UserID], &clone)
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*domain.Notification, error) {
	if m.ListErr != nil {
		return nil, domain.MarkPersistence(m.ListErr, "list notifications")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.byUser[userID]
	result := make([]*domain.Notification, 0, len(records))
	for _, n := range records {
		clone := *n
		result = append(result, &clone)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// SaveCalls reports how many times Save was invoked, successful or not.
func (m *MemoryStore) SaveCalls() int { return int(m.saveCalls.Load()) }

// ScopesOpened reports how many scopes were handed out.
func (m *MemoryStore) ScopesOpened() int { return int(m.scopesOpened.Load()) }

// MaxOpenScopes reports the peak number of simultaneously open scopes.
func (m *MemoryStore) MaxOpenScopes() int { return int(m.maxOpenScopes.Load()) }

// OpenScopes reports the scopes currently not released.
func (m *MemoryStore) OpenScopes() int { return int(m.openScopes.Load()) }

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

type memoryScope struct {
	store    *MemoryStore
	released atomic.Bool
}

func (s *memoryScope) Save(ctx context.Context, n *domain.Notification) error {
	return s.store.Save(ctx, n)
}

func (s *memoryScope) ListByUser(ctx context.Context, userID string) ([]*domain.Notification, error) {
	return s.store.ListByUser(ctx, userID)
}

func (s *memoryScope) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.store.openScopes.Add(-1)
	}
}

var _ ScopeFactory = (*MemoryStore)(nil)
