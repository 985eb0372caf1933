package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/models"
)

type MemoryNotificationStore struct {
	mu    sync.RWMutex
	items map[string]*models.Notification
}

func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{items: make(map[string]*models.Notification)}
}

func (m *MemoryNotificationStore) Create(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[n.ID] = cloneNotification(n)
	return nil
}

func (m *MemoryNotificationStore) CreateMany(_ context.Context, ns []*models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range ns {
		m.items[n.ID] = cloneNotification(n)
	}
	return nil
}

func (m *MemoryNotificationStore) Get(_ context.Context, id string) (*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNotification(n), nil
}

func (m *MemoryNotificationStore) List(_ context.Context, f NotificationFilter) ([]models.Notification, error) {
	m.mu.RLock()
	out := make([]models.Notification, 0)
	for _, n := range m.items {
		if f.UserID != "" && n.UserID != f.UserID {
			continue
		}
		if f.Type != "" && n.Type != f.Type {
			continue
		}
		out = append(out, *cloneNotification(n))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []models.Notification{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryNotificationStore) Count(_ context.Context, userID string, unreadOnly bool) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c int64
	for _, n := range m.items {
		if n.UserID != userID {
			continue
		}
		if unreadOnly && !n.Unread() {
			continue
		}
		c++
	}
	return c, nil
}

func (m *MemoryNotificationStore) Replace(_ context.Context, n *models.Notification, prev models.NotificationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.items[n.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != prev {
		return ErrStale
	}
	m.items[n.ID] = cloneNotification(n)
	return nil
}

func (m *MemoryNotificationStore) MarkAllRead(_ context.Context, userID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c int64
	for _, n := range m.items {
		if n.UserID != userID || !n.Unread() {
			continue
		}
		if err := n.Transition(models.NotificationRead, now); err != nil {
			continue
		}
		c++
	}
	return c, nil
}

func (m *MemoryNotificationStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryNotificationStore) DeleteByUser(_ context.Context, userID string) (int64, error) {
	return m.deleteWhere(func(n *models.Notification) bool { return n.UserID == userID }), nil
}

func (m *MemoryNotificationStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	return m.deleteWhere(func(n *models.Notification) bool {
		return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
	}), nil
}

func (m *MemoryNotificationStore) DeleteReadBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return m.deleteWhere(func(n *models.Notification) bool {
		return n.Status == models.NotificationRead && n.CreatedAt.Before(cutoff)
	}), nil
}

func (m *MemoryNotificationStore) deleteWhere(match func(*models.Notification) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c int64
	for id, n := range m.items {
		if match(n) {
			delete(m.items, id)
			c++
		}
	}
	return c
}

func cloneNotification(n *models.Notification) *models.Notification {
	c := *n
	if n.Data != nil {
		c.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	return &c
}
