package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository keeps notifications and chat in process memory.
type MemoryRepository struct {
	mu            sync.RWMutex
	notifications []*Notification
	messages      map[uuid.UUID][]*ChatMessage
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{messages: make(map[uuid.UUID][]*ChatMessage)}
}

func (m *MemoryRepository) InsertNotification(_ context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

func (q NotificationQuery) matches(n *Notification) bool {
	if q.UnreadOnly && n.Read {
		return false
	}
	if q.ActorID != "" && n.ActorID == q.ActorID {
		return true
	}
	return q.Email != "" && strings.EqualFold(n.ActorEmail, q.Email)
}

func (m *MemoryRepository) ListNotifications(_ context.Context, q NotificationQuery) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Notification
	for _, n := range m.notifications {
		if q.matches(n) {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, q.Limit, q.Offset), nil
}

func (m *MemoryRepository) MarkRead(_ context.Context, actorID string, ids []uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	n := 0
	for _, notif := range m.notifications {
		if notif.ActorID != actorID || notif.Read {
			continue
		}
		if len(ids) > 0 && !want[notif.ID] {
			continue
		}
		notif.Read = true
		n++
	}
	return n, nil
}

func (m *MemoryRepository) InsertMessage(_ context.Context, msg *ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	cp := *msg
	if msg.File != nil {
		f := *msg.File
		cp.File = &f
	}
	m.messages[msg.AppointmentID] = append(m.messages[msg.AppointmentID], &cp)
	return nil
}

func (m *MemoryRepository) ListMessages(_ context.Context, appointmentID uuid.UUID, limit, offset int) ([]*ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.messages[appointmentID]
	out := make([]*ChatMessage, len(src))
	for i, msg := range src {
		cp := *msg
		out[i] = &cp
	}
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
