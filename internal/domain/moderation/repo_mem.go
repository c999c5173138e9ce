package moderation

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record), now: time.Now}
}

func (m *MemoryRepository) SetBlocked(_ context.Context, c Change) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.records[c.ActorID]
	if cur.Blocked == c.Blocked {
		return false, nil
	}
	m.records[c.ActorID] = Record{
		ActorID:   c.ActorID,
		Blocked:   c.Blocked,
		Reason:    c.Reason,
		UpdatedBy: c.By,
		UpdatedAt: m.now().UTC(),
	}
	return true, nil
}

func (m *MemoryRepository) Get(_ context.Context, actorID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[actorID]; ok {
		return r, nil
	}
	return Record{ActorID: actorID}, nil
}

func (m *MemoryRepository) ListBlocked(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, r := range m.records {
		if r.Blocked {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
