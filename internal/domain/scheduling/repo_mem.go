package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type slotKey struct {
	providerID string
	date       Date
	time       string
}

// MemoryRepository keeps slots and appointments in process memory. It backs
// `serve --memory` and the package tests.
type MemoryRepository struct {
	mu sync.RWMutex
	// slots is in publish order.
	slots        []*Slot
	slotIndex    map[slotKey]*Slot
	appointments map[uuid.UUID]*Appointment
	// liveBookings maps a slot to its one non-cancelled appointment.
	liveBookings map[slotKey]uuid.UUID
	now          func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		slotIndex:    make(map[slotKey]*Slot),
		appointments: make(map[uuid.UUID]*Appointment),
		liveBookings: make(map[slotKey]uuid.UUID),
		now:          time.Now,
	}
}

func (m *MemoryRepository) ListSlots(_ context.Context, providerID string) ([]Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Slot
	for _, s := range m.slots {
		if s.ProviderID == providerID {
			out = append(out, *s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MemoryRepository) InsertSlots(_ context.Context, slots []Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[slotKey]bool, len(slots))
	for _, s := range slots {
		k := slotKey{s.ProviderID, s.Date, s.Time}
		if _, exists := m.slotIndex[k]; exists || seen[k] {
			return ErrDuplicateSlot
		}
		seen[k] = true
	}
	for _, s := range slots {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
		s.CreatedAt = m.now()
		m.slots = append(m.slots, &s)
		m.slotIndex[slotKey{s.ProviderID, s.Date, s.Time}] = &s
	}
	return nil
}

func (m *MemoryRepository) GetSlot(_ context.Context, providerID string, date Date, t string) (Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slotIndex[slotKey{providerID, date, t}]
	if !ok {
		return Slot{}, ErrSlotNotFound
	}
	return *s, nil
}

func (m *MemoryRepository) BookSlot(_ context.Context, appt *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := slotKey{appt.ProviderID, appt.Date, appt.Time}
	slot, ok := m.slotIndex[k]
	if !ok {
		return ErrSlotNotFound
	}
	if _, live := m.liveBookings[k]; live || slot.Booked {
		return ErrSlotTaken
	}

	now := m.now()
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	appt.Status = StatusBooked
	appt.CreatedAt = now
	appt.UpdatedAt = now

	stored := *appt
	slot.Booked = true
	m.appointments[appt.ID] = &stored
	m.liveBookings[k] = appt.ID
	return nil
}

func (m *MemoryRepository) CancelAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	appt, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if appt.Status != StatusBooked {
		return nil, ErrNotCancellable
	}

	appt.Status = StatusCancelled
	appt.UpdatedAt = m.now()

	k := slotKey{appt.ProviderID, appt.Date, appt.Time}
	delete(m.liveBookings, k)
	if slot, ok := m.slotIndex[k]; ok {
		slot.Booked = false
	}
	out := *appt
	return &out, nil
}

func (m *MemoryRepository) CompleteAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	appt, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if appt.Status != StatusBooked {
		return nil, ErrNotCancellable
	}
	appt.Status = StatusCompleted
	appt.UpdatedAt = m.now()
	out := *appt
	return &out, nil
}

func (m *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	appt, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *appt
	return &out, nil
}

func (m *MemoryRepository) ListAppointments(_ context.Context, f AppointmentFilter) ([]*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Appointment
	for _, appt := range m.appointments {
		if f.ActorID != "" && !appt.HasParty(f.ActorID) {
			continue
		}
		if f.Status != "" && appt.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && appt.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && appt.Date.After(f.To) {
			continue
		}
		out := *appt
		results = append(results, &out)
	}

	sort.Slice(results, func(i, j int) bool {
		if c := results[i].Date.Compare(results[j].Date); c != 0 {
			return c < 0
		}
		if results[i].Time != results[j].Time {
			return results[i].Time < results[j].Time
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(results) {
			return nil, nil
		}
		results = results[f.Offset:]
	}
	if f.Limit > 0 && len(results) > f.Limit {
		results = results[:f.Limit]
	}
	return results, nil
}

func (m *MemoryRepository) Providers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, s := range m.slots {
		if !seen[s.ProviderID] {
			seen[s.ProviderID] = true
			out = append(out, s.ProviderID)
		}
	}
	sort.Strings(out)
	return out, nil
}
