package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists slots and appointments. BookSlot and CancelAppointment
// must be atomic: the slot's booked flag and the appointment row change
// together or not at all.
type Repository interface {
	// ListSlots returns every slot of the provider ordered by date, then
	// publish order.
	ListSlots(ctx context.Context, providerID string) ([]Slot, error)
	// InsertSlots stores all slots or none; ErrDuplicateSlot when any
	// (provider, date, time) already exists.
	InsertSlots(ctx context.Context, slots []Slot) error
	GetSlot(ctx context.Context, providerID string, date Date, time string) (Slot, error)

	// BookSlot flips the slot from free to booked and inserts appt.
	// ErrSlotTaken when the slot is already booked or a live appointment
	// holds it; ErrSlotNotFound when it was never published.
	BookSlot(ctx context.Context, appt *Appointment) error
	// CancelAppointment marks a booked appointment cancelled and frees its
	// slot. ErrNotCancellable when it is not in the booked state.
	CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	CompleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]*Appointment, error)
	// Providers lists provider ids that have published slots.
	Providers(ctx context.Context) ([]string, error)
}
