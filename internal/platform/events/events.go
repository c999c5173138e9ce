// Package events publishes appointment and moderation domain events to
// downstream consumers (billing, analytics, the mailer). Delivery is
// best effort: a failed publish is logged and never fails the request that
// produced the event.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Type string

const (
	AppointmentBooked    Type = "appointment.booked"
	AppointmentCancelled Type = "appointment.cancelled"
	AppointmentCompleted Type = "appointment.completed"
	ActorBlockChanged    Type = "actor.block_changed"
)

// Event is the envelope written to the stream. Key selects the partition so
// all events of one appointment (or actor) stay ordered.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// New builds an event with a fresh id. Data must marshal to JSON.
func New(typ Type, key string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher writes events to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info().
		Str("event_id", e.ID).
		Str("type", string(e.Type)).
		Str("key", e.Key).
		RawJSON("data", e.Data).
		Msg("domain event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// MemoryPublisher records events in order.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *MemoryPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
