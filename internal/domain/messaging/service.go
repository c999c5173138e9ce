package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/domain/scheduling"
)

// Directory resolves an actor to its live connection ids.
type Directory interface {
	Lookup(actorID string) []string
}

// Pusher queues one event on one connection and reports whether it was
// accepted.
type Pusher interface {
	SendTo(connID, event string, data any) bool
}

// Appointments resolves the two parties of an appointment.
type Appointments interface {
	Parties(ctx context.Context, appointmentID string) (patientID, providerID string, err error)
}

// Fanout pushes events to every live connection of an actor. Delivery is
// at most once: offline actors and full buffers lose the event.
type Fanout struct {
	dir    Directory
	push   Pusher
	logger zerolog.Logger
}

func NewFanout(dir Directory, push Pusher, logger zerolog.Logger) *Fanout {
	return &Fanout{dir: dir, push: push, logger: logger.With().Str("component", "fanout").Logger()}
}

// Notify returns how many connections accepted the event.
func (f *Fanout) Notify(_ context.Context, actorID, event string, payload any) int {
	if actorID == "" {
		return 0
	}
	conns := f.dir.Lookup(actorID)
	n := 0
	for _, id := range conns {
		if f.push.SendTo(id, event, payload) {
			n++
		}
	}
	if n < len(conns) {
		f.logger.Debug().Str("actor_id", actorID).Str("event", event).
			Int("connections", len(conns)).Int("delivered", n).Msg("partial delivery")
	}
	return n
}

const (
	DefaultBacklogLimit = 50
	MaxBacklogLimit     = 200
	DefaultHistoryLimit = 100
)

type Service struct {
	repo   Repository
	fanout *Fanout
	appts  Appointments
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(repo Repository, fanout *Fanout, appts Appointments, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		fanout: fanout,
		appts:  appts,
		now:    time.Now,
		logger: logger.With().Str("component", "messaging").Logger(),
	}
}

// Fanout exposes the live delivery path for callers that push ephemeral
// events.
func (s *Service) Fanout() *Fanout { return s.fanout }

// CreateNotification persists n and pushes it as newNotification. The
// returned count is the number of live connections reached.
func (s *Service) CreateNotification(ctx context.Context, n *Notification) (int, error) {
	if strings.TrimSpace(n.ActorID) == "" {
		return 0, ErrMissingActorID
	}
	if n.Kind == "" {
		n.Kind = KindSystem
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	if err := s.repo.InsertNotification(ctx, n); err != nil {
		return 0, fmt.Errorf("store notification: %w", err)
	}
	return s.fanout.Notify(ctx, n.ActorID, EventNewNotification, n), nil
}

// Backlog returns the actor's notifications, newest first. Either actorID or
// email selects rows; both may be given.
func (s *Service) Backlog(ctx context.Context, actorID, email string, unreadOnly bool, limit, offset int) ([]*Notification, error) {
	if actorID == "" && email == "" {
		return nil, ErrMissingActorID
	}
	if limit <= 0 {
		limit = DefaultBacklogLimit
	}
	if limit > MaxBacklogLimit {
		limit = MaxBacklogLimit
	}
	if offset < 0 {
		offset = 0
	}
	items, err := s.repo.ListNotifications(ctx, NotificationQuery{
		ActorID: actorID, Email: email, UnreadOnly: unreadOnly, Limit: limit, Offset: offset,
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Notification{}
	}
	return items, nil
}

func (s *Service) MarkRead(ctx context.Context, actorID string, ids []uuid.UUID) (int, error) {
	if actorID == "" {
		return 0, ErrMissingActorID
	}
	return s.repo.MarkRead(ctx, actorID, ids)
}

// resolveParties looks up an appointment. An unknown appointment has no
// parties, so it reads as ErrNotParticipant.
func resolveParties(ctx context.Context, appts Appointments, appointmentID string) (string, string, error) {
	patient, provider, err := appts.Parties(ctx, appointmentID)
	if errors.Is(err, scheduling.ErrAppointmentNotFound) {
		return "", "", ErrNotParticipant
	}
	if err != nil {
		return "", "", fmt.Errorf("resolve appointment: %w", err)
	}
	return patient, provider, nil
}

func (s *Service) parties(ctx context.Context, appointmentID uuid.UUID) (string, string, error) {
	return resolveParties(ctx, s.appts, appointmentID.String())
}

// checkParties verifies a and b are the patient and provider of the
// appointment, in either order.
func (s *Service) checkParties(ctx context.Context, appointmentID uuid.UUID, a, b string) error {
	patient, provider, err := s.parties(ctx, appointmentID)
	if err != nil {
		return err
	}
	if a == b {
		return ErrNotParticipant
	}
	if (a == patient && b == provider) || (a == provider && b == patient) {
		return nil
	}
	return ErrNotParticipant
}

// RelayChatMessage stores msg and delivers it to the recipient as receive.
// A rejected message is neither stored nor delivered. The count is what the
// sender's messageAck reports.
func (s *Service) RelayChatMessage(ctx context.Context, msg *ChatMessage) (int, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	if err := s.checkParties(ctx, msg.AppointmentID, msg.SenderID, msg.RecipientID); err != nil {
		return 0, err
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = s.now().UTC()
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("store message: %w", err)
	}
	n := s.fanout.Notify(ctx, msg.RecipientID, EventReceive, Received{Type: receiveType, Data: msg})
	if n == 0 {
		s.logger.Debug().Str("appointment_id", msg.AppointmentID.String()).
			Str("recipient_id", msg.RecipientID).Msg("chat message stored, recipient offline")
	}
	return n, nil
}

// History returns the appointment's chat for one of its two parties.
func (s *Service) History(ctx context.Context, appointmentID uuid.UUID, requesterID string, limit, offset int) ([]*ChatMessage, error) {
	patient, provider, err := s.parties(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if requesterID == "" || (requesterID != patient && requesterID != provider) {
		return nil, ErrNotParticipant
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	items, err := s.repo.ListMessages(ctx, appointmentID, limit, offset)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*ChatMessage{}
	}
	return items, nil
}

// Alert pushes a transient user_alert without storing it.
func (s *Service) Alert(ctx context.Context, actorID, kind string, data any) int {
	return s.fanout.Notify(ctx, actorID, EventUserAlert, Alert{Type: kind, Data: data})
}
