package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/domain/messaging"
	"github.com/careportal/careportal/internal/domain/moderation"
	"github.com/careportal/careportal/internal/domain/presence"
	"github.com/careportal/careportal/internal/domain/scheduling"
	"github.com/careportal/careportal/internal/platform/events"
	"github.com/careportal/careportal/internal/platform/jobs"
	"github.com/careportal/careportal/internal/platform/notification"
	"github.com/careportal/careportal/pkg/actor"
)

// Broadcaster pushes an event to every connection subscribed to a topic.
type Broadcaster interface {
	Broadcast(topic, event string, data any) int
}

// SlotsUpdated tells watchers of a provider that a slot changed state.
type SlotsUpdated struct {
	ProviderID string `json:"providerId"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	IsBooked   bool   `json:"is_booked"`
}

// appointmentNote is the data attached to appointment notifications and
// alerts.
type appointmentNote struct {
	AppointmentID string `json:"appointmentId"`
	ProviderID    string `json:"providerId"`
	PatientID     string `json:"patientId"`
	PatientName   string `json:"patientName,omitempty"`
	Date          string `json:"date"`
	Time          string `json:"time"`
	By            string `json:"by,omitempty"`
}

func noteOf(a scheduling.Appointment) appointmentNote {
	return appointmentNote{
		AppointmentID: a.ID.String(),
		ProviderID:    a.ProviderID,
		PatientID:     a.Patient.ID,
		PatientName:   a.Patient.Name,
		Date:          a.Date.String(),
		Time:          a.Time,
	}
}

// Observer turns committed appointment changes into notifications, slot
// updates, stream events and outbound email/SMS. Notifier may be nil.
type Observer struct {
	messaging *messaging.Service
	slots     Broadcaster
	invites   *messaging.Invites
	events    events.Publisher
	notifier  jobs.Sender
	logger    zerolog.Logger

	wg sync.WaitGroup
}

func NewObserver(msg *messaging.Service, slots Broadcaster, invites *messaging.Invites, pub events.Publisher, notifier jobs.Sender, logger zerolog.Logger) *Observer {
	return &Observer{
		messaging: msg,
		slots:     slots,
		invites:   invites,
		events:    pub,
		notifier:  notifier,
		logger:    logger.With().Str("component", "appointment_observer").Logger(),
	}
}

var _ scheduling.Observer = (*Observer)(nil)

func (o *Observer) AppointmentBooked(ctx context.Context, a scheduling.Appointment) {
	o.notify(ctx, a.ProviderID, messaging.KindAppointmentBooked,
		fmt.Sprintf("New appointment on %s at %s", a.Date, a.Time), noteOf(a))
	o.slots.Broadcast(ProviderTopic(a.ProviderID), EventSlotsUpdated, SlotsUpdated{
		ProviderID: a.ProviderID, Date: a.Date.String(), Time: a.Time, IsBooked: true,
	})
	o.publish(ctx, events.AppointmentBooked, a)
	o.deliver(ctx, a, notification.TplAppointmentBooked, notification.TplBookedSMS)
}

// AppointmentCancelled tells the other party, or both parties when an admin
// cancelled, and withdraws any pending consultation invite.
func (o *Observer) AppointmentCancelled(ctx context.Context, a scheduling.Appointment, by actor.Actor) {
	recipients := []string{a.OtherParty(by.ID)}
	if !a.HasParty(by.ID) {
		recipients = []string{a.Patient.ID, a.ProviderID}
	}
	note := noteOf(a)
	note.By = by.ID
	for _, id := range recipients {
		o.notify(ctx, id, messaging.KindAppointmentCancelled,
			fmt.Sprintf("Appointment on %s at %s was cancelled", a.Date, a.Time), note)
		o.messaging.Alert(ctx, id, messaging.KindAppointmentCancelled, note)
	}
	if o.invites != nil {
		o.invites.Drop(a.ID.String())
	}
	o.slots.Broadcast(ProviderTopic(a.ProviderID), EventSlotsUpdated, SlotsUpdated{
		ProviderID: a.ProviderID, Date: a.Date.String(), Time: a.Time,
	})
	o.publish(ctx, events.AppointmentCancelled, a)
	o.deliver(ctx, a, notification.TplAppointmentCancelled, "")
}

func (o *Observer) AppointmentCompleted(ctx context.Context, a scheduling.Appointment) {
	o.notify(ctx, a.Patient.ID, messaging.KindAppointmentCompleted,
		fmt.Sprintf("Your appointment on %s at %s is complete", a.Date, a.Time), noteOf(a))
	o.publish(ctx, events.AppointmentCompleted, a)
}

func (o *Observer) notify(ctx context.Context, actorID, kind, message string, data any) {
	if actorID == "" {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		o.logger.Error().Err(err).Msg("encode notification data")
		return
	}
	n := &messaging.Notification{ActorID: actorID, Kind: kind, Message: message, Data: raw}
	if _, err := o.messaging.CreateNotification(ctx, n); err != nil {
		o.logger.Error().Err(err).Str("actor_id", actorID).Str("kind", kind).Msg("notification not stored")
	}
}

func (o *Observer) publish(ctx context.Context, typ events.Type, a scheduling.Appointment) {
	if o.events == nil {
		return
	}
	e, err := events.New(typ, a.ID.String(), a)
	if err == nil {
		err = o.events.Publish(ctx, e)
	}
	if err != nil {
		o.logger.Warn().Err(err).Str("type", string(typ)).Str("appointment_id", a.ID.String()).Msg("event not published")
	}
}

// deliver sends the patient email and SMS off the request path. The
// connection that triggered the change may close before delivery ends.
func (o *Observer) deliver(ctx context.Context, a scheduling.Appointment, emailTpl, smsTpl string) {
	if o.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	data := jobs.ReminderData(&a)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if emailTpl != "" && a.Patient.Email != "" {
			_ = o.notifier.Send(ctx, emailTpl, a.Patient.Email, data)
		}
		if smsTpl != "" && a.Patient.Phone != "" {
			_ = o.notifier.Send(ctx, smsTpl, a.Patient.Phone, data)
		}
	}()
}

// Wait blocks until outbound deliveries started so far have finished.
func (o *Observer) Wait() { o.wg.Wait() }

// BlockListener publishes block transitions to the event stream and emails
// a newly blocked actor at the address of any live connection. The email is
// tracked like other deliveries, so Wait covers it.
func (o *Observer) BlockListener(reg *presence.Registry) moderation.Listener {
	return func(ctx context.Context, c moderation.Change) {
		if o.events != nil {
			e, err := events.New(events.ActorBlockChanged, c.ActorID, moderation.Record{
				ActorID: c.ActorID, Blocked: c.Blocked, Reason: c.Reason, UpdatedBy: c.By,
			})
			if err == nil {
				err = o.events.Publish(ctx, e)
			}
			if err != nil {
				o.logger.Warn().Err(err).Str("actor_id", c.ActorID).Msg("block event not published")
			}
		}
		if !c.Blocked || o.notifier == nil || reg == nil {
			return
		}
		for _, connID := range reg.Lookup(c.ActorID) {
			entry, ok := reg.Connection(connID)
			if !ok || entry.Email == "" {
				continue
			}
			ctx := context.WithoutCancel(ctx)
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				if err := o.notifier.Send(ctx, notification.TplAccountBlocked, entry.Email, nil); err != nil {
					o.logger.Warn().Err(err).Str("actor_id", c.ActorID).Msg("block email not sent")
				}
			}()
			return
		}
	}
}
