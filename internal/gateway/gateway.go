// Package gateway binds the real-time events of the portal to the domain
// services. Each inbound event has one handler with a typed payload; the
// websocket dispatcher runs them one at a time per connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/domain/messaging"
	"github.com/careportal/careportal/internal/domain/moderation"
	"github.com/careportal/careportal/internal/domain/presence"
	"github.com/careportal/careportal/internal/domain/scheduling"
	"github.com/careportal/careportal/internal/platform/middleware"
	"github.com/careportal/careportal/internal/platform/websocket"
	"github.com/careportal/careportal/pkg/actor"
)

// Inbound events.
const (
	EventRegister              = "register"
	EventFetchNotifications    = "fetchNotifications"
	EventMarkNotificationsRead = "markNotificationsRead"
	EventSendMessage           = "sendMessage"
	EventFetchMessages         = "fetchMessages"
	EventFetchSlots            = "fetchSlots"
	EventWatchSlots            = "watchSlots"
	EventUnwatchSlots          = "unwatchSlots"
	EventBookSlot              = "bookSlot"
	EventCancelAppointment     = "cancelAppointment"
	EventStartConsultation     = "startConsultation"
	EventAcceptConsultation    = "acceptConsultation"
	EventAppointmentCancelled  = "AppointmentCancelled"
	EventFetchBlockStatus      = "fetchBlockStatus"
)

// Outbound events not owned by a domain package.
const (
	EventRegistered            = "registered"
	EventNotificationsResponse = "notificationsResponse"
	EventNotificationsRead     = "notificationsRead"
	EventMessageAck            = "messageAck"
	EventMessagesResponse      = "messagesResponse"
	EventSlotsResponse         = "slotsResponse"
	EventSlotsUpdated          = "slotsUpdated"
	EventBookingResult         = "bookingResult"
	EventCancellationResult    = "cancellationResult"
)

var (
	ErrNotRegistered    = errors.New("register before sending events")
	ErrIdentityMismatch = errors.New("actorId does not match the authenticated user")
	ErrRoleNotAllowed   = errors.New("role not allowed for this event")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// ProviderTopic is the hub topic of connections watching a provider's slots.
func ProviderTopic(providerID string) string { return "provider:" + providerID }

// Deps are the services the gateway drives. Limiter may be nil.
type Deps struct {
	Hub        *websocket.Hub
	Presence   *presence.Registry
	Scheduling *scheduling.Service
	Messaging  *messaging.Service
	Invites    *messaging.Invites
	Moderation *moderation.Propagator
	Limiter    *middleware.Limiter
}

type Gateway struct {
	Deps
	logger zerolog.Logger
}

func New(d Deps, logger zerolog.Logger) *Gateway {
	return &Gateway{Deps: d, logger: logger.With().Str("component", "gateway").Logger()}
}

// Bind registers middleware and every handler on d.
func (g *Gateway) Bind(d *websocket.Dispatcher) {
	d.Use(g.rateLimit, g.requireRegistration, g.rejectBlocked)

	d.Handle(EventRegister, handle(g.register))
	d.Handle(EventFetchBlockStatus, handle(g.fetchBlockStatus))
	d.Handle(EventFetchNotifications, handle(g.fetchNotifications))
	d.Handle(EventMarkNotificationsRead, handle(g.markNotificationsRead))
	d.Handle(EventSendMessage, handle(g.sendMessage))
	d.Handle(EventFetchMessages, handle(g.fetchMessages))
	d.Handle(EventFetchSlots, handle(g.fetchSlots))
	d.Handle(EventWatchSlots, handle(g.watchSlots))
	d.Handle(EventUnwatchSlots, handle(g.unwatchSlots))
	d.Handle(EventBookSlot, handle(g.bookSlot))
	d.Handle(EventCancelAppointment, handle(g.cancelAppointment))
	d.Handle(EventStartConsultation, handle(g.startConsultation))
	d.Handle(EventAcceptConsultation, handle(g.acceptConsultation))
	d.Handle(EventAppointmentCancelled, handle(g.appointmentCancelled))
}

// OnDisconnect releases everything the connection held. The hub drops its
// topic subscriptions when it unregisters the client.
func (g *Gateway) OnDisconnect(c *websocket.Client) {
	actorID, offline := g.Presence.Unregister(c.ID)
	if g.Limiter != nil {
		g.Limiter.Forget(c.ID)
	}
	if actorID != "" {
		g.logger.Debug().Str("conn_id", c.ID).Str("actor_id", actorID).Bool("offline", offline).Msg("presence released")
	}
}

// handle adapts a typed handler to the dispatcher. A payload that does not
// decode is rejected before the handler runs.
func handle[T any](fn func(ctx context.Context, c *websocket.Client, in T, ref string) error) websocket.HandlerFunc {
	return func(ctx context.Context, c *websocket.Client, msg websocket.Envelope) error {
		var in T
		if len(msg.Data) > 0 && string(msg.Data) != "null" {
			if err := json.Unmarshal(msg.Data, &in); err != nil {
				return websocket.Reject(fmt.Errorf("invalid %s payload: %w", msg.Event, err))
			}
		}
		return fn(ctx, c, in, msg.Ref)
	}
}

// preRegistration lists events a connection may send before register.
var preRegistration = map[string]bool{
	EventRegister:         true,
	EventFetchBlockStatus: true,
}

func (g *Gateway) rateLimit(event string, next websocket.HandlerFunc) websocket.HandlerFunc {
	if g.Limiter == nil {
		return next
	}
	return func(ctx context.Context, c *websocket.Client, msg websocket.Envelope) error {
		if ok, _ := g.Limiter.Allow(c.ID); !ok {
			return websocket.Reject(ErrRateLimited)
		}
		return next(ctx, c, msg)
	}
}

func (g *Gateway) requireRegistration(event string, next websocket.HandlerFunc) websocket.HandlerFunc {
	if preRegistration[event] {
		return next
	}
	return func(ctx context.Context, c *websocket.Client, msg websocket.Envelope) error {
		if !c.Registered() {
			return websocket.Reject(ErrNotRegistered)
		}
		return next(ctx, c, msg)
	}
}

func (g *Gateway) rejectBlocked(event string, next websocket.HandlerFunc) websocket.HandlerFunc {
	if preRegistration[event] {
		return next
	}
	return func(ctx context.Context, c *websocket.Client, msg websocket.Envelope) error {
		blocked, err := g.Moderation.IsBlocked(ctx, c.ActorID())
		if err != nil {
			return err
		}
		if blocked {
			return websocket.Reject(moderation.ErrBlocked)
		}
		return next(ctx, c, msg)
	}
}

// actorOf is the registered actor of a connection.
func actorOf(c *websocket.Client) actor.Actor {
	return actor.Actor{ID: c.ActorID(), Role: actor.Role(c.Role())}
}

func requireRole(c *websocket.Client, roles ...actor.Role) error {
	a := actorOf(c)
	if a.IsAdmin() {
		return nil
	}
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return websocket.Reject(ErrRoleNotAllowed)
}
