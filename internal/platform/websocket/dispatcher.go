package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// EventError is the outbound event name for rejected inbound events.
const EventError = "error"

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Encode marshals an event frame.
func Encode(event string, data any, ref string) ([]byte, error) {
	env := Envelope{Event: event, Ref: ref}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses an inbound frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, errors.New("decode frame: missing event name")
	}
	return env, nil
}

// Rejection is an error whose message is safe to show the peer.
type Rejection struct {
	Err error
}

func (r *Rejection) Error() string { return r.Err.Error() }
func (r *Rejection) Unwrap() error { return r.Err }

// Reject marks err as a client-visible rejection.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &Rejection{Err: err}
}

// HandlerFunc handles one inbound event for one connection.
type HandlerFunc func(ctx context.Context, client *Client, msg Envelope) error

// Middleware wraps handlers; event is the name the handler is bound to.
type Middleware func(event string, next HandlerFunc) HandlerFunc

// Dispatcher maps each event name to exactly one handler. Dispatch is called
// from a connection's read pump, so events of one connection are handled in
// arrival order.
type Dispatcher struct {
	hub        *Hub
	handlers   map[string]HandlerFunc
	middleware []Middleware
	logger     zerolog.Logger
}

// NewDispatcher creates a dispatcher that answers through hub.
func NewDispatcher(hub *Hub, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		hub:      hub,
		handlers: make(map[string]HandlerFunc),
		logger:   logger.With().Str("component", "ws_dispatch").Logger(),
	}
}

// Use appends middleware applied to handlers registered afterwards.
func (d *Dispatcher) Use(mw ...Middleware) {
	d.middleware = append(d.middleware, mw...)
}

// Handle binds a handler. Binding the same event twice panics.
func (d *Dispatcher) Handle(event string, h HandlerFunc) {
	if _, dup := d.handlers[event]; dup {
		panic("websocket: duplicate handler for " + event)
	}
	for i := len(d.middleware) - 1; i >= 0; i-- {
		h = d.middleware[i](event, h)
	}
	d.handlers[event] = h
}

// Events lists the bound event names, sorted.
func (d *Dispatcher) Events() []string {
	out := make([]string, 0, len(d.handlers))
	for e := range d.handlers {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Dispatch decodes a frame and runs its handler. Failures are answered with
// an error event on the same connection; they never affect other clients.
func (d *Dispatcher) Dispatch(ctx context.Context, client *Client, frame []byte) {
	msg, err := Decode(frame)
	if err != nil {
		d.logger.Warn().Err(err).Str("conn_id", client.ID).Msg("malformed frame")
		d.hub.Reply(client, EventError, ErrorPayload{Message: "malformed frame"}, "")
		return
	}

	h, ok := d.handlers[msg.Event]
	if !ok {
		d.logger.Warn().Str("conn_id", client.ID).Str("event", msg.Event).Msg("unknown event")
		d.hub.Reply(client, EventError, ErrorPayload{Event: msg.Event, Message: "unknown event"}, msg.Ref)
		return
	}

	if err := h(ctx, client, msg); err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			d.logger.Warn().Err(err).
				Str("conn_id", client.ID).
				Str("actor_id", client.ActorID()).
				Str("event", msg.Event).
				Msg("event rejected")
			d.hub.Reply(client, EventError, ErrorPayload{Event: msg.Event, Message: rej.Error()}, msg.Ref)
			return
		}
		d.logger.Error().Err(err).
			Str("conn_id", client.ID).
			Str("actor_id", client.ActorID()).
			Str("event", msg.Event).
			Msg("event failed")
		d.hub.Reply(client, EventError, ErrorPayload{Event: msg.Event, Message: "internal error"}, msg.Ref)
	}
}
