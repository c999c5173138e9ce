// Package portalclient is a Go client for the portal's real-time channel.
//
// A Client keeps one connection open, reconnecting with backoff. Every time
// it connects it registers the actor, asks for its block status and
// re-requests the notification backlog, so a client that was offline catches
// up. Block status updates drive a session.Guard; a decision that requires a
// logout ends Run.
package portalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/pkg/actor"
	"github.com/careportal/careportal/pkg/session"
)

// Event names shared with the server.
const (
	EventRegister              = "register"
	EventRegistered            = "registered"
	EventFetchBlockStatus      = "fetchBlockStatus"
	EventFetchNotifications    = "fetchNotifications"
	EventNotificationsResponse = "notificationsResponse"
	EventNewNotification       = "newNotification"
	EventSendMessage           = "sendMessage"
	EventReceive               = "receive"
	EventMessageAck            = "messageAck"
	EventAcceptConsultation    = "acceptConsultation"
	EventAppointmentCancelled  = "AppointmentCancelled"
	EventIncomingConsultation  = "incomingConsultation"
	EventConsultationCancelled = "consultationCancelled"
	EventUserStatusUpdated     = "user_status_updated"
	EventUserAlert             = "user_alert"
	EventError                 = "error"
)

var (
	ErrNotConnected = errors.New("portalclient: not connected")
	ErrLoggedOut    = errors.New("portalclient: session logged out")
	ErrNoInvite     = errors.New("portalclient: no pending consultation")
)

// Envelope is the wire frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

// Handler receives the data of one event.
type Handler func(data json.RawMessage)

// Invite is an incoming consultation offer.
type Invite struct {
	AppointmentID string    `json:"appointmentId"`
	RoomID        string    `json:"roomId"`
	URL           string    `json:"url,omitempty"`
	DoctorID      string    `json:"doctorId"`
	DoctorName    string    `json:"doctorName,omitempty"`
	PatientID     string    `json:"patientId"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

type Options struct {
	// URL of the server's websocket endpoint, e.g. ws://localhost:8000/ws.
	URL string
	// Token is sent as a bearer token on the handshake. Empty for
	// development servers that accept anonymous connections.
	Token string
	Actor actor.Actor
	// Path is the route the application starts on, for the guard.
	Path   string
	Routes *session.Routes

	InviteTimeout time.Duration
	MinBackoff    time.Duration
	MaxBackoff    time.Duration

	Dialer *websocket.Dialer
	Logger zerolog.Logger

	// OnLogout runs when a block status update forces the session out.
	OnLogout func(session.Decision)
}

const (
	defaultInviteTimeout = 60 * time.Second
	defaultMinBackoff    = time.Second
	defaultMaxBackoff    = 30 * time.Second
	writeWait            = 10 * time.Second
)

type Client struct {
	opts   Options
	guard  *session.Guard
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string][]Handler
	invites  map[string]*time.Timer
	loggedIn bool

	writeMu sync.Mutex
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("portalclient: URL is required")
	}
	if err := opts.Actor.Validate(); err != nil {
		return nil, fmt.Errorf("portalclient: %w", err)
	}
	if opts.InviteTimeout <= 0 {
		opts.InviteTimeout = defaultInviteTimeout
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	routes := session.DefaultRoutes()
	if opts.Routes != nil {
		routes = *opts.Routes
	}

	c := &Client{
		opts:     opts,
		guard:    session.NewGuard(routes),
		logger:   opts.Logger.With().Str("component", "portalclient").Str("actor_id", opts.Actor.ID).Logger(),
		handlers: make(map[string][]Handler),
		invites:  make(map[string]*time.Timer),
		loggedIn: true,
	}
	a := opts.Actor
	c.guard.Evaluate(session.Input{Actor: &a, Path: opts.Path})
	return c, nil
}

// Guard exposes the session guard fed by this client.
func (c *Client) Guard() *session.Guard { return c.guard }

// On adds a handler for event. Handlers run on the read loop in the order
// they were added, after the client's own processing.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one event frame on the current connection.
func (c *Client) Send(event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", event, err)
		}
		env.Data = raw
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Run connects and serves events until ctx ends or the session is logged
// out. Dropped connections are retried with exponential backoff, reset
// after every successful connect.
func (c *Client) Run(ctx context.Context) error {
	defer c.stopInvites()
	backoff := c.opts.MinBackoff
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			backoff = c.opts.MinBackoff
			err = c.serve(ctx, conn)
			if errors.Is(err, ErrLoggedOut) {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("connection lost")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// serve owns one connection: it sends the session handshake events, then
// reads until the connection fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.guard.Begin()
	a := c.opts.Actor
	for _, step := range []struct {
		event string
		data  any
	}{
		{EventRegister, map[string]string{"actorId": a.ID, "role": string(a.Role), "email": a.Email}},
		{EventFetchBlockStatus, map[string]string{"userId": a.ID}},
		{EventFetchNotifications, map[string]string{"email": a.Email}},
	} {
		if err := c.Send(step.event, step.data); err != nil {
			return fmt.Errorf("send %s: %w", step.event, err)
		}
	}
	c.logger.Info().Msg("connected")

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
			c.logger.Warn().Msg("malformed frame from server")
			continue
		}
		if err := c.dispatch(env); err != nil {
			return err
		}
	}
}

func (c *Client) dispatch(env Envelope) error {
	var err error
	switch env.Event {
	case EventUserStatusUpdated:
		err = c.onStatusUpdate(env.Data)
	case EventIncomingConsultation:
		c.onInvite(env.Data)
	case EventConsultationCancelled:
		var p struct {
			AppointmentID string `json:"appointmentId"`
		}
		if json.Unmarshal(env.Data, &p) == nil {
			c.clearInvite(p.AppointmentID)
		}
	case EventError:
		c.logger.Warn().RawJSON("data", env.Data).Msg("server rejected event")
	}

	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[env.Event]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(env.Data)
	}
	return err
}

// onStatusUpdate feeds the guard. A decision that logs the session out
// runs OnLogout once and ends the connection.
func (c *Client) onStatusUpdate(data json.RawMessage) error {
	var st struct {
		UserID    string `json:"userId"`
		IsBlocked bool   `json:"isBlocked"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}
	d, applied := c.guard.OnStatusUpdate(st.UserID, st.IsBlocked)
	if !applied || !d.Logout {
		return nil
	}
	c.mu.Lock()
	first := c.loggedIn
	c.loggedIn = false
	c.mu.Unlock()
	if first {
		c.logger.Warn().Str("redirect", d.Redirect).Msg("session blocked")
		if c.opts.OnLogout != nil {
			c.opts.OnLogout(d)
		}
	}
	return ErrLoggedOut
}

// onInvite arms the auto-expiry of an offer. An unanswered invite is
// reported back as AppointmentCancelled so the doctor stops waiting.
func (c *Client) onInvite(data json.RawMessage) {
	var in struct {
		Data Invite `json:"data"`
	}
	if err := json.Unmarshal(data, &in); err != nil || in.Data.AppointmentID == "" {
		return
	}
	inv := in.Data
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.invites[inv.AppointmentID]; ok {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(c.opts.InviteTimeout, func() {
		c.mu.Lock()
		cur, ok := c.invites[inv.AppointmentID]
		if ok && cur == t {
			delete(c.invites, inv.AppointmentID)
		}
		c.mu.Unlock()
		if !ok || cur != t {
			return
		}
		if err := c.Send(EventAppointmentCancelled, map[string]Invite{"AppointmentInfo": inv}); err != nil {
			c.logger.Warn().Err(err).Str("appointment_id", inv.AppointmentID).Msg("invite expiry not sent")
		}
	})
	c.invites[inv.AppointmentID] = t
}

func (c *Client) clearInvite(appointmentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.invites[appointmentID]
	if ok {
		t.Stop()
		delete(c.invites, appointmentID)
	}
	return ok
}

// PendingInvites returns the appointment ids with an unanswered offer.
func (c *Client) PendingInvites() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.invites))
	for id := range c.invites {
		out = append(out, id)
	}
	return out
}

// AcceptInvite answers a pending offer.
func (c *Client) AcceptInvite(appointmentID string) error {
	if !c.clearInvite(appointmentID) {
		return ErrNoInvite
	}
	return c.Send(EventAcceptConsultation, map[string]string{"appointmentId": appointmentID})
}

// DeclineInvite rejects a pending offer.
func (c *Client) DeclineInvite(appointmentID string) error {
	if !c.clearInvite(appointmentID) {
		return ErrNoInvite
	}
	return c.Send(EventAppointmentCancelled, map[string]any{"AppointmentInfo": map[string]string{"appointmentId": appointmentID}})
}

// SendMessage sends a text chat message within an appointment.
func (c *Client) SendMessage(appointmentID, receiverID, text string) error {
	return c.Send(EventSendMessage, map[string]any{
		"type":          "text",
		"text":          text,
		"sender":        c.opts.Actor.Name,
		"senderId":      c.opts.Actor.ID,
		"receverId":     receiverID,
		"appointmentId": appointmentID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// Navigate re-evaluates the guard for a new route.
func (c *Client) Navigate(path string) session.Decision {
	return c.guard.Navigate(path)
}

func (c *Client) stopInvites() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.invites {
		t.Stop()
		delete(c.invites, id)
	}
}
