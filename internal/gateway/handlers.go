package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/careportal/careportal/internal/domain/messaging"
	"github.com/careportal/careportal/internal/domain/moderation"
	"github.com/careportal/careportal/internal/domain/presence"
	"github.com/careportal/careportal/internal/domain/scheduling"
	"github.com/careportal/careportal/internal/platform/websocket"
	"github.com/careportal/careportal/pkg/actor"
)

var ErrInvalidAppointmentID = errors.New("invalid appointmentId")

type registeredPayload struct {
	ConnID  string     `json:"connId"`
	ActorID string     `json:"actorId"`
	Role    actor.Role `json:"role"`
}

// register binds the connection to an actor. An authenticated connection
// may only register as its token subject, with the token's role.
func (g *Gateway) register(ctx context.Context, c *websocket.Client, raw json.RawMessage, ref string) error {
	a, err := actor.Normalize(raw, actor.RoleUser)
	if err != nil {
		return websocket.Reject(err)
	}
	if id := c.Identity; id.Authenticated {
		if id.Subject != a.ID {
			return websocket.Reject(ErrIdentityMismatch)
		}
		if role, err := actor.ParseRole(id.Role); err == nil {
			a.Role = role
		}
		if a.Email == "" {
			a.Email = id.Email
		}
	}
	if err := g.Presence.Register(c.ID, a.ID, a.Role, a.Email); err != nil {
		if errors.Is(err, presence.ErrMissingConnection) {
			return err
		}
		return websocket.Reject(err)
	}
	c.Bind(a.ID, string(a.Role))
	g.Hub.Reply(c, EventRegistered, registeredPayload{ConnID: c.ID, ActorID: a.ID, Role: a.Role}, ref)
	g.logger.Info().Str("conn_id", c.ID).Str("actor_id", a.ID).Str("role", string(a.Role)).Msg("actor registered")

	if _, err := g.Moderation.Replay(ctx, c.ID, a.ID); err != nil {
		g.logger.Warn().Err(err).Str("actor_id", a.ID).Msg("block status replay failed")
	}
	return nil
}

type blockStatusRequest struct {
	UserID string `json:"userId"`
}

// fetchBlockStatus answers with user_status_updated for the caller. Before
// register the token subject is used; anonymous development connections may
// name the user.
func (g *Gateway) fetchBlockStatus(ctx context.Context, c *websocket.Client, in blockStatusRequest, ref string) error {
	actorID := c.ActorID()
	if actorID == "" {
		actorID = c.Identity.Subject
	}
	if actorID == "" && !c.Identity.Authenticated {
		actorID = strings.TrimSpace(in.UserID)
	}
	if actorID == "" {
		return websocket.Reject(moderation.ErrMissingActorID)
	}
	status, err := g.Moderation.Status(ctx, actorID)
	if err != nil {
		return err
	}
	g.Hub.Reply(c, moderation.EventUserStatusUpdated, status, ref)
	return nil
}

type notificationsRequest struct {
	Email      string `json:"email"`
	UnreadOnly bool   `json:"unreadOnly"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

type notificationsResponse struct {
	Notification []*messaging.Notification `json:"notification"`
}

// fetchNotifications returns the caller's backlog. A requested email is
// honoured only when it is the email the connection registered with.
func (g *Gateway) fetchNotifications(ctx context.Context, c *websocket.Client, in notificationsRequest, ref string) error {
	email := ""
	if entry, ok := g.Presence.Connection(c.ID); ok && in.Email != "" && strings.EqualFold(strings.TrimSpace(in.Email), entry.Email) {
		email = entry.Email
	}
	items, err := g.Messaging.Backlog(ctx, c.ActorID(), email, in.UnreadOnly, in.Limit, in.Offset)
	if err != nil {
		return err
	}
	g.Hub.Reply(c, EventNotificationsResponse, notificationsResponse{Notification: items}, ref)
	return nil
}

type markReadRequest struct {
	IDs []string `json:"ids"`
}

type markReadResponse struct {
	Updated int `json:"updated"`
}

func (g *Gateway) markNotificationsRead(ctx context.Context, c *websocket.Client, in markReadRequest, ref string) error {
	ids := make([]uuid.UUID, 0, len(in.IDs))
	for _, raw := range in.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return websocket.Reject(errors.New("invalid notification id " + raw))
		}
		ids = append(ids, id)
	}
	n, err := g.Messaging.MarkRead(ctx, c.ActorID(), ids)
	if err != nil {
		return err
	}
	g.Hub.Reply(c, EventNotificationsRead, markReadResponse{Updated: n}, ref)
	return nil
}

// sendMessageRequest accepts both receverId, as older clients spell it, and
// receiverId.
type sendMessageRequest struct {
	Type          string `json:"type"`
	Text          string `json:"text"`
	Sender        string `json:"sender"`
	SenderID      string `json:"senderId"`
	ReceverID     string `json:"receverId"`
	ReceiverID    string `json:"receiverId"`
	AppointmentID string `json:"appointmentId"`
	Timestamp     string `json:"timestamp"`
	FileContent   string `json:"fileContent"`
	FileName      string `json:"fileName"`
	FileSize      int64  `json:"fileSize"`
	MimeType      string `json:"mimeType"`
}

func (r sendMessageRequest) recipient() string {
	if r.ReceiverID != "" {
		return strings.TrimSpace(r.ReceiverID)
	}
	return strings.TrimSpace(r.ReceverID)
}

// file returns the attachment, if the payload names one. fileContent holds
// the storage reference of an already uploaded file.
func (r sendMessageRequest) file() *messaging.FileRef {
	if r.FileContent == "" && r.FileName == "" && strings.ToLower(r.Type) != string(messaging.MessageFile) {
		return nil
	}
	return &messaging.FileRef{Ref: r.FileContent, Name: r.FileName, Size: r.FileSize, MimeType: r.MimeType}
}

type messageAck struct {
	AppointmentID string    `json:"appointmentId"`
	MessageID     string    `json:"messageId"`
	Delivered     bool      `json:"delivered"`
	Timestamp     time.Time `json:"timestamp"`
}

func (g *Gateway) sendMessage(ctx context.Context, c *websocket.Client, in sendMessageRequest, ref string) error {
	if in.SenderID != "" && in.SenderID != c.ActorID() {
		return websocket.Reject(ErrIdentityMismatch)
	}
	apptID, err := uuid.Parse(in.AppointmentID)
	if err != nil {
		return websocket.Reject(ErrInvalidAppointmentID)
	}
	msg := &messaging.ChatMessage{
		AppointmentID: apptID,
		SenderID:      c.ActorID(),
		RecipientID:   in.recipient(),
		Text:          in.Text,
		File:          in.file(),
	}
	delivered, err := g.Messaging.RelayChatMessage(ctx, msg)
	if err != nil {
		return rejectDomain(err)
	}
	g.Hub.Reply(c, EventMessageAck, messageAck{
		AppointmentID: apptID.String(),
		MessageID:     msg.ID.String(),
		Delivered:     delivered > 0,
		Timestamp:     msg.SentAt,
	}, ref)
	return nil
}

type fetchMessagesRequest struct {
	AppointmentID string `json:"appointmentId"`
	Limit         int    `json:"limit"`
	Offset        int    `json:"offset"`
}

type messagesResponse struct {
	AppointmentID string                   `json:"appointmentId"`
	Messages      []*messaging.ChatMessage `json:"messages"`
}

func (g *Gateway) fetchMessages(ctx context.Context, c *websocket.Client, in fetchMessagesRequest, ref string) error {
	apptID, err := uuid.Parse(in.AppointmentID)
	if err != nil {
		return websocket.Reject(ErrInvalidAppointmentID)
	}
	msgs, err := g.Messaging.History(ctx, apptID, c.ActorID(), in.Limit, in.Offset)
	if err != nil {
		return rejectDomain(err)
	}
	g.Hub.Reply(c, EventMessagesResponse, messagesResponse{AppointmentID: apptID.String(), Messages: msgs}, ref)
	return nil
}

type slotsRequest struct {
	ProviderID string `json:"providerId"`
	All        bool   `json:"all"`
}

type slotsResponse struct {
	ProviderID string                   `json:"providerId"`
	Days       []scheduling.DaySchedule `json:"days"`
}

// slots returns the bookable view unless all is set and the caller owns
// the schedule.
func (g *Gateway) slots(ctx context.Context, c *websocket.Client, in slotsRequest) (slotsResponse, error) {
	providerID := strings.TrimSpace(in.ProviderID)
	if providerID == "" {
		return slotsResponse{}, websocket.Reject(scheduling.ErrMissingProviderID)
	}
	var (
		days []scheduling.DaySchedule
		err  error
	)
	a := actorOf(c)
	if in.All && (a.IsAdmin() || a.ID == providerID) {
		days, err = g.Scheduling.GetSchedule(ctx, providerID)
	} else {
		days, err = g.Scheduling.GetAvailability(ctx, providerID)
	}
	if err != nil {
		return slotsResponse{}, err
	}
	if days == nil {
		days = []scheduling.DaySchedule{}
	}
	return slotsResponse{ProviderID: providerID, Days: days}, nil
}

func (g *Gateway) fetchSlots(ctx context.Context, c *websocket.Client, in slotsRequest, ref string) error {
	resp, err := g.slots(ctx, c, in)
	if err != nil {
		return err
	}
	g.Hub.Reply(c, EventSlotsResponse, resp, ref)
	return nil
}

// watchSlots subscribes the connection to slotsUpdated for a provider and
// answers with the current availability.
func (g *Gateway) watchSlots(ctx context.Context, c *websocket.Client, in slotsRequest, ref string) error {
	resp, err := g.slots(ctx, c, in)
	if err != nil {
		return err
	}
	g.Hub.Subscribe(c, ProviderTopic(resp.ProviderID))
	g.Hub.Reply(c, EventSlotsResponse, resp, ref)
	return nil
}

func (g *Gateway) unwatchSlots(_ context.Context, c *websocket.Client, in slotsRequest, _ string) error {
	if id := strings.TrimSpace(in.ProviderID); id != "" {
		g.Hub.Unsubscribe(c, ProviderTopic(id))
	}
	return nil
}

// bookSlot books for the registered patient. Admins may name the patient.
func (g *Gateway) bookSlot(ctx context.Context, c *websocket.Client, in scheduling.BookingRequest, ref string) error {
	if err := requireRole(c, actor.RoleUser); err != nil {
		return err
	}
	a := actorOf(c)
	if !a.IsAdmin() || in.Patient.ID == "" {
		in.Patient.ID = a.ID
		if in.Patient.Email == "" {
			if entry, ok := g.Presence.Connection(c.ID); ok {
				in.Patient.Email = entry.Email
			}
		}
	}
	res, err := g.Scheduling.Book(ctx, in)
	if err != nil {
		return rejectDomain(err)
	}
	g.Hub.Reply(c, EventBookingResult, res, ref)
	return nil
}

type appointmentRequest struct {
	AppointmentID string `json:"appointmentId"`
}

type cancellationResult struct {
	Success       bool                    `json:"success"`
	AppointmentID string                  `json:"appointmentId"`
	Message       string                  `json:"message,omitempty"`
	Appointment   *scheduling.Appointment `json:"appointment,omitempty"`
}

// cancelAppointment answers with cancellationResult. Domain refusals are a
// failed result, not an error event.
func (g *Gateway) cancelAppointment(ctx context.Context, c *websocket.Client, in appointmentRequest, ref string) error {
	id, err := uuid.Parse(in.AppointmentID)
	if err != nil {
		return websocket.Reject(ErrInvalidAppointmentID)
	}
	appt, err := g.Scheduling.Cancel(ctx, id, actorOf(c))
	res := cancellationResult{AppointmentID: id.String()}
	switch {
	case err == nil:
		res.Success, res.Appointment = true, appt
	case errors.Is(err, scheduling.ErrAppointmentNotFound),
		errors.Is(err, scheduling.ErrForbidden),
		errors.Is(err, scheduling.ErrNotCancellable):
		res.Message = err.Error()
	default:
		return err
	}
	g.Hub.Reply(c, EventCancellationResult, res, ref)
	return nil
}

type startConsultationRequest struct {
	AppointmentID string `json:"appointmentId"`
	RoomID        string `json:"roomId"`
	URL           string `json:"url"`
	DoctorName    string `json:"doctorName"`
}

func (g *Gateway) startConsultation(ctx context.Context, c *websocket.Client, in startConsultationRequest, _ string) error {
	if err := requireRole(c, actor.RoleDoctor); err != nil {
		return err
	}
	if _, err := uuid.Parse(in.AppointmentID); err != nil {
		return websocket.Reject(ErrInvalidAppointmentID)
	}
	if _, _, err := g.Invites.Start(ctx, c.ActorID(), in.AppointmentID, in.RoomID, in.URL, in.DoctorName); err != nil {
		return rejectDomain(err)
	}
	return nil
}

func (g *Gateway) acceptConsultation(ctx context.Context, c *websocket.Client, in appointmentRequest, _ string) error {
	if _, err := g.Invites.Accept(ctx, c.ActorID(), in.AppointmentID); err != nil {
		return rejectDomain(err)
	}
	return nil
}

// appointmentCancelledRequest is the client's report that an invite was
// declined or timed out. The id may come flat or inside AppointmentInfo.
type appointmentCancelledRequest struct {
	AppointmentID string          `json:"appointmentId"`
	Info          json.RawMessage `json:"AppointmentInfo"`
}

func (r appointmentCancelledRequest) appointmentID() string {
	if r.AppointmentID != "" {
		return r.AppointmentID
	}
	var info struct {
		AppointmentID string `json:"appointmentId"`
		UnderID       string `json:"_id"`
		ID            string `json:"id"`
	}
	if len(r.Info) == 0 || json.Unmarshal(r.Info, &info) != nil {
		return ""
	}
	for _, id := range []string{info.AppointmentID, info.UnderID, info.ID} {
		if id != "" {
			return id
		}
	}
	return ""
}

func (g *Gateway) appointmentCancelled(ctx context.Context, c *websocket.Client, in appointmentCancelledRequest, _ string) error {
	id := in.appointmentID()
	if id == "" {
		return websocket.Reject(messaging.ErrMissingAppointment)
	}
	if _, err := g.Invites.Cancel(ctx, c.ActorID(), id); err != nil {
		return rejectDomain(err)
	}
	return nil
}

// rejectDomain marks validation and authorization errors of the domain
// packages as client visible. Anything else stays internal.
func rejectDomain(err error) error {
	for _, target := range []error{
		messaging.ErrMissingActorID, messaging.ErrMissingAppointment, messaging.ErrEmptyMessage,
		messaging.ErrInvalidFile, messaging.ErrNotParticipant, messaging.ErrNoInvite,
		scheduling.ErrInvalidDate, scheduling.ErrInvalidTime, scheduling.ErrMissingProviderID,
		scheduling.ErrMissingPatientID, scheduling.ErrAppointmentNotFound, scheduling.ErrForbidden,
	} {
		if errors.Is(err, target) {
			return websocket.Reject(err)
		}
	}
	return err
}
