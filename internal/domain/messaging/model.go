// Package messaging delivers notifications and appointment chat to the live
// connections of an actor, persists both for later retrieval, and tracks
// consultation invites between a doctor and a patient.
package messaging

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingActorID     = errors.New("actorId is required")
	ErrMissingAppointment = errors.New("appointmentId is required")
	ErrEmptyMessage       = errors.New("message must carry text or a file")
	ErrInvalidFile        = errors.New("file messages need a reference, a name, a positive size and a mime type")
	ErrNotParticipant     = errors.New("sender and recipient must be the two parties of the appointment")
	ErrNoInvite           = errors.New("no pending consultation for this appointment")
)

// Outbound event names.
const (
	EventNewNotification       = "newNotification"
	EventReceive               = "receive"
	EventIncomingConsultation  = "incomingConsultation"
	EventConsultationAccepted  = "consultationAccepted"
	EventConsultationCancelled = "consultationCancelled"
	EventUserAlert             = "user_alert"
)

// Notification kinds.
const (
	KindAppointmentBooked    = "appointment_booked"
	KindAppointmentCancelled = "appointment_cancelled"
	KindAppointmentCompleted = "appointment_completed"
	KindSystem               = "system"
)

type Notification struct {
	ID         uuid.UUID       `json:"id"`
	ActorID    string          `json:"actorId"`
	ActorEmail string          `json:"email,omitempty"`
	Kind       string          `json:"type"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	Read       bool            `json:"read"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// NotificationQuery selects an actor's backlog. Rows match on actor id or,
// when Email is set, on a case-insensitive email match.
type NotificationQuery struct {
	ActorID    string
	Email      string
	UnreadOnly bool
	Limit      int
	Offset     int
}

type MessageKind string

const (
	MessageText MessageKind = "text"
	MessageFile MessageKind = "file"
)

// FileRef describes an uploaded file. The bytes live in external storage.
type FileRef struct {
	Ref      string `json:"ref"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type ChatMessage struct {
	ID            uuid.UUID   `json:"id"`
	AppointmentID uuid.UUID   `json:"appointmentId"`
	SenderID      string      `json:"senderId"`
	RecipientID   string      `json:"receiverId"`
	Kind          MessageKind `json:"type"`
	Text          string      `json:"message,omitempty"`
	File          *FileRef    `json:"file,omitempty"`
	SentAt        time.Time   `json:"timestamp"`
}

// Validate checks the payload and sets Kind from it. A message with both
// text and a file is a file message with a caption.
func (m *ChatMessage) Validate() error {
	if m.AppointmentID == uuid.Nil {
		return ErrMissingAppointment
	}
	if strings.TrimSpace(m.SenderID) == "" || strings.TrimSpace(m.RecipientID) == "" {
		return ErrMissingActorID
	}
	if m.File != nil {
		f := m.File
		if strings.TrimSpace(f.Ref) == "" || strings.TrimSpace(f.Name) == "" || f.Size <= 0 || strings.TrimSpace(f.MimeType) == "" {
			return ErrInvalidFile
		}
		m.Kind = MessageFile
		return nil
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessage
	}
	m.Kind = MessageText
	return nil
}

// Received wraps a chat message for the receive event.
type Received struct {
	Type string       `json:"type"`
	Data *ChatMessage `json:"data"`
}

const receiveType = "msgReceive"

// Alert is the payload of user_alert.
type Alert struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Invite is a pending video consultation offered by a doctor.
type Invite struct {
	AppointmentID string    `json:"appointmentId"`
	RoomID        string    `json:"roomId"`
	URL           string    `json:"url,omitempty"`
	DoctorID      string    `json:"doctorId"`
	DoctorName    string    `json:"doctorName,omitempty"`
	PatientID     string    `json:"patientId"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// IncomingConsultation wraps an invite for the incomingConsultation event.
type IncomingConsultation struct {
	Data Invite `json:"data"`
}

// InviteResolution is the payload of consultationAccepted and
// consultationCancelled.
type InviteResolution struct {
	AppointmentID string `json:"appointmentId"`
	RoomID        string `json:"roomId,omitempty"`
	By            string `json:"by,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Cancellation reasons.
const (
	ReasonDeclined = "cancelled"
	ReasonTimeout  = "timeout"
	ReasonReplaced = "replaced"
)
