// Package notification sends out-of-band email and SMS messages about
// appointments. Real-time delivery to connected clients lives in the
// messaging domain; this package covers patients who are not online.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Channel is the medium used to deliver a message.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Template IDs used by the portal.
const (
	TplAppointmentBooked    = "appointment-booked"
	TplAppointmentCancelled = "appointment-cancelled"
	TplAppointmentReminder  = "appointment-reminder"
	TplBookedSMS            = "appointment-booked-sms"
	TplReminderSMS          = "appointment-reminder-sms"
	TplAccountBlocked       = "account-blocked"
)

var ErrNoRecipient = errors.New("recipient is required")

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Template defines a reusable notification template.
type Template struct {
	ID      string
	Subject string
	Body    string
	Channel Channel
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range []Template{
		{
			ID:      TplAppointmentBooked,
			Subject: "Your appointment with {{provider}} is confirmed",
			Body:    "Dear {{patient_name}}, your appointment with {{provider}} on {{date}} at {{time}} is confirmed. Reference: {{appointment_id}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      TplAppointmentCancelled,
			Subject: "Appointment on {{date}} cancelled",
			Body:    "Dear {{patient_name}}, your appointment with {{provider}} on {{date}} at {{time}} has been cancelled.",
			Channel: ChannelEmail,
		},
		{
			ID:      TplAppointmentReminder,
			Subject: "Reminder: appointment on {{date}}",
			Body:    "Dear {{patient_name}}, this is a reminder of your appointment on {{date}} at {{time}} with {{provider}}.",
			Channel: ChannelEmail,
		},
		{
			ID:      TplBookedSMS,
			Body:    "CarePortal: appointment with {{provider}} confirmed for {{date}} {{time}}.",
			Channel: ChannelSMS,
		},
		{
			ID:      TplReminderSMS,
			Body:    "CarePortal reminder: {{date}} {{time}} with {{provider}}.",
			Channel: ChannelSMS,
		},
		{
			ID:      TplAccountBlocked,
			Subject: "Your CarePortal account has been suspended",
			Body:    "Your account has been suspended by an administrator. Contact support for details.",
			Channel: ChannelEmail,
		},
	} {
		e.templates[t.ID] = t
	}
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render looks up a template and substitutes data. Placeholders without a
// value are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Template, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Template{}, fmt.Errorf("template %q not found", templateID)
	}

	for k, v := range data {
		placeholder := "{{" + k + "}}"
		t.Subject = strings.ReplaceAll(t.Subject, placeholder, v)
		t.Body = strings.ReplaceAll(t.Body, placeholder, v)
	}
	return t, nil
}

// Stats counts delivery outcomes per channel.
type Stats struct {
	Sent   map[Channel]int `json:"sent"`
	Failed map[Channel]int `json:"failed"`
}

// Notifier renders templates and hands them to the sender for the
// template's channel.
type Notifier struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	logger    zerolog.Logger

	mu     sync.Mutex
	sent   map[Channel]int
	failed map[Channel]int
}

func NewNotifier(email EmailSender, sms SMSSender, tpl *TemplateEngine, logger zerolog.Logger) *Notifier {
	return &Notifier{
		email:     email,
		sms:       sms,
		templates: tpl,
		logger:    logger,
		sent:      make(map[Channel]int),
		failed:    make(map[Channel]int),
	}
}

// Send renders templateID and delivers it to recipient (an email address or
// an E.164 phone number depending on the template's channel).
func (n *Notifier) Send(ctx context.Context, templateID, recipient string, data map[string]string) error {
	if strings.TrimSpace(recipient) == "" {
		return ErrNoRecipient
	}
	t, err := n.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	var sendErr error
	switch t.Channel {
	case ChannelEmail:
		sendErr = n.email.SendEmail(ctx, recipient, t.Subject, t.Body)
	case ChannelSMS:
		sendErr = n.sms.SendSMS(ctx, recipient, t.Body)
	default:
		sendErr = fmt.Errorf("unsupported channel: %s", t.Channel)
	}

	n.mu.Lock()
	if sendErr != nil {
		n.failed[t.Channel]++
	} else {
		n.sent[t.Channel]++
	}
	n.mu.Unlock()

	if sendErr != nil {
		n.logger.Warn().Err(sendErr).Str("template", templateID).Str("channel", string(t.Channel)).Msg("notification failed")
		return sendErr
	}
	n.logger.Debug().Str("template", templateID).Str("channel", string(t.Channel)).Msg("notification sent")
	return nil
}

func (n *Notifier) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := Stats{Sent: make(map[Channel]int), Failed: make(map[Channel]int)}
	for k, v := range n.sent {
		s.Sent[k] = v
	}
	for k, v := range n.failed {
		s.Failed[k] = v
	}
	return s
}

// LogSender stands in for both channels when no provider is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (l LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	l.Logger.Info().Str("to", to).Str("subject", subject).Msg("email (not sent: no provider configured)")
	return nil
}

func (l LogSender) SendSMS(_ context.Context, to, _ string) error {
	l.Logger.Info().Str("to", to).Msg("sms (not sent: no provider configured)")
	return nil
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// SMSCall records a single call to SendSMS.
type SMSCall struct {
	To   string
	Body string
}

// MockSMSSender is a test double for SMSSender.
type MockSMSSender struct {
	mu         sync.Mutex
	calls      []SMSCall
	ShouldFail bool
	FailError  string
}

func (m *MockSMSSender) SendSMS(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SMSCall{To: to, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded SMS calls.
func (m *MockSMSSender) Calls() []SMSCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SMSCall, len(m.calls))
	copy(out, m.calls)
	return out
}
