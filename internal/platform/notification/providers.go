package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrInvalidPhone is returned for numbers not in E.164 form.
var ErrInvalidPhone = errors.New("phone number must be in E.164 format")

// SendGridSender delivers email through the SendGrid v3 API.
type SendGridSender struct {
	client *sendgrid.Client
	from   *mail.Email
}

func NewSendGridSender(apiKey, fromEmail, fromName string) *SendGridSender {
	return &SendGridSender{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromEmail),
	}
}

func (s *SendGridSender) SendEmail(ctx context.Context, to, subject, body string) error {
	message := mail.NewSingleEmail(s.from, subject, mail.NewEmail("", to), body, "")
	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid returned %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// TwilioSender delivers SMS through the Twilio Messages API.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

func NewTwilioSender(accountSID, authToken, fromNumber string) *TwilioSender {
	return &TwilioSender{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username:   accountSID,
			Password:   authToken,
			AccountSid: accountSID,
		}),
		from: fromNumber,
	}
}

// SendSMS sends body to an E.164 number. The Twilio client does not take a
// context, so cancellation is only checked before the call.
func (s *TwilioSender) SendSMS(ctx context.Context, to, body string) error {
	if !strings.HasPrefix(to, "+") {
		return fmt.Errorf("%w: %q", ErrInvalidPhone, to)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &openapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("twilio send: %w", err)
	}
	return nil
}
