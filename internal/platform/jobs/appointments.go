package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/domain/scheduling"
	"github.com/careportal/careportal/internal/platform/notification"
)

const (
	JobCompleteAppointments = "complete-appointments"
	JobSendReminders        = "send-reminders"
)

// Completer marks ended appointments as completed.
type Completer interface {
	CompletePast(ctx context.Context) (int, error)
}

// CompletionSweep returns the job that completes appointments whose slot has
// ended.
func CompletionSweep(schedule string, svc Completer, logger zerolog.Logger) Job {
	return Job{
		Name:     JobCompleteAppointments,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			n, err := svc.CompletePast(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info().Int("completed", n).Msg("appointments completed")
			}
			return nil
		},
	}
}

// AppointmentSource lists booked appointments on a date.
type AppointmentSource interface {
	Today() (scheduling.Date, scheduling.ClockTime)
	ListOn(ctx context.Context, date scheduling.Date) ([]*scheduling.Appointment, error)
}

// Sender delivers a rendered template. *notification.Notifier satisfies it.
type Sender interface {
	Send(ctx context.Context, templateID, recipient string, data map[string]string) error
}

// Reminders returns the job that sends email and SMS reminders for the next
// day's appointments. Delivery failures are counted and reported together
// so one bad address does not stop the batch.
func Reminders(schedule string, src AppointmentSource, sender Sender, logger zerolog.Logger) Job {
	return Job{
		Name:     JobSendReminders,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			today, _ := src.Today()
			appts, err := src.ListOn(ctx, today.AddDays(1))
			if err != nil {
				return fmt.Errorf("list appointments: %w", err)
			}
			var errs []error
			sent := 0
			for _, a := range appts {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				data := ReminderData(a)
				if a.Patient.Email != "" {
					if err := sender.Send(ctx, notification.TplAppointmentReminder, a.Patient.Email, data); err != nil {
						errs = append(errs, fmt.Errorf("email %s: %w", a.ID, err))
					} else {
						sent++
					}
				}
				if a.Patient.Phone != "" {
					if err := sender.Send(ctx, notification.TplReminderSMS, a.Patient.Phone, data); err != nil {
						errs = append(errs, fmt.Errorf("sms %s: %w", a.ID, err))
					} else {
						sent++
					}
				}
			}
			logger.Info().Int("appointments", len(appts)).Int("sent", sent).Int("failed", len(errs)).Msg("reminders processed")
			return errors.Join(errs...)
		},
	}
}

// ReminderData is the template data for an appointment.
func ReminderData(a *scheduling.Appointment) map[string]string {
	name := a.Patient.Name
	if name == "" {
		name = "patient"
	}
	return map[string]string{
		"patient_name":   name,
		"provider":       a.ProviderID,
		"date":           a.Date.String(),
		"time":           a.Time,
		"appointment_id": a.ID.String(),
	}
}
