package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/platform/slotlock"
	"github.com/careportal/careportal/pkg/actor"
)

// ErrLockHeld is returned by a Locker when another booking holds the slot.
var ErrLockHeld = slotlock.ErrNotAcquired

// Locker serializes booking attempts for one slot key ahead of the commit.
// The repository remains the source of truth: a held lock never decides the
// outcome of a booking on its own.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Observer receives committed appointment transitions. Calls happen after
// the commit on the caller's goroutine; observers must not block.
type Observer interface {
	AppointmentBooked(ctx context.Context, appt Appointment)
	AppointmentCancelled(ctx context.Context, appt Appointment, by actor.Actor)
	AppointmentCompleted(ctx context.Context, appt Appointment)
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithLocker(l Locker) ServiceOption {
	return func(s *Service) { s.locker = l }
}

// WithLockWait bounds how long Book waits for a held slot lock before it
// goes to the repository without it. Zero skips waiting.
func WithLockWait(d time.Duration) ServiceOption {
	return func(s *Service) { s.lockWait = d }
}

func WithObserver(o Observer) ServiceOption {
	return func(s *Service) { s.observers = append(s.observers, o) }
}

// WithClock overrides the wall clock used for "today" and past-slot checks.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithLocation(loc *time.Location) ServiceOption {
	return func(s *Service) { s.loc = loc }
}

func WithSlotLength(d time.Duration) ServiceOption {
	return func(s *Service) { s.slotLength = d }
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

type Service struct {
	repo       Repository
	locker     Locker
	lockWait   time.Duration
	observers  []Observer
	now        func() time.Time
	loc        *time.Location
	slotLength time.Duration
	logger     zerolog.Logger
}

func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:       repo,
		now:        time.Now,
		loc:        time.UTC,
		slotLength: 30 * time.Minute,
		lockWait:   2 * time.Second,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddObserver registers o after construction; used when the observer itself
// depends on the service.
func (s *Service) AddObserver(o Observer) { s.observers = append(s.observers, o) }

// Location is the time zone that defines "today".
func (s *Service) Location() *time.Location { return s.loc }

// Today returns the current calendar date and wall-clock time.
func (s *Service) Today() (Date, ClockTime) {
	now := s.now().In(s.loc)
	return DateOf(now), ClockTimeOf(now)
}

// -- Availability --

// GetSchedule returns all published slots of the provider grouped by date.
func (s *Service) GetSchedule(ctx context.Context, providerID string) ([]DaySchedule, error) {
	slots, err := s.repo.ListSlots(ctx, strings.TrimSpace(providerID))
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return GroupByDate(slots), nil
}

// GetAvailability returns the bookable subset of the provider's schedule.
// An unknown provider yields an empty result.
func (s *Service) GetAvailability(ctx context.Context, providerID string) ([]DaySchedule, error) {
	days, err := s.GetSchedule(ctx, providerID)
	if err != nil {
		return nil, err
	}
	today, now := s.Today()
	return FilterAvailable(days, today, now), nil
}

// GroupByDate groups slots by date. Input must be ordered by date; order
// within a date is preserved.
func GroupByDate(slots []Slot) []DaySchedule {
	days := []DaySchedule{}
	for _, sl := range slots {
		if n := len(days); n == 0 || days[n-1].Date != sl.Date {
			days = append(days, DaySchedule{Date: sl.Date})
		}
		last := &days[len(days)-1]
		last.Slots = append(last.Slots, SlotTime{Time: sl.Time, Booked: sl.Booked})
	}
	return days
}

// FilterAvailable drops booked slots, past dates and today's slots that have
// started. A slot time that does not parse is kept. Days left empty are
// omitted.
func FilterAvailable(days []DaySchedule, today Date, now ClockTime) []DaySchedule {
	out := []DaySchedule{}
	for _, day := range days {
		if day.Date.Before(today) {
			continue
		}
		var keep []SlotTime
		for _, sl := range day.Slots {
			if sl.Booked {
				continue
			}
			if day.Date == today && started(sl.Time, now) {
				continue
			}
			keep = append(keep, sl)
		}
		if len(keep) > 0 {
			out = append(out, DaySchedule{Date: day.Date, Slots: keep})
		}
	}
	return out
}

func started(slotTime string, now ClockTime) bool {
	c, err := ParseClockTime(slotTime)
	if err != nil {
		return false
	}
	return c <= now
}

// PublishSlots adds slots for one provider and date. Times are stored in
// canonical HH:MM form; a time repeated in the request or already published
// is rejected with ErrDuplicateSlot and nothing is stored.
func (s *Service) PublishSlots(ctx context.Context, providerID string, date Date, times []string) ([]Slot, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil, ErrMissingProviderID
	}
	if date.IsZero() {
		return nil, ErrInvalidDate
	}
	if len(times) == 0 {
		return nil, ErrNoTimes
	}

	seen := make(map[string]bool, len(times))
	slots := make([]Slot, 0, len(times))
	for _, raw := range times {
		t, err := CanonicalTime(raw)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			return nil, fmt.Errorf("%w: %s %s", ErrDuplicateSlot, date, t)
		}
		seen[t] = true
		slots = append(slots, Slot{ProviderID: providerID, Date: date, Time: t})
	}

	if err := s.repo.InsertSlots(ctx, slots); err != nil {
		return nil, err
	}
	s.logger.Info().Str("provider_id", providerID).Str("date", date.String()).Int("count", len(slots)).Msg("slots published")
	return slots, nil
}

// Providers lists providers with published slots.
func (s *Service) Providers(ctx context.Context) ([]string, error) {
	return s.repo.Providers(ctx)
}

// -- Booking --

// slotTime resolves the stored form of a requested time: canonical when it
// parses, verbatim otherwise so imported slots stay addressable.
func slotTime(raw string) string {
	if t, err := CanonicalTime(raw); err == nil {
		return t
	}
	return strings.TrimSpace(raw)
}

func lockKey(providerID string, date Date, t string) string {
	return "slot:" + providerID + ":" + date.String() + ":" + t
}

// Book claims a slot for a patient. At most one live appointment exists per
// (provider, date, time); losing a race yields Success=false with
// ReasonSlotBooked. Only persistence failures return an error.
func (s *Service) Book(ctx context.Context, req BookingRequest) (BookingResult, error) {
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.Patient.ID = strings.TrimSpace(req.Patient.ID)
	if req.ProviderID == "" {
		return BookingResult{}, ErrMissingProviderID
	}
	if req.Patient.ID == "" {
		return BookingResult{}, ErrMissingPatientID
	}
	if req.Date.IsZero() {
		return BookingResult{}, ErrInvalidDate
	}
	if strings.TrimSpace(req.Time) == "" {
		return BookingResult{}, fmt.Errorf("%w: empty", ErrInvalidTime)
	}
	t := slotTime(req.Time)

	today, now := s.Today()
	if req.Date.Before(today) || (req.Date == today && started(t, now)) {
		return BookingResult{Reason: ReasonSlotPast}, nil
	}

	if s.locker != nil {
		release, err := s.acquire(ctx, lockKey(req.ProviderID, req.Date, t))
		if err != nil {
			return BookingResult{}, fmt.Errorf("acquire slot lock: %w", err)
		}
		defer release()
	}

	appt := &Appointment{
		ProviderID: req.ProviderID,
		Patient:    req.Patient,
		Date:       req.Date,
		Time:       t,
		Notes:      strings.TrimSpace(req.Notes),
	}
	switch err := s.repo.BookSlot(ctx, appt); {
	case errors.Is(err, ErrSlotTaken):
		return BookingResult{Reason: ReasonSlotBooked}, nil
	case errors.Is(err, ErrSlotNotFound):
		return BookingResult{Reason: ReasonSlotNotFound}, nil
	case err != nil:
		return BookingResult{}, fmt.Errorf("book slot: %w", err)
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("provider_id", appt.ProviderID).
		Str("patient_id", appt.Patient.ID).
		Str("date", appt.Date.String()).
		Str("time", appt.Time).
		Msg("appointment booked")

	for _, o := range s.observers {
		o.AppointmentBooked(ctx, *appt)
	}
	return BookingResult{Success: true, AppointmentID: appt.ID.String(), Appointment: appt}, nil
}

const lockPoll = 20 * time.Millisecond

// acquire takes the slot lock, waiting up to lockWait while another booking
// holds it. When the wait runs out the caller proceeds unlocked and the
// repository's conditional update decides.
func (s *Service) acquire(ctx context.Context, key string) (func(), error) {
	release, err := s.locker.Acquire(ctx, key)
	if !errors.Is(err, ErrLockHeld) {
		return release, err
	}

	deadline := time.NewTimer(s.lockWait)
	defer deadline.Stop()
	poll := time.NewTicker(lockPoll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			s.logger.Debug().Str("key", key).Msg("slot lock still held, deferring to repository")
			return func() {}, nil
		case <-poll.C:
			release, err := s.locker.Acquire(ctx, key)
			if errors.Is(err, ErrLockHeld) {
				continue
			}
			return release, err
		}
	}
}

// Cancel cancels an appointment and frees its slot. by must be a party to
// the appointment or an admin.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, by actor.Actor) (*Appointment, error) {
	current, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !by.IsAdmin() && !current.HasParty(by.ID) {
		return nil, ErrForbidden
	}

	appt, err := s.repo.CancelAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("appointment_id", id.String()).Str("by", by.ID).Msg("appointment cancelled")
	for _, o := range s.observers {
		o.AppointmentCancelled(ctx, *appt, by)
	}
	return appt, nil
}

// Complete marks a booked appointment completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.CompleteAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, o := range s.observers {
		o.AppointmentCompleted(ctx, *appt)
	}
	return appt, nil
}

// CompletePast completes every booked appointment whose slot has ended and
// returns how many were completed. Appointments with unparseable times are
// completed once their date has passed.
func (s *Service) CompletePast(ctx context.Context) (int, error) {
	now := s.now().In(s.loc)
	today := DateOf(now)
	due, err := s.repo.ListAppointments(ctx, AppointmentFilter{Status: StatusBooked, To: today})
	if err != nil {
		return 0, fmt.Errorf("list due appointments: %w", err)
	}

	completed := 0
	for _, appt := range due {
		start, ok := appt.StartsAt(s.loc)
		ended := appt.Date.Before(today)
		if ok {
			ended = !start.Add(s.slotLength).After(now)
		}
		if !ended {
			continue
		}
		if _, err := s.Complete(ctx, appt.ID); err != nil {
			if errors.Is(err, ErrNotCancellable) {
				continue
			}
			return completed, err
		}
		completed++
	}
	return completed, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointment(ctx, id)
}

// ListByActor lists appointments where actorID is the patient or provider.
func (s *Service) ListByActor(ctx context.Context, actorID string, status Status, limit, offset int) ([]*Appointment, error) {
	return s.repo.ListAppointments(ctx, AppointmentFilter{
		ActorID: actorID,
		Status:  status,
		Limit:   limit,
		Offset:  offset,
	})
}

// ListOn lists booked appointments on date; used by reminders.
func (s *Service) ListOn(ctx context.Context, date Date) ([]*Appointment, error) {
	return s.repo.ListAppointments(ctx, AppointmentFilter{Status: StatusBooked, From: date, To: date})
}

// Parties returns the patient and provider of an appointment.
func (s *Service) Parties(ctx context.Context, appointmentID string) (patientID, providerID string, err error) {
	id, err := uuid.Parse(strings.TrimSpace(appointmentID))
	if err != nil {
		return "", "", ErrAppointmentNotFound
	}
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return "", "", err
	}
	return appt.Patient.ID, appt.ProviderID, nil
}
