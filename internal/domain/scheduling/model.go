package scheduling

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidTime         = errors.New("invalid time")
	ErrInvalidDate         = errors.New("invalid date")
	ErrMissingProviderID   = errors.New("providerId is required")
	ErrMissingPatientID    = errors.New("patient id is required")
	ErrNoTimes             = errors.New("at least one time is required")
	ErrDuplicateSlot       = errors.New("slot already published")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrSlotTaken           = errors.New("slot already booked")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrNotCancellable      = errors.New("appointment is not active")
	ErrForbidden           = errors.New("not a party to this appointment")
)

// Booking rejection reasons returned to clients in BookingResult.Reason.
const (
	ReasonSlotBooked   = "slot already booked"
	ReasonSlotNotFound = "slot not found"
	ReasonSlotPast     = "slot is in the past"
)

// ClockTime is a wall-clock time of day in minutes since midnight.
type ClockTime int

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ParseClockTime accepts "14:00", "9:05", "2:00 PM" and "2:00pm".
// 12 AM is midnight and 12 PM is noon.
func ParseClockTime(s string) (ClockTime, error) {
	t := strings.ToUpper(strings.TrimSpace(s))
	meridiem := ""
	if strings.HasSuffix(t, "AM") || strings.HasSuffix(t, "PM") {
		meridiem = t[len(t)-2:]
		t = strings.TrimSpace(t[:len(t)-2])
	}

	hh, mm, ok := strings.Cut(t, ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 || !digits(hh) || !digits(mm) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}

	switch meridiem {
	case "":
		if hour < 0 || hour > 23 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
		}
	default:
		if hour < 1 || hour > 12 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
		}
		hour %= 12
		if meridiem == "PM" {
			hour += 12
		}
	}
	return ClockTime(hour*60 + minute), nil
}

// ClockTimeOf returns the wall-clock time of t in t's location.
func ClockTimeOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

func (c ClockTime) Hour() int   { return int(c) / 60 }
func (c ClockTime) Minute() int { return int(c) % 60 }

// String renders the canonical 24-hour form.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// CanonicalTime normalizes a time string to HH:MM.
func CanonicalTime(s string) (string, error) {
	c, err := ParseClockTime(s)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// Date is a calendar day with no time zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// In returns midnight of d in loc.
func (d Date) In(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return cmpInt(d.Year, o.Year)
	case d.Month != o.Month:
		return cmpInt(int(d.Month), int(o.Month))
	default:
		return cmpInt(d.Day, o.Day)
	}
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }
func (d Date) After(o Date) bool  { return d.Compare(o) > 0 }

func (d Date) AddDays(n int) Date {
	return DateOf(d.In(time.UTC).AddDate(0, 0, n))
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Slot is one published start time for a provider on a date.
type Slot struct {
	ID         uuid.UUID `json:"id"`
	ProviderID string    `json:"providerId"`
	Date       Date      `json:"date"`
	Time       string    `json:"time"`
	Booked     bool      `json:"is_booked"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SlotTime is a slot as it appears inside a DaySchedule.
type SlotTime struct {
	Time   string `json:"time"`
	Booked bool   `json:"is_booked"`
}

// DaySchedule groups a provider's slots for one date in publish order.
type DaySchedule struct {
	Date  Date       `json:"date"`
	Slots []SlotTime `json:"slots"`
}

type Status string

const (
	StatusBooked    Status = "booked"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

type PatientInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Appointment struct {
	ID         uuid.UUID   `json:"appointmentId"`
	ProviderID string      `json:"providerId"`
	Patient    PatientInfo `json:"patient"`
	Date       Date        `json:"date"`
	Time       string      `json:"time"`
	Status     Status      `json:"status"`
	Notes      string      `json:"notes,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// HasParty reports whether actorID is the patient or the provider.
func (a *Appointment) HasParty(actorID string) bool {
	return actorID != "" && (actorID == a.Patient.ID || actorID == a.ProviderID)
}

// OtherParty returns the counterpart of actorID, or "" if actorID is not a party.
func (a *Appointment) OtherParty(actorID string) string {
	switch actorID {
	case a.Patient.ID:
		return a.ProviderID
	case a.ProviderID:
		return a.Patient.ID
	}
	return ""
}

// StartsAt resolves the appointment start in loc. ok is false when the
// stored time does not parse.
func (a *Appointment) StartsAt(loc *time.Location) (time.Time, bool) {
	c, err := ParseClockTime(a.Time)
	if err != nil {
		return time.Time{}, false
	}
	return a.Date.In(loc).Add(time.Duration(c) * time.Minute), true
}

type BookingRequest struct {
	ProviderID string      `json:"providerId"`
	Date       Date        `json:"date"`
	Time       string      `json:"time"`
	Patient    PatientInfo `json:"patient"`
	Notes      string      `json:"notes,omitempty"`
}

// BookingResult is the typed outcome of a booking attempt. A lost race is
// Success=false with Reason set, not an error.
type BookingResult struct {
	Success       bool         `json:"success"`
	AppointmentID string       `json:"appointmentId,omitempty"`
	Reason        string       `json:"message,omitempty"`
	Appointment   *Appointment `json:"appointment,omitempty"`
}

// AppointmentFilter narrows ListAppointments. Zero fields do not filter.
type AppointmentFilter struct {
	ActorID string
	Status  Status
	From    Date
	To      Date
	Limit   int
	Offset  int
}
