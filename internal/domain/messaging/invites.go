package messaging

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultInviteTimeout = 60 * time.Second

type pendingInvite struct {
	invite Invite
	timer  *time.Timer
}

// Invites tracks consultation invites, at most one per appointment. Each
// invite resolves exactly once: by acceptance, by cancellation or by timeout.
// Resolving an already resolved invite is a no-op.
type Invites struct {
	fanout  *Fanout
	appts   Appointments
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingInvite
}

func NewInvites(fanout *Fanout, appts Appointments, timeout time.Duration, logger zerolog.Logger) *Invites {
	if timeout <= 0 {
		timeout = DefaultInviteTimeout
	}
	return &Invites{
		fanout:  fanout,
		appts:   appts,
		timeout: timeout,
		now:     time.Now,
		logger:  logger.With().Str("component", "invites").Logger(),
		pending: make(map[string]*pendingInvite),
	}
}

// Start offers a consultation from doctorID to the appointment's patient and
// pushes incomingConsultation. A pending invite for the same appointment is
// replaced; its parties see it cancelled first.
func (iv *Invites) Start(ctx context.Context, doctorID, appointmentID, roomID, url, doctorName string) (Invite, int, error) {
	appointmentID = strings.TrimSpace(appointmentID)
	if appointmentID == "" {
		return Invite{}, 0, ErrMissingAppointment
	}
	if strings.TrimSpace(roomID) == "" {
		roomID = appointmentID
	}
	patient, provider, err := resolveParties(ctx, iv.appts, appointmentID)
	if err != nil {
		return Invite{}, 0, err
	}
	if provider != doctorID {
		return Invite{}, 0, ErrNotParticipant
	}

	inv := Invite{
		AppointmentID: appointmentID,
		RoomID:        roomID,
		URL:           url,
		DoctorID:      doctorID,
		DoctorName:    doctorName,
		PatientID:     patient,
		ExpiresAt:     iv.now().Add(iv.timeout).UTC(),
	}

	iv.mu.Lock()
	prev := iv.pending[appointmentID]
	if prev != nil {
		prev.timer.Stop()
	}
	p := &pendingInvite{invite: inv}
	p.timer = time.AfterFunc(iv.timeout, func() { iv.expire(appointmentID, p) })
	iv.pending[appointmentID] = p
	iv.mu.Unlock()

	if prev != nil {
		iv.fanout.Notify(ctx, prev.invite.PatientID, EventConsultationCancelled, InviteResolution{
			AppointmentID: appointmentID, RoomID: prev.invite.RoomID, By: doctorID, Reason: ReasonReplaced,
		})
	}
	n := iv.fanout.Notify(ctx, patient, EventIncomingConsultation, IncomingConsultation{Data: inv})
	iv.logger.Info().Str("appointment_id", appointmentID).Str("doctor_id", doctorID).
		Int("delivered", n).Msg("consultation offered")
	return inv, n, nil
}

// take removes and returns the pending invite if it is still want (or any
// invite when want is nil).
func (iv *Invites) take(appointmentID string, want *pendingInvite) (*pendingInvite, bool) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	p, ok := iv.pending[appointmentID]
	if !ok || (want != nil && p != want) {
		return nil, false
	}
	delete(iv.pending, appointmentID)
	p.timer.Stop()
	return p, true
}

// Accept resolves the invite for the patient and tells the doctor.
func (iv *Invites) Accept(ctx context.Context, patientID, appointmentID string) (Invite, error) {
	iv.mu.Lock()
	p, ok := iv.pending[appointmentID]
	iv.mu.Unlock()
	if !ok {
		return Invite{}, ErrNoInvite
	}
	if p.invite.PatientID != patientID {
		return Invite{}, ErrNotParticipant
	}
	if _, ok := iv.take(appointmentID, p); !ok {
		return Invite{}, ErrNoInvite
	}
	iv.fanout.Notify(ctx, p.invite.DoctorID, EventConsultationAccepted, InviteResolution{
		AppointmentID: appointmentID, RoomID: p.invite.RoomID, By: patientID,
	})
	return p.invite, nil
}

// Cancel resolves the invite on behalf of one party and tells the other. It
// reports whether an invite was pending. Non-parties cannot cancel.
func (iv *Invites) Cancel(ctx context.Context, byActorID, appointmentID string) (bool, error) {
	iv.mu.Lock()
	p, ok := iv.pending[appointmentID]
	iv.mu.Unlock()
	if !ok {
		return false, nil
	}
	inv := p.invite
	if byActorID != inv.DoctorID && byActorID != inv.PatientID {
		return false, ErrNotParticipant
	}
	if _, ok := iv.take(appointmentID, p); !ok {
		return false, nil
	}
	other := inv.DoctorID
	if byActorID == inv.DoctorID {
		other = inv.PatientID
	}
	iv.fanout.Notify(ctx, other, EventConsultationCancelled, InviteResolution{
		AppointmentID: appointmentID, RoomID: inv.RoomID, By: byActorID, Reason: ReasonDeclined,
	})
	return true, nil
}

// expire is the timer path. Both parties are told so the doctor stops
// waiting and the patient's prompt is dismissed.
func (iv *Invites) expire(appointmentID string, p *pendingInvite) {
	if _, ok := iv.take(appointmentID, p); !ok {
		return
	}
	res := InviteResolution{AppointmentID: appointmentID, RoomID: p.invite.RoomID, Reason: ReasonTimeout}
	ctx := context.Background()
	iv.fanout.Notify(ctx, p.invite.DoctorID, EventConsultationCancelled, res)
	iv.fanout.Notify(ctx, p.invite.PatientID, EventConsultationCancelled, res)
	iv.logger.Info().Str("appointment_id", appointmentID).Msg("consultation invite expired")
}

// Pending returns the open invite for an appointment.
func (iv *Invites) Pending(appointmentID string) (Invite, bool) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	p, ok := iv.pending[appointmentID]
	if !ok {
		return Invite{}, false
	}
	return p.invite, true
}

// Drop resolves an invite silently, for example when its appointment was
// cancelled and both parties are told through other events.
func (iv *Invites) Drop(appointmentID string) bool {
	_, ok := iv.take(appointmentID, nil)
	return ok
}

// Stop cancels every pending timer.
func (iv *Invites) Stop() {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	for id, p := range iv.pending {
		p.timer.Stop()
		delete(iv.pending, id)
	}
}
