package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careportal/careportal/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func pgDate(d Date) time.Time { return d.In(time.UTC) }

const slotCols = `id, provider_id, slot_date, start_time, booked, created_at`

func scanSlot(row pgx.Row) (Slot, error) {
	var s Slot
	var date time.Time
	if err := row.Scan(&s.ID, &s.ProviderID, &date, &s.Time, &s.Booked, &s.CreatedAt); err != nil {
		return Slot{}, err
	}
	s.Date = DateOf(date)
	return s, nil
}

func (r *repoPG) ListSlots(ctx context.Context, providerID string) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+slotCols+` FROM slots WHERE provider_id = $1 ORDER BY slot_date, seq`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *repoPG) InsertSlots(ctx context.Context, slots []Slot) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for i := range slots {
			s := &slots[i]
			if s.ID == uuid.Nil {
				s.ID = uuid.New()
			}
			err := tx.QueryRow(ctx, `
				INSERT INTO slots (id, provider_id, slot_date, start_time)
				VALUES ($1, $2, $3, $4)
				RETURNING created_at`,
				s.ID, s.ProviderID, pgDate(s.Date), s.Time).Scan(&s.CreatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if db.IsUniqueViolation(err) {
		return ErrDuplicateSlot
	}
	return err
}

func (r *repoPG) GetSlot(ctx context.Context, providerID string, date Date, t string) (Slot, error) {
	s, err := scanSlot(r.pool.QueryRow(ctx, `
		SELECT `+slotCols+` FROM slots
		WHERE provider_id = $1 AND slot_date = $2 AND start_time = $3`,
		providerID, pgDate(date), t))
	if db.IsNotFound(err) {
		return Slot{}, ErrSlotNotFound
	}
	return s, err
}

const apptCols = `id, provider_id, patient_id, COALESCE(patient_name, ''), COALESCE(patient_email, ''),
	COALESCE(patient_phone, ''), slot_date, start_time, status, COALESCE(notes, ''), created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var date time.Time
	err := row.Scan(&a.ID, &a.ProviderID, &a.Patient.ID, &a.Patient.Name, &a.Patient.Email,
		&a.Patient.Phone, &date, &a.Time, &a.Status, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Date = DateOf(date)
	return &a, nil
}

func (r *repoPG) BookSlot(ctx context.Context, appt *Appointment) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var slotID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE slots SET booked = TRUE
			WHERE provider_id = $1 AND slot_date = $2 AND start_time = $3 AND booked = FALSE
			RETURNING id`,
			appt.ProviderID, pgDate(appt.Date), appt.Time).Scan(&slotID)
		if db.IsNotFound(err) {
			var exists bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM slots WHERE provider_id = $1 AND slot_date = $2 AND start_time = $3)`,
				appt.ProviderID, pgDate(appt.Date), appt.Time).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrSlotNotFound
			}
			return ErrSlotTaken
		}
		if err != nil {
			return err
		}

		if appt.ID == uuid.Nil {
			appt.ID = uuid.New()
		}
		appt.Status = StatusBooked
		return tx.QueryRow(ctx, `
			INSERT INTO appointments (id, provider_id, patient_id, patient_name, patient_email,
				patient_phone, slot_date, start_time, status, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING created_at, updated_at`,
			appt.ID, appt.ProviderID, appt.Patient.ID, appt.Patient.Name, appt.Patient.Email,
			appt.Patient.Phone, pgDate(appt.Date), appt.Time, appt.Status, appt.Notes,
		).Scan(&appt.CreatedAt, &appt.UpdatedAt)
	})
	if db.IsUniqueViolation(err) {
		return ErrSlotTaken
	}
	return err
}

// transition moves a booked appointment to status. Cancelling also frees
// the slot in the same transaction.
func (r *repoPG) transition(ctx context.Context, id uuid.UUID, status Status) (*Appointment, error) {
	var out *Appointment
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		appt, err := scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointments SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'booked'
			RETURNING `+apptCols, id, status))
		if db.IsNotFound(err) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrAppointmentNotFound
			}
			return ErrNotCancellable
		}
		if err != nil {
			return err
		}

		if status == StatusCancelled {
			if _, err := tx.Exec(ctx, `
				UPDATE slots SET booked = FALSE
				WHERE provider_id = $1 AND slot_date = $2 AND start_time = $3`,
				appt.ProviderID, pgDate(appt.Date), appt.Time); err != nil {
				return err
			}
		}
		out = appt
		return nil
	})
	return out, err
}

func (r *repoPG) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.transition(ctx, id, StatusCancelled)
}

func (r *repoPG) CompleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.transition(ctx, id, StatusCompleted)
}

func (r *repoPG) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.pool.QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
	if db.IsNotFound(err) {
		return nil, ErrAppointmentNotFound
	}
	return a, err
}

func (r *repoPG) ListAppointments(ctx context.Context, f AppointmentFilter) ([]*Appointment, error) {
	query := `SELECT ` + apptCols + ` FROM appointments WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.ActorID != "" {
		query += fmt.Sprintf(` AND (patient_id = $%d OR provider_id = $%d)`, idx, idx)
		args = append(args, f.ActorID)
		idx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if !f.From.IsZero() {
		query += fmt.Sprintf(` AND slot_date >= $%d`, idx)
		args = append(args, pgDate(f.From))
		idx++
	}
	if !f.To.IsZero() {
		query += fmt.Sprintf(` AND slot_date <= $%d`, idx)
		args = append(args, pgDate(f.To))
		idx++
	}
	query += ` ORDER BY slot_date, start_time, created_at`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, idx)
		args = append(args, f.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *repoPG) Providers(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT provider_id FROM slots ORDER BY provider_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
