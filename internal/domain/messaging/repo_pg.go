package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const notificationCols = `id, actor_id, COALESCE(actor_email, ''), kind, message, data, read, created_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	var data []byte
	if err := row.Scan(&n.ID, &n.ActorID, &n.ActorEmail, &n.Kind, &n.Message, &data, &n.Read, &n.CreatedAt); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		n.Data = data
	}
	return &n, nil
}

func (r *repoPG) InsertNotification(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	var data []byte
	if len(n.Data) > 0 {
		data = n.Data
	}
	var email *string
	if n.ActorEmail != "" {
		email = &n.ActorEmail
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO notifications (id, actor_id, actor_email, kind, message, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		n.ID, n.ActorID, email, n.Kind, n.Message, data).Scan(&n.CreatedAt)
}

func (r *repoPG) ListNotifications(ctx context.Context, q NotificationQuery) ([]*Notification, error) {
	var where []string
	var args []any
	idx := 1

	var who []string
	if q.ActorID != "" {
		who = append(who, fmt.Sprintf("actor_id = $%d", idx))
		args = append(args, q.ActorID)
		idx++
	}
	if q.Email != "" {
		who = append(who, fmt.Sprintf("lower(actor_email) = lower($%d)", idx))
		args = append(args, q.Email)
		idx++
	}
	if len(who) == 0 {
		return nil, nil
	}
	where = append(where, "("+strings.Join(who, " OR ")+")")
	if q.UnreadOnly {
		where = append(where, "NOT read")
	}

	query := `SELECT ` + notificationCols + ` FROM notifications WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, q.Limit)
		idx++
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, q.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (r *repoPG) MarkRead(ctx context.Context, actorID string, ids []uuid.UUID) (int, error) {
	sql := `UPDATE notifications SET read = TRUE WHERE actor_id = $1 AND NOT read`
	args := []any{actorID}
	if len(ids) > 0 {
		sql += ` AND id = ANY($2)`
		args = append(args, ids)
	}
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const messageCols = `id, appointment_id, sender_id, recipient_id, kind, body,
	file_ref, file_name, file_size, mime_type, sent_at`

func scanMessage(row pgx.Row) (*ChatMessage, error) {
	var m ChatMessage
	var kind string
	var ref, name, mime *string
	var size *int64
	if err := row.Scan(&m.ID, &m.AppointmentID, &m.SenderID, &m.RecipientID, &kind, &m.Text,
		&ref, &name, &size, &mime, &m.SentAt); err != nil {
		return nil, err
	}
	m.Kind = MessageKind(kind)
	if m.Kind == MessageFile && ref != nil {
		m.File = &FileRef{Ref: *ref}
		if name != nil {
			m.File.Name = *name
		}
		if size != nil {
			m.File.Size = *size
		}
		if mime != nil {
			m.File.MimeType = *mime
		}
	}
	return &m, nil
}

func (r *repoPG) InsertMessage(ctx context.Context, m *ChatMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	var ref, name, mime *string
	var size *int64
	if f := m.File; f != nil {
		ref, name, mime, size = &f.Ref, &f.Name, &f.MimeType, &f.Size
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, appointment_id, sender_id, recipient_id, kind, body,
			file_ref, file_name, file_size, mime_type, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.AppointmentID, m.SenderID, m.RecipientID, string(m.Kind), m.Text,
		ref, name, size, mime, m.SentAt)
	return err
}

func (r *repoPG) ListMessages(ctx context.Context, appointmentID uuid.UUID, limit, offset int) ([]*ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageCols+` FROM chat_messages
		WHERE appointment_id = $1
		ORDER BY sent_at, created_at
		LIMIT $2 OFFSET $3`, appointmentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
