package moderation

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careportal/careportal/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SetBlocked updates an existing row only when the flag differs. A missing
// row means "not blocked", so only a block inserts one; concurrent inserts
// for the same actor resolve through the primary key.
func (r *repoPG) SetBlocked(ctx context.Context, c Change) (bool, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		UPDATE actor_blocks
		SET blocked = $2, reason = $3, updated_by = $4, updated_at = NOW()
		WHERE actor_id = $1 AND blocked IS DISTINCT FROM $2
		RETURNING actor_id`,
		c.ActorID, c.Blocked, nullable(c.Reason), nullable(c.By)).Scan(&id)
	if err == nil {
		return true, nil
	}
	if !db.IsNotFound(err) {
		return false, err
	}
	if !c.Blocked {
		return false, nil
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO actor_blocks (actor_id, blocked, reason, updated_by)
		VALUES ($1, TRUE, $2, $3)
		ON CONFLICT (actor_id) DO NOTHING
		RETURNING actor_id`,
		c.ActorID, nullable(c.Reason), nullable(c.By)).Scan(&id)
	if db.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (r *repoPG) Get(ctx context.Context, actorID string) (Record, error) {
	rec := Record{ActorID: actorID}
	err := r.pool.QueryRow(ctx, `
		SELECT blocked, COALESCE(reason, ''), COALESCE(updated_by, ''), updated_at
		FROM actor_blocks WHERE actor_id = $1`, actorID).
		Scan(&rec.Blocked, &rec.Reason, &rec.UpdatedBy, &rec.UpdatedAt)
	if db.IsNotFound(err) {
		return Record{ActorID: actorID}, nil
	}
	return rec, err
}

func (r *repoPG) ListBlocked(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT actor_id FROM actor_blocks WHERE blocked ORDER BY actor_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
