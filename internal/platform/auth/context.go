package auth

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/pkg/actor"
)

type contextKey string

const actorKey contextKey = "actor"

// WithActor returns a context carrying a.
func WithActor(ctx context.Context, a actor.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (actor.Actor, bool) {
	a, ok := ctx.Value(actorKey).(actor.Actor)
	return a, ok
}

// ActorFrom is ActorFromContext for an echo request. The access logger also
// reads the "actor_id" value set here.
func ActorFrom(c echo.Context) (actor.Actor, bool) {
	return ActorFromContext(c.Request().Context())
}

func setActor(c echo.Context, a actor.Actor) {
	c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), a)))
	c.Set("actor_id", a.ID)
}
