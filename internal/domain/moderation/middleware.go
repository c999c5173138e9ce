package moderation

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/auth"
)

// RejectBlocked answers 403 for authenticated actors that are blocked.
// Anonymous requests pass through to the auth checks of each route.
func RejectBlocked(p *Propagator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			a, ok := auth.ActorFrom(c)
			if !ok {
				return next(c)
			}
			blocked, err := p.IsBlocked(c.Request().Context(), a.ID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "block status unavailable").SetInternal(err)
			}
			if blocked {
				return echo.NewHTTPError(http.StatusForbidden, ErrBlocked.Error())
			}
			return next(c)
		}
	}
}
