package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/pkg/actor"
)

// RequireRole returns middleware that checks the actor holds one of roles.
// Admins pass every check.
func RequireRole(roles ...actor.Role) echo.MiddlewareFunc {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			a, ok := ActorFrom(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if a.IsAdmin() {
				return next(c)
			}
			for _, required := range roles {
				if a.Role == required {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(names, " or ")))
		}
	}
}

// RequireSelfOrAdmin allows the request when the :param path value is the
// caller's own id.
func RequireSelfOrAdmin(param string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			a, ok := ActorFrom(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if a.IsAdmin() || a.ID == c.Param(param) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden, "not allowed to act for another actor")
		}
	}
}
