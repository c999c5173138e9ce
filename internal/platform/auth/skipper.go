package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/websocket"
)

// publicPaths bypass HTTP authentication. /ws authenticates its own
// handshake.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/ws":        true,
}

// AuthSkipper returns true for requests whose path should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}

// HandshakeAuthenticator verifies the WebSocket handshake token. In
// development (v nil or no token offered) the connection is admitted
// anonymously and the actor is taken from the register event.
func HandshakeAuthenticator(v *Verifier, dev bool) websocket.Authenticator {
	return func(r *http.Request) (websocket.Identity, error) {
		tokenStr, err := BearerToken(r)
		if err != nil || v == nil {
			if dev {
				return websocket.Identity{}, nil
			}
			if err == nil {
				err = ErrMissingToken
			}
			return websocket.Identity{}, err
		}

		claims, err := v.Parse(tokenStr)
		if err != nil {
			return websocket.Identity{}, err
		}
		a, err := claims.Actor()
		if err != nil {
			return websocket.Identity{}, err
		}
		return websocket.Identity{
			Subject:       a.ID,
			Role:          string(a.Role),
			Email:         a.Email,
			Authenticated: true,
		}, nil
	}
}
