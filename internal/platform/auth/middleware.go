package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/pkg/actor"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the portal's token claims. Tokens are issued elsewhere; the
// role may arrive as a single "role" or as a "roles" list.
type Claims struct {
	jwt.RegisteredClaims
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Email string   `json:"email,omitempty"`
	Name  string   `json:"name,omitempty"`
}

// Actor converts the claims to the normalized actor.
func (c *Claims) Actor() (actor.Actor, error) {
	candidates := append([]string{c.Role}, c.Roles...)
	for _, r := range candidates {
		if r == "" {
			continue
		}
		role, err := actor.ParseRole(r)
		if err != nil {
			continue
		}
		a := actor.Actor{ID: c.Subject, Role: role, Email: c.Email, Name: c.Name}
		return a, a.Validate()
	}
	return actor.Actor{}, actor.ErrInvalidRole
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 verification, used by development and tests.
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

// Verifier validates bearer tokens for both the HTTP API and the WebSocket
// handshake.
type Verifier struct {
	cfg     JWTConfig
	keyFunc jwt.Keyfunc
}

// NewVerifier resolves the key source once. Without a JWKS URL or signing
// key the issuer's OIDC discovery document supplies the JWKS URL.
func NewVerifier(cfg JWTConfig) (*Verifier, error) {
	v := &Verifier{cfg: cfg}
	switch {
	case len(cfg.SigningKey) > 0:
		key := cfg.SigningKey
		v.keyFunc = func(*jwt.Token) (interface{}, error) { return key, nil }
	case cfg.JWKSURL != "":
		v.keyFunc = jwksKeyFunc(cfg.JWKSURL)
	case cfg.Issuer != "":
		provider, err := NewOIDCProvider(cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover jwks: %w", err)
		}
		v.keyFunc = provider.JWKSKeyFunc()
	default:
		return nil, errors.New("auth: signing key, JWKS URL or issuer is required")
	}
	return v, nil
}

// Parse validates tokenStr and returns its claims.
func (v *Verifier) Parse(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	methods := []string{"RS256"}
	if len(v.cfg.SigningKey) > 0 {
		methods = []string{"HS256"}
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken extracts the token from the Authorization header, falling back
// to the "token" query parameter that browsers use for WebSocket handshakes.
func BearerToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", errors.New("invalid authorization format")
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrMissingToken
}

// JWTMiddleware authenticates every request and stores the actor in the
// request context.
func JWTMiddleware(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if v.cfg.Skipper != nil && v.cfg.Skipper(c) {
				return next(c)
			}

			if c.Request().Header.Get("Authorization") == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			tokenStr, err := BearerToken(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			claims, err := v.Parse(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			a, err := claims.Actor()
			if err != nil {
				return echo.NewHTTPError(http.StatusForbidden, err.Error())
			}

			setActor(c, a)
			return next(c)
		}
	}
}

const (
	HeaderActorID    = "X-Actor-Id"
	HeaderActorRole  = "X-Actor-Role"
	HeaderActorEmail = "X-Actor-Email"
)

// DevAuthMiddleware is the development authenticator. A bearer token is
// still verified when v is configured; otherwise the X-Actor-* headers name
// the caller, defaulting to an admin.
func DevAuthMiddleware(v *Verifier, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			if c.Request().Header.Get("Authorization") != "" && v != nil {
				return JWTMiddleware(v)(next)(c)
			}

			a := actor.Actor{ID: "dev-admin", Role: actor.RoleAdmin}
			if id := c.Request().Header.Get(HeaderActorID); id != "" {
				role, err := actor.ParseRole(c.Request().Header.Get(HeaderActorRole))
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, err.Error())
				}
				a = actor.Actor{ID: id, Role: role, Email: c.Request().Header.Get(HeaderActorEmail)}
			}
			setActor(c, a)
			return next(c)
		}
	}
}
