package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/pkg/actor"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func testClaims(sub, role string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role:  role,
		Email: sub + "@portal.test",
	}
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestNewVerifier_RequiresKeySource(t *testing.T) {
	if _, err := NewVerifier(JWTConfig{}); err == nil {
		t.Fatal("expected error without any key source")
	}
}

func TestVerifier_Parse(t *testing.T) {
	v := newTestVerifier(t)

	good := createTestToken(t, testClaims("u-1", "user"), testSigningKey)
	claims, err := v.Parse(good)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.Subject != "u-1" {
		t.Errorf("subject = %q", claims.Subject)
	}

	wrongKey := createTestToken(t, testClaims("u-1", "user"), []byte("other"))
	if _, err := v.Parse(wrongKey); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}

	expired := testClaims("u-1", "user")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	if _, err := v.Parse(createTestToken(t, expired, testSigningKey)); err == nil {
		t.Error("expected expired token to fail")
	}

	noSub := testClaims("", "user")
	if _, err := v.Parse(createTestToken(t, noSub, testSigningKey)); err == nil {
		t.Error("expected token without subject to fail")
	}

	if _, err := v.Parse(""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("expected ErrMissingToken, got %v", err)
	}
}

func TestClaims_Actor(t *testing.T) {
	c := testClaims("d-1", "")
	c.Roles = []string{"nurse", "doctor"}
	a, err := c.Actor()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Role != actor.RoleDoctor || a.ID != "d-1" {
		t.Errorf("unexpected actor %+v", a)
	}

	none := testClaims("x", "")
	if _, err := none.Actor(); !errors.Is(err, actor.ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		query   string
		want    string
		wantErr bool
	}{
		{"header", "Bearer abc", "", "abc", false},
		{"lowercase scheme", "bearer abc", "", "abc", false},
		{"query fallback", "", "xyz", "xyz", false},
		{"basic auth", "Basic dXNlcjpwYXNz", "", "", true},
		{"empty bearer", "Bearer ", "", "", true},
		{"nothing", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/ws"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJWTMiddleware(t *testing.T) {
	v := newTestVerifier(t)
	tests := []struct {
		name   string
		path   string
		header string
		code   int
	}{
		{"missing header", "/api/v1/notifications", "", http.StatusUnauthorized},
		{"invalid format", "/api/v1/notifications", "Token abc", http.StatusUnauthorized},
		{"bad token", "/api/v1/notifications", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"unknown role", "/api/v1/notifications", "Bearer " + createTestToken(t, testClaims("x", "janitor"), testSigningKey), http.StatusForbidden},
		{"valid", "/api/v1/notifications", "Bearer " + createTestToken(t, testClaims("u-1", "user"), testSigningKey), http.StatusOK},
		{"public path", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetPath(tt.path)

			err := JWTMiddleware(v)(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})(c)
			if tt.code == http.StatusOK {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			expectHTTPError(t, err, tt.code)
		})
	}
}

func TestJWTMiddleware_SetsActor(t *testing.T) {
	v := newTestVerifier(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, testClaims("d-7", "doctor"), testSigningKey))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got actor.Actor
	err := JWTMiddleware(v)(func(c echo.Context) error {
		got, _ = ActorFrom(c)
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "d-7" || got.Role != actor.RoleDoctor || got.Email != "d-7@portal.test" {
		t.Errorf("unexpected actor %+v", got)
	}
	if c.Get("actor_id") != "d-7" {
		t.Errorf("expected actor_id on echo context, got %v", c.Get("actor_id"))
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		wantID   string
		wantRole actor.Role
		wantErr  bool
	}{
		{"defaults to admin", nil, "dev-admin", actor.RoleAdmin, false},
		{"actor headers", map[string]string{HeaderActorID: "p-1", HeaderActorRole: "patient"}, "p-1", actor.RoleUser, false},
		{"bad role header", map[string]string{HeaderActorID: "p-1", HeaderActorRole: "x"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			c := e.NewContext(req, httptest.NewRecorder())

			var got actor.Actor
			err := DevAuthMiddleware(nil, nil)(func(c echo.Context) error {
				got, _ = ActorFrom(c)
				return nil
			})(c)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (got.ID != tt.wantID || got.Role != tt.wantRole) {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestDevAuthMiddleware_VerifiesOfferedToken(t *testing.T) {
	v := newTestVerifier(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer forged")
	c := e.NewContext(req, httptest.NewRecorder())

	err := DevAuthMiddleware(v, nil)(func(c echo.Context) error { return nil })(c)
	expectHTTPError(t, err, http.StatusUnauthorized)
}
