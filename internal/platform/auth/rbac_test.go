package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/pkg/actor"
)

func contextWithActor(a *actor.Actor) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if a != nil {
		req = req.WithContext(WithActor(req.Context(), *a))
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func ok(c echo.Context) error { return c.NoContent(http.StatusOK) }

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		actor *actor.Actor
		roles []actor.Role
		code  int
	}{
		{"doctor allowed", &actor.Actor{ID: "d", Role: actor.RoleDoctor}, []actor.Role{actor.RoleDoctor}, 0},
		{"user denied", &actor.Actor{ID: "u", Role: actor.RoleUser}, []actor.Role{actor.RoleDoctor}, http.StatusForbidden},
		{"admin bypass", &actor.Actor{ID: "a", Role: actor.RoleAdmin}, []actor.Role{actor.RoleDoctor}, 0},
		{"any of several", &actor.Actor{ID: "u", Role: actor.RoleUser}, []actor.Role{actor.RoleDoctor, actor.RoleUser}, 0},
		{"anonymous", nil, []actor.Role{actor.RoleUser}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireRole(tt.roles...)(ok)(contextWithActor(tt.actor))
			if tt.code == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			expectHTTPError(t, err, tt.code)
		})
	}
}

func TestRequireSelfOrAdmin(t *testing.T) {
	self := &actor.Actor{ID: "u-1", Role: actor.RoleUser}
	c := contextWithActor(self)
	c.SetParamNames("id")
	c.SetParamValues("u-1")
	if err := RequireSelfOrAdmin("id")(ok)(c); err != nil {
		t.Fatalf("self should pass: %v", err)
	}

	c = contextWithActor(self)
	c.SetParamNames("id")
	c.SetParamValues("u-2")
	expectHTTPError(t, RequireSelfOrAdmin("id")(ok)(c), http.StatusForbidden)

	c = contextWithActor(&actor.Actor{ID: "root", Role: actor.RoleAdmin})
	c.SetParamNames("id")
	c.SetParamValues("u-2")
	if err := RequireSelfOrAdmin("id")(ok)(c); err != nil {
		t.Fatalf("admin should pass: %v", err)
	}
}

func TestActorFromContext_Missing(t *testing.T) {
	c := contextWithActor(nil)
	if _, ok := ActorFrom(c); ok {
		t.Error("expected no actor")
	}
}
