package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/careportal/careportal/pkg/actor"
)

var (
	user  = &actor.Actor{ID: "u1", Role: actor.RoleUser}
	admin = &actor.Actor{ID: "a1", Role: actor.RoleAdmin}
)

func TestRoutes_Evaluate(t *testing.T) {
	r := DefaultRoutes()
	tests := []struct {
		name     string
		in       Input
		state    State
		redirect string
		logout   bool
	}{
		{"anonymous public", Input{Path: "/"}, StateAllowed, "", false},
		{"anonymous public prefix", Input{Path: "/doctors/42"}, StateAllowed, "", false},
		{"anonymous protected", Input{Path: "/appointments"}, StateAuthRedirect, "/login", false},
		{"user protected", Input{Actor: user, Path: "/appointments"}, StateAllowed, "", false},
		{"user admin route", Input{Actor: user, Path: "/admin/users"}, StateAuthRedirect, "/login", false},
		{"admin admin route", Input{Actor: admin, Path: "/admin"}, StateAllowed, "", false},
		{"blocked on public route", Input{Actor: user, Path: "/", Blocked: true}, StateBlockedRedirect, "/blocked", true},
		{"blocked on protected route", Input{Actor: user, Path: "/appointments", Blocked: true}, StateBlockedRedirect, "/blocked", true},
		{"blocked on blocked page", Input{Actor: user, Path: "/blocked", Blocked: true}, StateBlockedRedirect, "", true},
		{"blocked admin", Input{Actor: admin, Path: "/admin", Blocked: true}, StateBlockedRedirect, "/blocked", true},
		{"query and trailing slash", Input{Path: "/login/?next=/x"}, StateAllowed, "", false},
		{"admin lookalike", Input{Actor: user, Path: "/administrators"}, StateAllowed, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Evaluate(tt.in)
			if d.State != tt.state || d.Redirect != tt.redirect || d.Logout != tt.logout {
				t.Errorf("got %+v, want state=%s redirect=%q logout=%v", d, tt.state, tt.redirect, tt.logout)
			}
		})
	}
}

func TestGuard_Transitions(t *testing.T) {
	g := NewGuard(DefaultRoutes())
	if g.State() != StateUnknown {
		t.Fatalf("initial state = %s", g.State())
	}
	g.Begin()
	if g.State() != StateChecking {
		t.Fatalf("after Begin = %s", g.State())
	}

	if d := g.Evaluate(Input{Actor: user, Path: "/appointments"}); d.State != StateAllowed {
		t.Fatalf("evaluate = %+v", d)
	}

	// Another actor's block does not affect this session.
	if _, applied := g.OnStatusUpdate("someone-else", true); applied {
		t.Error("status for another actor applied to session")
	}
	if g.State() != StateAllowed {
		t.Errorf("state = %s", g.State())
	}

	d, applied := g.OnStatusUpdate("u1", true)
	if !applied || d.State != StateBlockedRedirect || !d.Logout || d.Message != MessageBlocked {
		t.Fatalf("block = %+v applied=%v", d, applied)
	}

	// Navigating to a public route does not escape the block.
	if d := g.Navigate("/"); d.State != StateBlockedRedirect {
		t.Errorf("navigate to / = %+v", d)
	}
	// A later auth refresh without block info keeps the block.
	if d := g.Evaluate(Input{Actor: user, Path: "/"}); d.State != StateBlockedRedirect {
		t.Errorf("re-evaluate = %+v", d)
	}

	if d := g.Logout(); d.State != StateAllowed {
		t.Errorf("after logout on / = %+v", d)
	}
	if d := g.Navigate("/appointments"); d.State != StateAuthRedirect {
		t.Errorf("anonymous protected = %+v", d)
	}

	// Signing back in while still blocked is caught from the recorded state.
	if d := g.Evaluate(Input{Actor: user, Path: "/appointments"}); d.State != StateBlockedRedirect {
		t.Errorf("sign in while blocked = %+v", d)
	}
	if d, _ := g.OnStatusUpdate("u1", false); d.State != StateAllowed {
		t.Errorf("unblock = %+v", d)
	}
	if g.Last().State != StateAllowed {
		t.Errorf("last = %+v", g.Last())
	}
}

func TestGuard_IgnoresOtherActorsStatus(t *testing.T) {
	g := NewGuard(DefaultRoutes())
	g.Evaluate(Input{Actor: user, Path: "/appointments"})

	for i := 0; i < 1000; i++ {
		g.OnStatusUpdate(fmt.Sprintf("actor-%d", i), i%2 == 0)
	}
	g.OnStatusUpdate("u1", true)
	g.OnStatusUpdate("u1", false)

	g.mu.Lock()
	n := len(g.blocked)
	g.mu.Unlock()
	if n != 0 {
		t.Errorf("guard tracks %d block entries, want 0", n)
	}

	// A broadcast for another actor before sign-in is not replayed onto them.
	g.Logout()
	g.OnStatusUpdate("u2", true)
	if d := g.Evaluate(Input{Actor: &actor.Actor{ID: "u2", Role: actor.RoleUser}, Path: "/appointments"}); d.State != StateAllowed {
		t.Errorf("u2 = %+v", d)
	}
}

func TestGuard_Concurrent(t *testing.T) {
	g := NewGuard(DefaultRoutes())
	g.Evaluate(Input{Actor: user, Path: "/appointments"})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			g.OnStatusUpdate("u1", i%2 == 0)
		}(i)
		go func() {
			defer wg.Done()
			g.Navigate("/appointments")
		}()
	}
	wg.Wait()
	if s := g.State(); s != StateAllowed && s != StateBlockedRedirect {
		t.Errorf("unexpected state %s", s)
	}
}
