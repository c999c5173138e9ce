// Package session decides whether a client session may stay on a route.
//
// The Guard is a small state machine fed by authentication changes and by
// block status events. It is used by the Go client SDK and by the server's
// session check endpoint; both evaluate the same rules:
//
//  1. A blocked actor is logged out and sent to the blocked page, on every
//     route including public ones.
//  2. Public routes are allowed.
//  3. Admin routes require the admin role.
//  4. Every other route requires an authenticated actor of any role.
package session

import (
	"strings"
	"sync"

	"github.com/careportal/careportal/pkg/actor"
)

type State string

const (
	StateUnknown         State = "unknown"
	StateChecking        State = "checking"
	StateAllowed         State = "allowed"
	StateBlockedRedirect State = "blocked-redirect"
	StateAuthRedirect    State = "auth-redirect"
)

const (
	MessageBlocked       = "Your account has been blocked. Please contact support."
	MessageLoginRequired = "Please sign in to continue."
	MessageAdminOnly     = "This page requires administrator access."
)

// Routes is the route table the guard evaluates against. A path matches a
// public entry exactly, or by prefix when the entry ends in "/*".
type Routes struct {
	Public      []string `json:"public"`
	AdminPrefix string   `json:"adminPrefix"`
	BlockedPage string   `json:"blockedPage"`
	LoginPage   string   `json:"loginPage"`
}

func DefaultRoutes() Routes {
	return Routes{
		Public:      []string{"/", "/login", "/signup", "/blocked", "/about", "/contact", "/doctors/*"},
		AdminPrefix: "/admin",
		BlockedPage: "/blocked",
		LoginPage:   "/login",
	}
}

// IsPublic reports whether path needs no authentication.
func (r Routes) IsPublic(path string) bool {
	path = cleanPath(path)
	for _, p := range r.Public {
		if prefix, ok := strings.CutSuffix(p, "/*"); ok {
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

// IsAdmin reports whether path is under the admin prefix.
func (r Routes) IsAdmin(path string) bool {
	if r.AdminPrefix == "" {
		return false
	}
	path = cleanPath(path)
	return path == r.AdminPrefix || strings.HasPrefix(path, r.AdminPrefix+"/")
}

func cleanPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// Input is one evaluation request. Actor is nil for anonymous sessions.
type Input struct {
	Actor   *actor.Actor
	Path    string
	Blocked bool
}

// Decision is the outcome of an evaluation. Redirect is empty when the
// client may stay where it is.
type Decision struct {
	State    State  `json:"state"`
	Redirect string `json:"redirect,omitempty"`
	Logout   bool   `json:"logout,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Evaluate applies the route rules to in without touching any state.
func (r Routes) Evaluate(in Input) Decision {
	path := cleanPath(in.Path)
	if in.Actor != nil && in.Blocked {
		d := Decision{State: StateBlockedRedirect, Logout: true, Message: MessageBlocked}
		if path != r.BlockedPage {
			d.Redirect = r.BlockedPage
		}
		return d
	}
	if r.IsPublic(path) {
		return Decision{State: StateAllowed}
	}
	if in.Actor == nil {
		return Decision{State: StateAuthRedirect, Redirect: r.LoginPage, Message: MessageLoginRequired}
	}
	if r.IsAdmin(path) && !in.Actor.IsAdmin() {
		return Decision{State: StateAuthRedirect, Redirect: r.LoginPage, Message: MessageAdminOnly}
	}
	return Decision{State: StateAllowed}
}

// Guard holds the current session and its last decision. It is safe for
// concurrent use; the SDK feeds it from its read loop while the application
// reads it from elsewhere.
type Guard struct {
	routes Routes

	mu      sync.Mutex
	state   State
	actor   *actor.Actor
	blocked map[string]bool
	path    string
	last    Decision
}

func NewGuard(routes Routes) *Guard {
	return &Guard{routes: routes, state: StateUnknown, blocked: make(map[string]bool)}
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Last returns the most recent decision.
func (g *Guard) Last() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Begin marks an evaluation in flight, for example while block status is
// being fetched after a reconnect.
func (g *Guard) Begin() {
	g.mu.Lock()
	g.state = StateChecking
	g.mu.Unlock()
}

// Evaluate records the session in in and decides. A true in.Blocked is
// remembered for the actor. Only OnStatusUpdate clears a recorded block.
func (g *Guard) Evaluate(in Input) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StateChecking
	if in.Actor != nil {
		a := *in.Actor
		g.actor = &a
		if in.Blocked {
			g.blocked[a.ID] = true
		}
	} else {
		g.actor = nil
	}
	g.path = in.Path
	return g.decideLocked()
}

// Navigate re-evaluates the current session on a new path.
func (g *Guard) Navigate(path string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StateChecking
	g.path = path
	return g.decideLocked()
}

// OnStatusUpdate applies a block status event for the session actor and
// reports whether it did. Status updates are broadcast to every connection,
// so events for other actors are ignored and only blocks are kept.
func (g *Guard) OnStatusUpdate(userID string, isBlocked bool) (Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.actor == nil || g.actor.ID != userID {
		return g.last, false
	}
	if isBlocked {
		g.blocked[userID] = true
	} else {
		delete(g.blocked, userID)
	}
	g.state = StateChecking
	return g.decideLocked(), true
}

// Logout clears the session actor. Recorded block states are kept.
func (g *Guard) Logout() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actor = nil
	g.state = StateChecking
	return g.decideLocked()
}

func (g *Guard) decideLocked() Decision {
	in := Input{Actor: g.actor, Path: g.path}
	if g.actor != nil {
		in.Blocked = g.blocked[g.actor.ID]
	}
	d := g.routes.Evaluate(in)
	g.state = d.State
	g.last = d
	return d
}
