package presence

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/careportal/careportal/pkg/actor"
)

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name    string
		connID  string
		actorID string
		role    actor.Role
		wantErr error
	}{
		{"missing connection", "", "u-1", actor.RoleUser, ErrMissingConnection},
		{"missing actor", "c-1", "  ", actor.RoleUser, ErrMissingActorID},
		{"invalid role", "c-1", "u-1", "nurse", ErrInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(tt.connID, tt.actorID, tt.role, "")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if r.ConnectionCount() != 0 || r.OnlineCount() != 0 {
				t.Error("rejected registration must leave no entry")
			}
		})
	}
}

func TestRegister_MultipleConnections(t *testing.T) {
	r := NewRegistry()
	r.Register("tab-1", "u-1", actor.RoleUser, "u@x.test")
	r.Register("tab-2", "u-1", actor.RoleUser, "u@x.test")

	conns := r.Lookup("u-1")
	if len(conns) != 2 || conns[0] != "tab-1" || conns[1] != "tab-2" {
		t.Fatalf("unexpected connections %v", conns)
	}

	actorID, offline := r.Unregister("tab-1")
	if actorID != "u-1" || offline {
		t.Errorf("first disconnect: got (%q, %v)", actorID, offline)
	}
	if !r.IsOnline("u-1") {
		t.Error("actor with a remaining tab should be online")
	}

	_, offline = r.Unregister("tab-2")
	if !offline {
		t.Error("last disconnect should report offline")
	}
	if got := r.Lookup("u-1"); len(got) != 0 {
		t.Errorf("expected empty lookup, got %v", got)
	}
	if r.OnlineCount() != 0 {
		t.Error("actor should be removed eagerly")
	}
}

func TestRegister_OverwritesStaleMapping(t *testing.T) {
	r := NewRegistry()
	r.Register("c-1", "u-old", actor.RoleUser, "")
	r.Register("c-1", "u-new", actor.RoleDoctor, "")

	if r.IsOnline("u-old") {
		t.Error("stale actor should be gone")
	}
	if got := r.Lookup("u-new"); len(got) != 1 || got[0] != "c-1" {
		t.Errorf("unexpected lookup %v", got)
	}
	e, ok := r.Connection("c-1")
	if !ok || e.Role != actor.RoleDoctor {
		t.Errorf("unexpected entry %+v", e)
	}
	if r.ConnectionCount() != 1 {
		t.Errorf("expected 1 connection, got %d", r.ConnectionCount())
	}
}

func TestRegister_Idempotent(t *testing.T) {
	r := NewRegistry()
	r.Register("c-1", "u-1", actor.RoleUser, "")
	r.Register("c-1", "u-1", actor.RoleUser, "")
	if got := r.Lookup("u-1"); len(got) != 1 {
		t.Errorf("expected a single connection, got %v", got)
	}
}

func TestUnregister_Unknown(t *testing.T) {
	r := NewRegistry()
	if id, offline := r.Unregister("ghost"); id != "" || offline {
		t.Errorf("unexpected (%q, %v)", id, offline)
	}
}

func TestStatsAndReset(t *testing.T) {
	r := NewRegistry()
	r.Register("a", "u-1", actor.RoleUser, "")
	r.Register("b", "u-1", actor.RoleUser, "")
	r.Register("c", "d-1", actor.RoleDoctor, "")
	r.Register("d", "admin-1", actor.RoleAdmin, "")

	s := r.Stats()
	if s.OnlineActors != 3 || s.Connections != 4 {
		t.Errorf("unexpected stats %+v", s)
	}
	if s.ByRole["user"] != 1 || s.ByRole["doctor"] != 1 || s.ByRole["admin"] != 1 {
		t.Errorf("unexpected role counts %v", s.ByRole)
	}

	r.Reset()
	if r.OnlineCount() != 0 || r.ConnectionCount() != 0 {
		t.Error("reset should clear everything")
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c-%d", i)
			r.Register(conn, fmt.Sprintf("u-%d", i%5), actor.RoleUser, "")
			r.Lookup(fmt.Sprintf("u-%d", i%5))
			r.Unregister(conn)
		}(i)
	}
	wg.Wait()

	if r.OnlineCount() != 0 || r.ConnectionCount() != 0 {
		t.Errorf("expected empty registry, got %d actors %d conns", r.OnlineCount(), r.ConnectionCount())
	}
}
