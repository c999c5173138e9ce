// Package presence tracks which live connections belong to which actor.
//
// An actor may hold several connections (tabs, devices). The registry keeps
// two indexes: connection -> entry and actor -> connection set. An actor is
// present only while its set is non-empty; the set is removed on the last
// disconnect.
package presence

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/careportal/careportal/pkg/actor"
)

var (
	ErrMissingConnection = errors.New("connection id is required")
	ErrMissingActorID    = errors.New("actorId is required")
	ErrInvalidRole       = errors.New("role must be one of user, doctor, admin")
)

// Entry is the registration of one connection.
type Entry struct {
	ConnID       string     `json:"connId"`
	ActorID      string     `json:"actorId"`
	Role         actor.Role `json:"role"`
	Email        string     `json:"email,omitempty"`
	RegisteredAt time.Time  `json:"registeredAt"`
}

// Stats is the admin view of the registry.
type Stats struct {
	OnlineActors int            `json:"onlineActors"`
	Connections  int            `json:"connections"`
	ByRole       map[string]int `json:"byRole"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Entry
	actors map[string]map[string]struct{}
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]Entry),
		actors: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// Register binds connID to an actor. Registering the same connection again
// replaces the previous binding. A rejected registration changes nothing.
func (r *Registry) Register(connID, actorID string, role actor.Role, email string) error {
	connID = strings.TrimSpace(connID)
	actorID = strings.TrimSpace(actorID)
	if connID == "" {
		return ErrMissingConnection
	}
	if actorID == "" {
		return ErrMissingActorID
	}
	if !role.Valid() {
		return ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[connID]; ok {
		r.detachLocked(prev)
	}
	r.conns[connID] = Entry{
		ConnID:       connID,
		ActorID:      actorID,
		Role:         role,
		Email:        email,
		RegisteredAt: r.now(),
	}
	set, ok := r.actors[actorID]
	if !ok {
		set = make(map[string]struct{})
		r.actors[actorID] = set
	}
	set[connID] = struct{}{}
	return nil
}

// Unregister drops connID. It returns the actor the connection belonged to
// and whether that actor has no connections left. Unknown connections are
// ignored.
func (r *Registry) Unregister(connID string) (actorID string, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	delete(r.conns, connID)
	return entry.ActorID, r.detachLocked(entry)
}

// detachLocked removes entry from its actor's set and reports whether the
// set emptied.
func (r *Registry) detachLocked(entry Entry) bool {
	set, ok := r.actors[entry.ActorID]
	if !ok {
		return false
	}
	delete(set, entry.ConnID)
	if len(set) == 0 {
		delete(r.actors, entry.ActorID)
		return true
	}
	return false
}

// Lookup returns the actor's connection ids, sorted. Offline actors yield an
// empty slice.
func (r *Registry) Lookup(actorID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.actors[actorID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Connection returns the entry for connID.
func (r *Registry) Connection(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	return e, ok
}

func (r *Registry) IsOnline(actorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actors[actorID]
	return ok
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats counts actors by role. An actor with connections under two roles is
// counted once per role.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byRole := make(map[string]int)
	seen := make(map[string]struct{})
	for _, e := range r.conns {
		key := e.ActorID + "|" + string(e.Role)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		byRole[string(e.Role)]++
	}
	return Stats{OnlineActors: len(r.actors), Connections: len(r.conns), ByRole: byRole}
}

// Reset clears the registry. The server calls it on shutdown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = make(map[string]Entry)
	r.actors = make(map[string]map[string]struct{})
}
