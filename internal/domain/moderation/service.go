package moderation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Outbound is the live connection surface the propagator writes to.
type Outbound interface {
	BroadcastAll(event string, data any) int
	SendTo(connID, event string, data any) bool
}

// Listener runs after a committed transition.
type Listener func(ctx context.Context, c Change)

type Option func(*Propagator)

func WithListener(l Listener) Option {
	return func(p *Propagator) { p.listeners = append(p.listeners, l) }
}

// Propagator applies block changes and fans them out. The cache holds every
// status it has read or written; it is filled by Warm on start and cleared by
// Reset on shutdown.
type Propagator struct {
	repo      Repository
	out       Outbound
	listeners []Listener
	logger    zerolog.Logger

	// setMu orders transitions so broadcasts follow commit order.
	setMu sync.Mutex
	mu    sync.RWMutex
	cache map[string]bool
}

func NewPropagator(repo Repository, out Outbound, logger zerolog.Logger, opts ...Option) *Propagator {
	p := &Propagator{
		repo:   repo,
		out:    out,
		logger: logger.With().Str("component", "moderation").Logger(),
		cache:  make(map[string]bool),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetBlocked applies c. Only a real transition is broadcast; setting the
// current state again returns false and emits nothing.
func (p *Propagator) SetBlocked(ctx context.Context, c Change) (bool, error) {
	c.ActorID = strings.TrimSpace(c.ActorID)
	if c.ActorID == "" {
		return false, ErrMissingActorID
	}

	p.setMu.Lock()
	defer p.setMu.Unlock()

	changed, err := p.repo.SetBlocked(ctx, c)
	if err != nil {
		return false, fmt.Errorf("store block status: %w", err)
	}
	p.mu.Lock()
	p.cache[c.ActorID] = c.Blocked
	p.mu.Unlock()
	if !changed {
		return false, nil
	}

	n := p.out.BroadcastAll(EventUserStatusUpdated, StatusUpdate{UserID: c.ActorID, IsBlocked: c.Blocked})
	p.logger.Info().
		Str("actor_id", c.ActorID).
		Bool("blocked", c.Blocked).
		Str("by", c.By).
		Int("connections", n).
		Msg("block status changed")
	for _, l := range p.listeners {
		l(ctx, c)
	}
	return true, nil
}

// IsBlocked answers from the cache and falls back to the store.
func (p *Propagator) IsBlocked(ctx context.Context, actorID string) (bool, error) {
	p.mu.RLock()
	blocked, ok := p.cache[actorID]
	p.mu.RUnlock()
	if ok {
		return blocked, nil
	}
	rec, err := p.repo.Get(ctx, actorID)
	if err != nil {
		return false, fmt.Errorf("load block status: %w", err)
	}
	p.mu.Lock()
	// A concurrent SetBlocked wins over this read.
	if cur, ok := p.cache[actorID]; ok {
		p.mu.Unlock()
		return cur, nil
	}
	p.cache[actorID] = rec.Blocked
	p.mu.Unlock()
	return rec.Blocked, nil
}

// Status is the user_status_updated payload describing actorID now.
func (p *Propagator) Status(ctx context.Context, actorID string) (StatusUpdate, error) {
	blocked, err := p.IsBlocked(ctx, actorID)
	if err != nil {
		return StatusUpdate{}, err
	}
	return StatusUpdate{UserID: actorID, IsBlocked: blocked}, nil
}

// Replay tells a freshly registered connection that its actor is blocked.
// Nothing is sent for actors in good standing.
func (p *Propagator) Replay(ctx context.Context, connID, actorID string) (bool, error) {
	blocked, err := p.IsBlocked(ctx, actorID)
	if err != nil || !blocked {
		return false, err
	}
	return p.out.SendTo(connID, EventUserStatusUpdated, StatusUpdate{UserID: actorID, IsBlocked: true}), nil
}

// Record returns the stored record with reason and author.
func (p *Propagator) Record(ctx context.Context, actorID string) (Record, error) {
	return p.repo.Get(ctx, actorID)
}

// Blocked lists blocked actor ids from the store.
func (p *Propagator) Blocked(ctx context.Context) ([]string, error) {
	ids, err := p.repo.ListBlocked(ctx)
	if ids == nil && err == nil {
		ids = []string{}
	}
	return ids, err
}

// Warm loads every blocked actor into the cache.
func (p *Propagator) Warm(ctx context.Context) error {
	ids, err := p.repo.ListBlocked(ctx)
	if err != nil {
		return fmt.Errorf("warm block cache: %w", err)
	}
	p.mu.Lock()
	for _, id := range ids {
		p.cache[id] = true
	}
	p.mu.Unlock()
	p.logger.Info().Int("blocked", len(ids)).Msg("block cache warmed")
	return nil
}

// Reset empties the cache.
func (p *Propagator) Reset() {
	p.mu.Lock()
	p.cache = make(map[string]bool)
	p.mu.Unlock()
}

// CacheSize is the number of cached statuses.
func (p *Propagator) CacheSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cache)
}
