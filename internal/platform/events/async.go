package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AsyncPublisher hands events to a background goroutine so publishing never
// blocks a booking or a socket handler. When the queue is full the event is
// dropped and logged.
type AsyncPublisher struct {
	next    Publisher
	queue   chan Event
	logger  zerolog.Logger
	timeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewAsyncPublisher(next Publisher, size int, logger zerolog.Logger) *AsyncPublisher {
	p := &AsyncPublisher{
		next:    next,
		queue:   make(chan Event, size),
		logger:  logger,
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for e := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.next.Publish(ctx, e); err != nil {
			p.logger.Error().Err(err).Str("event_id", e.ID).Str("type", string(e.Type)).Msg("publish event")
		}
		cancel()
	}
}

// Publish enqueues e. It never returns an error; drops are logged.
func (p *AsyncPublisher) Publish(_ context.Context, e Event) error {
	select {
	case p.queue <- e:
	default:
		p.logger.Warn().Str("event_id", e.ID).Str("type", string(e.Type)).Msg("event queue full, dropping")
	}
	return nil
}

// Close drains queued events and closes the underlying publisher. Publish
// must not be called after Close.
func (p *AsyncPublisher) Close() error {
	p.closeOnce.Do(func() { close(p.queue) })
	<-p.done
	return p.next.Close()
}
