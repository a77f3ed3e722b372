// Package presence polls the relay for the number of people in a room.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/uber-go/tally"

	"github.com/astromechza/roomsync/internal/clock"
)

const DefaultInterval = 3 * time.Second

// Querier is satisfied by *directory.Client.
type Querier interface {
	ActiveConnections(ctx context.Context, roomID string) (int, error)
}

type Poller struct {
	query    Querier
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	stats    tally.Scope
}

type Option func(*Poller)

func WithClock(c clock.Clock) Option { return func(p *Poller) { p.clock = c } }

func WithInterval(d time.Duration) Option { return func(p *Poller) { p.interval = d } }

// WithTimeout bounds each poll. It defaults to the interval.
func WithTimeout(d time.Duration) Option { return func(p *Poller) { p.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(p *Poller) { p.logger = l } }

func WithStats(s tally.Scope) Option { return func(p *Poller) { p.stats = s } }

func New(q Querier, opts ...Option) *Poller {
	p := &Poller{
		query:    q,
		clock:    clock.Real(),
		interval: DefaultInterval,
		logger:   slog.Default(),
		stats:    tally.NoopScope,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.timeout <= 0 {
		p.timeout = p.interval
	}
	p.stats = p.stats.SubScope("presence")
	return p
}

// Subscription is one room's polling loop.
type Subscription struct {
	roomID string
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	last    int
	known   bool
	stopped bool
}

func (s *Subscription) RoomID() string { return s.roomID }

// Last returns the most recent successful count.
func (s *Subscription) Last() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.known
}

// Stop cancels the interval and any in-flight query, then waits for the loop
// to exit. onCount is never called once Stop has returned. Stop must not be
// called from inside onCount.
func (s *Subscription) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	<-s.done
}

// Start polls roomID once straight away and then on every interval until the
// subscription is stopped or ctx ends. onCount receives each successful count
// from the polling goroutine.
func (p *Poller) Start(ctx context.Context, roomID string, onCount func(int)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{roomID: roomID, cancel: cancel, done: make(chan struct{})}
	ticker := p.clock.NewTicker(p.interval)
	go func() {
		defer close(sub.done)
		defer ticker.Stop()
		p.poll(ctx, sub, onCount)
		for {
			select {
			case <-ticker.C:
				p.poll(ctx, sub, onCount)
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub
}

func (p *Poller) Stop(sub *Subscription) {
	if sub != nil {
		sub.Stop()
	}
}

func (p *Poller) poll(ctx context.Context, sub *Subscription, onCount func(int)) {
	qctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	n, err := p.query.ActiveConnections(qctx, sub.roomID)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.stats.Counter("poll_failures").Inc(1)
		p.logger.Warn("failed to poll active connections", "room", sub.roomID, "err", err)
		return
	}

	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return
	}
	sub.last, sub.known = n, true
	sub.mu.Unlock()

	p.stats.Counter("polls").Inc(1)
	if onCount != nil {
		onCount(n)
	}
}
