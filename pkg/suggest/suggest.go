// Package suggest fetches autocomplete candidates with a debounce, and only
// ever applies the answer to the most recent request.
package suggest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/uber-go/tally"

	"github.com/astromechza/roomsync/internal/clock"
	"github.com/astromechza/roomsync/pkg/directory"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultTimeout  = 5 * time.Second
)

// Querier is satisfied by *directory.Client.
type Querier interface {
	Suggestions(ctx context.Context, language, prefix, roomID string) ([]directory.Suggestion, error)
}

// Result is the outcome of the request it was delivered for. On error the
// previously displayed suggestions stay in place.
type Result struct {
	Language    string
	Prefix      string
	RoomID      string
	Suggestions []directory.Suggestion
	Err         error
}

type Fetcher struct {
	query    Querier
	clock    clock.Clock
	debounce time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	stats    tally.Scope
	onResult func(Result)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	generation  uint64
	current     *request
	loading     bool
	suggestions []directory.Suggestion
	closed      bool
}

type request struct {
	gen      uint64
	language string
	prefix   string
	roomID   string
	out      chan Result
	timer    *clock.Timer
	abort    context.CancelFunc
	settled  bool
}

type Option func(*Fetcher)

func WithClock(c clock.Clock) Option { return func(f *Fetcher) { f.clock = c } }

func WithDebounce(d time.Duration) Option { return func(f *Fetcher) { f.debounce = d } }

func WithTimeout(d time.Duration) Option { return func(f *Fetcher) { f.timeout = d } }

func WithLogger(l *slog.Logger) Option { return func(f *Fetcher) { f.logger = l } }

func WithStats(s tally.Scope) Option { return func(f *Fetcher) { f.stats = s } }

// OnResult registers a callback run after each applied result, outside the
// fetcher's lock.
func OnResult(cb func(Result)) Option { return func(f *Fetcher) { f.onResult = cb } }

func New(q Querier, opts ...Option) *Fetcher {
	f := &Fetcher{
		query:    q,
		clock:    clock.Real(),
		debounce: DefaultDebounce,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		stats:    tally.NoopScope,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.debounce <= 0 {
		f.debounce = DefaultDebounce
	}
	f.stats = f.stats.SubScope("suggest")
	f.ctx, f.cancel = context.WithCancel(context.Background())
	return f
}

// Request schedules a fetch for the tuple once the debounce window passes
// without another Request. Any earlier request that has not been applied yet is
// abandoned: its timer is stopped, its query cancelled and its channel closed
// without a value.
//
// The returned channel yields exactly one Result if this request is applied,
// and is closed either way. An empty prefix resolves immediately to no
// suggestions without a query.
func (f *Fetcher) Request(language, prefix, roomID string) (cancel func(), result <-chan Result) {
	f.mu.Lock()
	r := &request{language: language, prefix: prefix, roomID: roomID, out: make(chan Result, 1)}
	if f.closed {
		f.mu.Unlock()
		close(r.out)
		return func() {}, r.out
	}
	f.supersedeLocked()
	f.generation++
	r.gen = f.generation
	f.current = r

	if prefix == "" {
		f.suggestions = []directory.Suggestion{}
		res := Result{Language: language, Prefix: prefix, RoomID: roomID, Suggestions: []directory.Suggestion{}}
		f.settleLocked(r, res)
		cb := f.onResult
		f.mu.Unlock()
		if cb != nil {
			cb(res)
		}
		return func() {}, r.out
	}

	r.timer = f.clock.AfterFunc(f.debounce, func() { f.dispatch(r) })
	f.mu.Unlock()
	return func() { f.abandon(r) }, r.out
}

// IsLoading reports whether the current request has been sent and not yet
// answered.
func (f *Fetcher) IsLoading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loading
}

// Suggestions returns the last applied suggestions.
func (f *Fetcher) Suggestions() []directory.Suggestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]directory.Suggestion(nil), f.suggestions...)
}

// Close abandons the current request and waits for any query goroutine to
// return. Later Requests resolve to a closed channel.
func (f *Fetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.supersedeLocked()
	f.current = nil
	f.mu.Unlock()
	f.cancel()
	f.wg.Wait()
}

func (f *Fetcher) dispatch(r *request) {
	f.mu.Lock()
	if f.closed || f.current != r || r.settled {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(f.ctx, f.timeout)
	r.abort = cancel
	f.loading = true
	f.wg.Add(1)
	f.mu.Unlock()

	f.stats.Counter("requests").Inc(1)
	go func() {
		defer f.wg.Done()
		defer cancel()
		got, err := f.query.Suggestions(ctx, r.language, r.prefix, r.roomID)
		f.complete(r, got, err)
	}()
}

func (f *Fetcher) complete(r *request, got []directory.Suggestion, err error) {
	f.mu.Lock()
	if f.current != r || r.settled {
		f.mu.Unlock()
		f.stats.Counter("stale_responses").Inc(1)
		f.logger.Debug("discarding stale suggestions", "prefix", r.prefix, "room", r.roomID)
		return
	}
	f.loading = false
	res := Result{Language: r.language, Prefix: r.prefix, RoomID: r.roomID, Err: err}
	if err != nil {
		f.stats.Counter("failures").Inc(1)
		f.logger.Warn("failed to fetch suggestions", "prefix", r.prefix, "room", r.roomID, "err", err)
	} else {
		if got == nil {
			got = []directory.Suggestion{}
		}
		f.suggestions = got
		res.Suggestions = got
	}
	f.settleLocked(r, res)
	cb := f.onResult
	f.mu.Unlock()

	if cb != nil {
		cb(res)
	}
}

func (f *Fetcher) abandon(r *request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == r {
		f.supersedeLocked()
	}
}

// supersedeLocked gives up on the current request if it is still open.
func (f *Fetcher) supersedeLocked() {
	r := f.current
	if r == nil || r.settled {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.abort != nil {
		r.abort()
	}
	r.settled = true
	close(r.out)
	f.loading = false
}

func (f *Fetcher) settleLocked(r *request, res Result) {
	r.settled = true
	r.out <- res
	close(r.out)
}
