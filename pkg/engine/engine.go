// Package engine keeps the local copy of a room's code in step with the relay
// and the room directory.
//
// The engine holds one Session at a time. A local edit updates the Session
// buffer straight away, then is broadcast on the relay connection and written
// to the directory. Neither of those two can undo the local change. A
// code_change from the relay replaces the buffer outright: the last one to
// arrive wins and no merge is attempted, so two people typing at once can
// overwrite each other.
//
// On Join the directory snapshot is the source of truth. After that, relay
// events take precedence until the next Join. Nothing orders relay events
// against directory writes; the only ordering guarantees come from tearing down
// every timer, query and connection of a Session before the next one is used.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uber-go/tally"

	"github.com/astromechza/roomsync/internal/clock"
	"github.com/astromechza/roomsync/pkg/directory"
	"github.com/astromechza/roomsync/pkg/event"
	"github.com/astromechza/roomsync/pkg/presence"
	"github.com/astromechza/roomsync/pkg/suggest"
	"github.com/astromechza/roomsync/pkg/transport"
)

const DefaultWriteTimeout = 5 * time.Second

var (
	ErrNotJoined  = errors.New("no room joined")
	ErrClosed     = errors.New("engine closed")
	ErrSuperseded = errors.New("join superseded by a later join or leave")
)

// Directory is the durable side of the engine. *directory.Client satisfies it.
type Directory interface {
	GetRoom(ctx context.Context, roomID string) (directory.Room, error)
	UpdateCode(ctx context.Context, roomID, code string) error
	presence.Querier
	suggest.Querier
}

// Conn is one relay connection. *transport.Handle satisfies it.
type Conn interface {
	State() transport.State
	Send(e event.Event) bool
	OnEvent(cb func(event.Event))
	OnClose(cb func(error))
	Close() error
	Done() <-chan struct{}
}

type Connector interface {
	Connect(ctx context.Context, roomID string) (Conn, error)
}

type relayConnector struct {
	adapter *transport.Adapter
}

// Relay adapts a transport.Adapter to Connector.
func Relay(a *transport.Adapter) Connector { return relayConnector{adapter: a} }

func (r relayConnector) Connect(ctx context.Context, roomID string) (Conn, error) {
	h, err := r.adapter.Connect(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return h, nil
}

type Origin int

const (
	OriginDurable Origin = iota
	OriginLocal
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginDurable:
		return "durable"
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// Observer is told about changes to the active Session. Methods are called
// from engine goroutines without the engine lock held, and must not call
// Join, Leave or Close synchronously.
type Observer interface {
	Buffer(roomID, code string, origin Origin)
	Presence(roomID string, count int)
	Suggestions(roomID string, result suggest.Result)
	Notice(roomID string, err error)
	Disconnected(roomID string, err error)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) Buffer(string, string, Origin)      {}
func (NopObserver) Presence(string, int)               {}
func (NopObserver) Suggestions(string, suggest.Result) {}
func (NopObserver) Notice(string, error)               {}
func (NopObserver) Disconnected(string, error)         {}

// SessionState is a copy of the active Session.
type SessionState struct {
	Room              directory.Room
	Code              string
	Connected         bool
	ActiveConnections int
	PresenceKnown     bool
	LastLocalEdit     time.Time
	LastRemoteEvent   time.Time
}

type session struct {
	room   directory.Room
	ctx    context.Context
	cancel context.CancelFunc

	code            string
	conn            Conn
	presence        *presence.Subscription
	fetcher         *suggest.Fetcher
	count           int
	countKnown      bool
	lastLocalEdit   time.Time
	lastRemoteEvent time.Time

	// pending is the newest buffer not yet handed to the writer. Only one
	// writer runs per Session, so durable writes land in edit order and a
	// burst collapses to its last buffer.
	pending *string
	writing bool
}

type Engine struct {
	dir          Directory
	connector    Connector
	clock        clock.Clock
	logger       *slog.Logger
	scope        tally.Scope
	stats        tally.Scope
	observer     Observer
	writeTimeout time.Duration
	pollInterval time.Duration
	debounce     time.Duration
	queryTimeout time.Duration

	poller *presence.Poller
	writes sync.WaitGroup

	mu      sync.Mutex
	current *session
	conns   []Conn
	closed  bool
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithStats(s tally.Scope) Option { return func(e *Engine) { e.stats = s } }

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithWriteTimeout bounds each durable write.
func WithWriteTimeout(d time.Duration) Option { return func(e *Engine) { e.writeTimeout = d } }

func WithPollInterval(d time.Duration) Option { return func(e *Engine) { e.pollInterval = d } }

func WithDebounce(d time.Duration) Option { return func(e *Engine) { e.debounce = d } }

// WithQueryTimeout bounds each suggestion fetch.
func WithQueryTimeout(d time.Duration) Option { return func(e *Engine) { e.queryTimeout = d } }

func New(dir Directory, connector Connector, opts ...Option) *Engine {
	e := &Engine{
		dir:          dir,
		connector:    connector,
		clock:        clock.Real(),
		logger:       slog.Default(),
		stats:        tally.NoopScope,
		observer:     NopObserver{},
		writeTimeout: DefaultWriteTimeout,
		pollInterval: presence.DefaultInterval,
		debounce:     suggest.DefaultDebounce,
		queryTimeout: suggest.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.poller = presence.New(dir,
		presence.WithClock(e.clock),
		presence.WithInterval(e.pollInterval),
		presence.WithLogger(e.logger),
		presence.WithStats(e.stats),
	)
	e.scope = e.stats
	e.stats = e.scope.SubScope("engine")
	return e
}

// Join makes roomID the active room. The directory snapshot seeds the buffer,
// then the relay connection is opened. Joining the room that is already active
// with an open connection changes nothing; if its connection has closed, Join
// reconnects and keeps the current buffer.
//
// If only the relay connection fails the Session stays active, edits keep
// being written to the directory, and the TransportError is returned.
func (e *Engine) Join(ctx context.Context, roomID string) (SessionState, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return SessionState{}, ErrClosed
	}
	if cur := e.current; cur != nil && cur.room.RoomID == roomID {
		if cur.conn != nil && cur.conn.State() == transport.Open {
			st := cur.stateLocked()
			e.mu.Unlock()
			return st, nil
		}
		e.mu.Unlock()
		return e.connect(ctx, cur)
	}
	e.mu.Unlock()

	room, err := e.dir.GetRoom(ctx, roomID)
	if err != nil {
		e.logger.Error("failed to load room", "room", roomID, "err", err)
		return SessionState{}, err
	}

	// The previous Session is fully released before the new one is visible.
	e.mu.Lock()
	prev := e.current
	e.current = nil
	e.mu.Unlock()
	e.teardown(prev)

	s := e.newSession(room)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		s.cancel()
		s.fetcher.Close()
		return SessionState{}, ErrClosed
	}
	raced := e.current
	e.current = s
	e.mu.Unlock()
	e.teardown(raced)

	e.stats.Counter("joins").Inc(1)
	e.logger.Info("joined room", "room", room.RoomID, "name", room.RoomName)
	e.start(s)
	e.observer.Buffer(room.RoomID, room.CodeContent, OriginDurable)

	return e.connect(ctx, s)
}

// Leave tears down the active Session, if any.
func (e *Engine) Leave() {
	e.mu.Lock()
	s := e.current
	e.current = nil
	e.mu.Unlock()
	e.teardown(s)
}

// Edit replaces the buffer with code. The buffer is updated before Edit does
// anything else; the broadcast and the durable write are best effort.
func (e *Engine) Edit(code string) error {
	now := e.clock.Now()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	s := e.current
	if s == nil {
		e.mu.Unlock()
		return ErrNotJoined
	}
	s.code = code
	s.lastLocalEdit = now
	conn := s.conn
	roomID := s.room.RoomID
	s.pending = &code
	startWriter := !s.writing
	if startWriter {
		s.writing = true
		e.writes.Add(1)
	}
	e.mu.Unlock()

	e.stats.Counter("local_edits").Inc(1)
	e.observer.Buffer(roomID, code, OriginLocal)

	if conn != nil {
		conn.Send(event.NewCodeChange(code, now))
	}
	if startWriter {
		go e.writeLoop(s)
	}
	return nil
}

// Code returns the active buffer, or "" when no room is joined.
func (e *Engine) Code() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.code
}

// Presence returns the last polled connection count for the active room. The
// second result is false until a poll has succeeded.
func (e *Engine) Presence() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return 0, false
	}
	return e.current.count, e.current.countKnown
}

// Session returns a copy of the active Session.
func (e *Engine) Session() (SessionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return SessionState{}, false
	}
	return e.current.stateLocked(), true
}

// Suggest asks for completions of prefix in the active room's language. See
// suggest.Fetcher.Request for the debounce and result semantics.
func (e *Engine) Suggest(prefix string) (cancel func(), result <-chan suggest.Result, err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, nil, ErrClosed
	}
	s := e.current
	if s == nil {
		e.mu.Unlock()
		return nil, nil, ErrNotJoined
	}
	f, lang, roomID := s.fetcher, s.room.Language, s.room.RoomID
	e.mu.Unlock()
	cancel, result = f.Request(lang, prefix, roomID)
	return cancel, result, nil
}

// Loading reports whether a suggestion fetch for the active room is pending.
func (e *Engine) Loading() bool {
	e.mu.Lock()
	s := e.current
	e.mu.Unlock()
	return s != nil && s.fetcher.IsLoading()
}

// Close leaves the active room and waits for outstanding writes and relay
// goroutines to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	s := e.current
	e.current = nil
	conns := e.conns
	e.conns = nil
	e.mu.Unlock()

	e.teardown(s)
	e.writes.Wait()
	for _, c := range conns {
		_ = c.Close()
		<-c.Done()
	}
}

func (e *Engine) newSession(room directory.Room) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{room: room, ctx: ctx, cancel: cancel, code: room.CodeContent}
	s.fetcher = suggest.New(e.dir,
		suggest.WithClock(e.clock),
		suggest.WithDebounce(e.debounce),
		suggest.WithTimeout(e.queryTimeout),
		suggest.WithLogger(e.logger),
		suggest.WithStats(e.scope),
		suggest.OnResult(func(r suggest.Result) { e.applySuggestions(s, r) }),
	)
	return s
}

// start begins presence polling for an installed Session.
func (e *Engine) start(s *session) {
	sub := e.poller.Start(s.ctx, s.room.RoomID, func(n int) { e.applyPresence(s, n) })

	e.mu.Lock()
	if e.current != s {
		// torn down while the poller was starting
		e.mu.Unlock()
		sub.Stop()
		return
	}
	s.presence = sub
	e.mu.Unlock()
}

func (e *Engine) connect(ctx context.Context, s *session) (SessionState, error) {
	conn, err := e.connector.Connect(ctx, s.room.RoomID)
	if err != nil {
		e.logger.Error("failed to connect to relay", "room", s.room.RoomID, "err", err)
		e.mu.Lock()
		st := s.stateLocked()
		e.mu.Unlock()
		return st, err
	}

	e.mu.Lock()
	if e.current != s {
		e.mu.Unlock()
		_ = conn.Close()
		e.track(conn)
		return SessionState{}, ErrSuperseded
	}
	if s.conn != nil && s.conn.State() == transport.Open {
		st := s.stateLocked()
		e.mu.Unlock()
		_ = conn.Close()
		e.track(conn)
		return st, nil
	}
	old := s.conn
	s.conn = conn
	e.trackLocked(conn)
	st := s.stateLocked()
	e.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	conn.OnClose(func(err error) { e.connClosed(s, conn, err) })
	conn.OnEvent(func(ev event.Event) { e.receive(s, conn, ev) })
	return st, nil
}

// teardown releases everything bound to a detached Session. It must be called
// without the engine lock.
func (e *Engine) teardown(s *session) {
	if s == nil {
		return
	}
	s.cancel()
	e.mu.Lock()
	conn, sub, fetcher := s.conn, s.presence, s.fetcher
	e.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			e.logger.Warn("failed to close relay connection", "room", s.room.RoomID, "err", err)
		}
	}
	if sub != nil {
		sub.Stop()
	}
	if fetcher != nil {
		fetcher.Close()
	}
	e.logger.Info("left room", "room", s.room.RoomID)
}

// writeLoop persists the Session's pending buffer until none is left. Buffers
// replaced while a write is in flight are never written.
func (e *Engine) writeLoop(s *session) {
	defer e.writes.Done()
	for {
		e.mu.Lock()
		if s.pending == nil || s.ctx.Err() != nil {
			s.pending = nil
			s.writing = false
			e.mu.Unlock()
			return
		}
		code := *s.pending
		s.pending = nil
		e.mu.Unlock()
		e.persist(s.ctx, s.room.RoomID, code)
	}
}

func (e *Engine) persist(ctx context.Context, roomID, code string) {
	wctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()
	if err := e.dir.UpdateCode(wctx, roomID, code); err != nil {
		if ctx.Err() != nil {
			e.logger.Debug("abandoned durable write for departed room", "room", roomID)
			return
		}
		e.stats.Counter("durable_write_failures").Inc(1)
		e.logger.Error("failed to persist code", "room", roomID, "err", err)
		e.observer.Notice(roomID, err)
	}
}

func (e *Engine) receive(s *session, conn Conn, ev event.Event) {
	e.mu.Lock()
	if e.current != s || s.conn != conn {
		e.mu.Unlock()
		e.stats.Counter("stale_events").Inc(1)
		return
	}
	switch v := ev.(type) {
	case event.CodeChange:
		s.code = v.Code
		s.lastRemoteEvent = e.clock.Now()
		roomID := s.room.RoomID
		e.mu.Unlock()
		e.stats.Counter("remote_events").Inc(1)
		e.observer.Buffer(roomID, v.Code, OriginRemote)
	case event.Malformed:
		e.mu.Unlock()
		e.stats.Counter("malformed_events").Inc(1)
		e.logger.Warn("ignoring malformed event", "room", s.room.RoomID, "type", v.Tag, "reason", v.Reason)
	case event.UserDisconnected:
		e.mu.Unlock()
		e.logger.Info("peer left room", "room", s.room.RoomID, "message", v.Message)
	default:
		e.mu.Unlock()
		e.stats.Counter("ignored_events").Inc(1)
		e.logger.Debug("ignoring event", "room", s.room.RoomID, "type", ev.Type())
	}
}

func (e *Engine) connClosed(s *session, conn Conn, err error) {
	e.mu.Lock()
	live := e.current == s && s.conn == conn
	e.mu.Unlock()
	if !live || err == nil {
		return
	}
	e.stats.Counter("disconnects").Inc(1)
	e.logger.Warn("relay connection closed", "room", s.room.RoomID, "err", err)
	e.observer.Disconnected(s.room.RoomID, err)
}

func (e *Engine) applyPresence(s *session, n int) {
	e.mu.Lock()
	if e.current != s {
		e.mu.Unlock()
		return
	}
	s.count, s.countKnown = n, true
	e.mu.Unlock()
	e.observer.Presence(s.room.RoomID, n)
}

func (e *Engine) applySuggestions(s *session, r suggest.Result) {
	e.mu.Lock()
	live := e.current == s
	e.mu.Unlock()
	if live {
		e.observer.Suggestions(s.room.RoomID, r)
	}
}

func (e *Engine) track(c Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trackLocked(c)
}

// trackLocked remembers c so Close can wait for it, dropping finished ones.
func (e *Engine) trackLocked(c Conn) {
	live := e.conns[:0]
	for _, existing := range e.conns {
		select {
		case <-existing.Done():
		default:
			live = append(live, existing)
		}
	}
	e.conns = append(live, c)
}

func (s *session) stateLocked() SessionState {
	return SessionState{
		Room:              s.room,
		Code:              s.code,
		Connected:         s.conn != nil && s.conn.State() == transport.Open,
		ActiveConnections: s.count,
		PresenceKnown:     s.countKnown,
		LastLocalEdit:     s.lastLocalEdit,
		LastRemoteEvent:   s.lastRemoteEvent,
	}
}
