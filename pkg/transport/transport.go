// Package transport owns the websocket connection to the broadcast relay for a
// single room.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uber-go/tally"

	"github.com/astromechza/roomsync/pkg/event"
	"github.com/astromechza/roomsync/pkg/roomerr"
)

type State int32

const (
	Connecting State = iota
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultWriteTimeout = 5 * time.Second
	eventBuffer         = 64
)

// Adapter dials the relay. It holds no per-room state; each Connect returns an
// independent Handle.
type Adapter struct {
	baseURL      *url.URL
	dialer       *websocket.Dialer
	logger       *slog.Logger
	stats        tally.Scope
	writeTimeout time.Duration
}

type Option func(*Adapter)

func WithLogger(l *slog.Logger) Option { return func(a *Adapter) { a.logger = l } }

func WithStats(s tally.Scope) Option { return func(a *Adapter) { a.stats = s } }

func WithDialer(d *websocket.Dialer) Option { return func(a *Adapter) { a.dialer = d } }

func WithWriteTimeout(d time.Duration) Option { return func(a *Adapter) { a.writeTimeout = d } }

// New returns an Adapter for the relay rooted at baseURL. An http(s) scheme is
// rewritten to ws(s).
func New(baseURL *url.URL, opts ...Option) *Adapter {
	u := *baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	a := &Adapter{
		baseURL:      &u,
		dialer:       websocket.DefaultDialer,
		logger:       slog.Default(),
		stats:        tally.NoopScope,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RoomURL is the relay endpoint for roomID.
func (a *Adapter) RoomURL(roomID string) string {
	return a.baseURL.JoinPath("ws", "editor", roomID).String()
}

// Connect opens the relay connection for roomID. The returned Handle is Open.
// Inbound events are queued until OnEvent registers a callback.
func (a *Adapter) Connect(ctx context.Context, roomID string) (*Handle, error) {
	h := &Handle{
		roomID: roomID,
		logger: a.logger.With("room", roomID),
		stats:  a.stats.SubScope("transport"),
		events: make(chan event.Event, eventBuffer),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
		wt:     a.writeTimeout,
	}
	h.state.Store(int32(Connecting))

	conn, _, err := a.dialer.DialContext(ctx, a.RoomURL(roomID), nil)
	if err != nil {
		h.state.Store(int32(Closed))
		return nil, &roomerr.TransportError{RoomID: roomID, Err: fmt.Errorf("failed to dial: %w", err)}
	}
	h.conn = conn
	h.state.Store(int32(Open))
	h.logger.Info("relay connected")

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		h.readLoop()
	}()
	go func() {
		defer close(h.done)
		h.dispatch()
		<-readerDone
	}()
	return h, nil
}

// Handle is one open relay connection. Send, OnEvent, OnClose and Close are
// safe for concurrent use. Callbacks run on a single goroutine in arrival
// order and must not call Wait.
type Handle struct {
	roomID string
	conn   *websocket.Conn
	logger *slog.Logger
	stats  tally.Scope
	wt     time.Duration
	state  atomic.Int32

	writeMu sync.Mutex

	events    chan event.Event
	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	onEvent  func(event.Event)
	onClose  func(error)
	closeErr error
	notified bool
}

func (h *Handle) RoomID() string { return h.roomID }

func (h *Handle) State() State { return State(h.state.Load()) }

// Send broadcasts e to the other members of the room. On a handle that is not
// Open the event is dropped and counted. The return value reports whether the
// frame was written.
func (h *Handle) Send(e event.Event) bool {
	if h.State() != Open {
		h.stats.Counter("dropped_sends").Inc(1)
		h.logger.Debug("dropping send on inactive relay connection", "state", h.State(), "type", e.Type())
		return false
	}
	raw, err := event.Encode(e)
	if err != nil {
		h.stats.Counter("dropped_sends").Inc(1)
		h.logger.Error("failed to encode event", "err", err)
		return false
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(h.wt))
	if err := h.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		h.stats.Counter("dropped_sends").Inc(1)
		h.logger.Error("failed to write message", "err", err)
		h.terminate(&roomerr.TransportError{RoomID: h.roomID, Err: fmt.Errorf("failed to write message: %w", err)})
		return false
	}
	h.stats.Counter("sent").Inc(1)
	return true
}

// OnEvent sets the inbound callback. Events that arrived before the first call
// are delivered to it in order.
func (h *Handle) OnEvent(cb func(event.Event)) {
	h.mu.Lock()
	h.onEvent = cb
	h.mu.Unlock()
	h.readyOnce.Do(func() { close(h.ready) })
}

// OnClose sets the callback invoked once the handle reaches Closed. err is nil
// after an explicit Close. Registering after the fact invokes cb immediately.
func (h *Handle) OnClose(cb func(error)) {
	h.mu.Lock()
	if h.notified {
		err := h.closeErr
		h.mu.Unlock()
		cb(err)
		return
	}
	h.onClose = cb
	h.mu.Unlock()
}

// Close moves the handle to Closed and shuts the socket. It does not wait for
// the background goroutines; use Wait for that.
func (h *Handle) Close() error {
	if !h.terminate(nil) {
		return nil
	}
	h.writeMu.Lock()
	_ = h.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	h.writeMu.Unlock()
	if err := h.conn.Close(); err != nil {
		return &roomerr.TransportError{RoomID: h.roomID, Err: err}
	}
	return nil
}

// Done is closed after the last callback has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until Done is closed.
func (h *Handle) Wait() { <-h.done }

// terminate records the first reason for closing and reports whether this call
// was the one that closed the handle.
func (h *Handle) terminate(reason error) bool {
	first := false
	h.closeOnce.Do(func() {
		first = true
		h.state.Store(int32(Closed))
		h.mu.Lock()
		h.closeErr = reason
		h.mu.Unlock()
		close(h.closed)
	})
	if first && reason != nil {
		_ = h.conn.Close()
	}
	return first
}

func (h *Handle) readLoop() {
	defer close(h.events)
	for {
		mt, p, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.terminate(&roomerr.TransportError{RoomID: h.roomID, Err: err})
			} else if h.terminate(&roomerr.TransportError{RoomID: h.roomID, Err: fmt.Errorf("failed to read message: %w", err)}) {
				h.logger.Error("relay connection dropped", "err", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		e, err := event.Decode(p)
		if err != nil {
			h.stats.Counter("decode_failures").Inc(1)
			h.logger.Warn("skipping undecodable frame", "err", err)
			continue
		}
		h.stats.Counter("received").Inc(1)
		select {
		case h.events <- e:
		case <-h.closed:
			return
		}
	}
}

func (h *Handle) dispatch() {
	select {
	case <-h.ready:
		for e := range h.events {
			h.mu.Lock()
			cb := h.onEvent
			h.mu.Unlock()
			if cb != nil {
				cb(e)
			}
		}
	case <-h.closed:
	}

	h.mu.Lock()
	err := h.closeErr
	h.notified = true
	cb := h.onClose
	h.mu.Unlock()

	if cb != nil {
		cb(err)
	}
}
