package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/astromechza/roomsync/pkg/directory"
	"github.com/astromechza/roomsync/pkg/event"
	"github.com/astromechza/roomsync/pkg/roomerr"
	"github.com/astromechza/roomsync/pkg/suggest"
	"github.com/astromechza/roomsync/pkg/transport"
)

type write struct {
	roomID string
	code   string
	ctx    context.Context
}

// fakeDirectory answers from memory. Presence and suggestion queries block on
// their gates when one is set, so tests can hold them in flight, and still
// answer once their context ends.
type fakeDirectory struct {
	mu           sync.Mutex
	rooms        map[string]directory.Room
	reads        int
	writeErr     error
	writeGate    chan struct{}
	writeJitter  time.Duration
	writes       chan write
	presence     map[string]int
	presenceGate chan struct{}
	polls        chan string
	suggestGate  chan struct{}
	suggestCalls chan string
}

func newFakeDirectory(rooms ...directory.Room) *fakeDirectory {
	d := &fakeDirectory{
		rooms:        make(map[string]directory.Room),
		writes:       make(chan write, 64),
		presence:     make(map[string]int),
		polls:        make(chan string, 64),
		suggestCalls: make(chan string, 64),
	}
	for _, r := range rooms {
		d.rooms[r.RoomID] = r
	}
	return d
}

func (d *fakeDirectory) GetRoom(ctx context.Context, roomID string) (directory.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	r, ok := d.rooms[roomID]
	if !ok {
		return directory.Room{}, &roomerr.DurableReadError{What: "room " + roomID, Err: &roomerr.StatusError{Code: 404}}
	}
	return r, nil
}

func (d *fakeDirectory) UpdateCode(ctx context.Context, roomID, code string) error {
	d.mu.Lock()
	gate, failure, jitter := d.writeGate, d.writeErr, d.writeJitter
	d.mu.Unlock()
	d.writes <- write{roomID: roomID, code: code, ctx: ctx}
	if jitter > 0 {
		time.Sleep(rand.N(jitter))
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return &roomerr.DurableWriteError{RoomID: roomID, Err: ctx.Err()}
		}
	}
	if failure != nil {
		return &roomerr.DurableWriteError{RoomID: roomID, Err: failure}
	}
	d.mu.Lock()
	r := d.rooms[roomID]
	r.CodeContent = code
	d.rooms[roomID] = r
	d.mu.Unlock()
	return nil
}

func (d *fakeDirectory) ActiveConnections(ctx context.Context, roomID string) (int, error) {
	d.mu.Lock()
	gate, n := d.presenceGate, d.presence[roomID]
	d.mu.Unlock()
	d.polls <- roomID
	if gate != nil {
		// the answer turns up either way, like a slow server's would
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	return n, nil
}

func (d *fakeDirectory) Suggestions(ctx context.Context, language, prefix, roomID string) ([]directory.Suggestion, error) {
	d.mu.Lock()
	gate := d.suggestGate
	d.mu.Unlock()
	d.suggestCalls <- roomID + ":" + prefix
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	return []directory.Suggestion{{Label: prefix + "-" + roomID, Kind: "keyword"}}, nil
}

func (d *fakeDirectory) stored(roomID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[roomID].CodeContent
}

func (d *fakeDirectory) readCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

func (d *fakeDirectory) nextWrite(t *testing.T) write {
	t.Helper()
	select {
	case w := <-d.writes:
		return w
	case <-time.After(5 * time.Second):
		t.Fatal("no durable write issued")
		return write{}
	}
}

// fakeConn delivers events synchronously from Emit once OnEvent is set, and
// queues them before that, like transport.Handle.
type fakeConn struct {
	roomID string

	mu       sync.Mutex
	state    transport.State
	sent     []event.Event
	pending  []event.Event
	onEvent  func(event.Event)
	onClose  func(error)
	closeErr error
	done     chan struct{}
	closes   int
}

func newFakeConn(roomID string) *fakeConn {
	return &fakeConn{roomID: roomID, state: transport.Open, done: make(chan struct{})}
}

func (c *fakeConn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Send(e event.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != transport.Open {
		return false
	}
	c.sent = append(c.sent, e)
	return true
}

func (c *fakeConn) OnEvent(cb func(event.Event)) {
	c.mu.Lock()
	c.onEvent = cb
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, e := range pending {
		cb(e)
	}
}

func (c *fakeConn) OnClose(cb func(error)) {
	c.mu.Lock()
	if c.state == transport.Closed {
		err := c.closeErr
		c.mu.Unlock()
		cb(err)
		return
	}
	c.onClose = cb
	c.mu.Unlock()
}

// Emit delivers e as if it came from the relay. It is delivered even after
// Close, which is how a late frame from a dead connection looks.
func (c *fakeConn) Emit(e event.Event) {
	c.mu.Lock()
	cb := c.onEvent
	if cb == nil {
		c.pending = append(c.pending, e)
	}
	c.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

func (c *fakeConn) Drop(err error) {
	c.finish(err)
}

func (c *fakeConn) Close() error {
	c.finish(nil)
	return nil
}

func (c *fakeConn) finish(err error) {
	c.mu.Lock()
	c.closes++
	if c.state == transport.Closed {
		c.mu.Unlock()
		return
	}
	c.state = transport.Closed
	c.closeErr = err
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
	close(c.done)
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) sentCodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.sent {
		if cc, ok := e.(event.CodeChange); ok {
			out = append(out, cc.Code)
		}
	}
	return out
}

type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  error
}

func (f *fakeConnector) Connect(ctx context.Context, roomID string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, &roomerr.TransportError{RoomID: roomID, Err: f.fail}
	}
	c := newFakeConn(roomID)
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeConnector) all() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

func (f *fakeConnector) last(t *testing.T) *fakeConn {
	t.Helper()
	all := f.all()
	if len(all) == 0 {
		t.Fatal("no connection opened")
	}
	return all[len(all)-1]
}

func (f *fakeConnector) open() []*fakeConn {
	var out []*fakeConn
	for _, c := range f.all() {
		if c.State() == transport.Open {
			out = append(out, c)
		}
	}
	return out
}

type bufferUpdate struct {
	roomID string
	code   string
	origin Origin
}

// recordingObserver keeps everything it is told.
type recordingObserver struct {
	mu           sync.Mutex
	buffers      []bufferUpdate
	presence     map[string][]int
	suggestions  map[string][]suggest.Result
	notices      []error
	disconnected []error
	noticeCh     chan error
	presenceCh   chan int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		presence:    make(map[string][]int),
		suggestions: make(map[string][]suggest.Result),
		noticeCh:    make(chan error, 16),
		presenceCh:  make(chan int, 16),
	}
}

func (o *recordingObserver) Buffer(roomID, code string, origin Origin) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buffers = append(o.buffers, bufferUpdate{roomID, code, origin})
}

func (o *recordingObserver) Presence(roomID string, count int) {
	o.mu.Lock()
	o.presence[roomID] = append(o.presence[roomID], count)
	o.mu.Unlock()
	o.presenceCh <- count
}

func (o *recordingObserver) Suggestions(roomID string, r suggest.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suggestions[roomID] = append(o.suggestions[roomID], r)
}

func (o *recordingObserver) Notice(roomID string, err error) {
	o.mu.Lock()
	o.notices = append(o.notices, err)
	o.mu.Unlock()
	o.noticeCh <- err
}

func (o *recordingObserver) Disconnected(roomID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnected = append(o.disconnected, err)
}

func (o *recordingObserver) presenceFor(roomID string) []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.presence[roomID]...)
}

func (o *recordingObserver) suggestionsFor(roomID string) []suggest.Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]suggest.Result(nil), o.suggestions[roomID]...)
}

var errOffline = errors.New("offline")
