package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uber-go/tally"

	"github.com/astromechza/roomsync/pkg/event"
)

const (
	peerBuffer   = 64
	writeTimeout = 5 * time.Second

	disconnectMessage = "A user has disconnected"
)

// Hub fans every message received from a room connection out to the other
// connections of the same room.
type Hub struct {
	logger   *slog.Logger
	stats    tally.Scope
	upgrader websocket.Upgrader

	wg     sync.WaitGroup
	mu     sync.Mutex
	rooms  map[string]map[*peer]struct{}
	total  int
	closed bool
}

type peer struct {
	roomID string
	conn   *websocket.Conn
	send   chan []byte
}

// frame is the relayed shape. Data and timestamp pass through verbatim.
type frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func NewHub(logger *slog.Logger, stats tally.Scope) *Hub {
	return &Hub{
		logger: logger,
		stats:  stats,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		rooms: make(map[string]map[*peer]struct{}),
	}
}

// Count is the number of open connections in roomID.
func (h *Hub) Count(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// Total is the number of open connections across all rooms.
func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Serve upgrades the request and relays for roomID until the connection ends.
func (h *Hub) Serve(writer http.ResponseWriter, request *http.Request, roomID string) {
	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade", "room", roomID, "err", err)
		return
	}
	p := &peer{roomID: roomID, conn: conn, send: make(chan []byte, peerBuffer)}
	if !h.register(p) {
		_ = conn.Close()
		return
	}
	defer h.wg.Done()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(p)
	}()

	h.readLoop(p)

	notify := h.unregister(p)
	<-writerDone
	_ = conn.Close()
	if notify {
		h.broadcastDisconnect(roomID)
	}
}

func (h *Hub) readLoop(p *peer) {
	for {
		mt, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("relay connection failed", "room", p.roomID, "err", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var in frame
		if err := json.Unmarshal(raw, &in); err != nil {
			h.stats.Counter("invalid_frames").Inc(1)
			h.logger.Warn("skipping invalid frame", "room", p.roomID, "err", err)
			continue
		}
		if in.Type == "" {
			in.Type = event.TypeCodeChange
		}
		if len(in.Data) == 0 || string(in.Data) == "null" {
			in.Data = json.RawMessage(`{}`)
		}
		out, err := json.Marshal(in)
		if err != nil {
			h.logger.Error("failed to encode frame", "room", p.roomID, "err", err)
			continue
		}
		h.broadcast(p.roomID, out, p)
	}
}

func (h *Hub) writeLoop(p *peer) {
	for msg := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Warn("failed to write to peer", "room", p.roomID, "err", err)
			_ = p.conn.Close()
			for range p.send {
			}
			return
		}
	}
	_ = p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
}

func (h *Hub) register(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	if h.rooms[p.roomID] == nil {
		h.rooms[p.roomID] = make(map[*peer]struct{})
	}
	h.rooms[p.roomID][p] = struct{}{}
	h.total++
	h.stats.Gauge("connections").Update(float64(h.total))
	h.logger.Info("peer joined", "room", p.roomID, "peers", len(h.rooms[p.roomID]))
	return true
}

// unregister removes p and closes its send queue. It reports whether the rest
// of the room should hear about it.
func (h *Hub) unregister(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.rooms[p.roomID]
	if _, ok := peers[p]; !ok {
		return false
	}
	delete(peers, p)
	if len(peers) == 0 {
		delete(h.rooms, p.roomID)
	}
	close(p.send)
	h.total--
	h.stats.Gauge("connections").Update(float64(h.total))
	h.logger.Info("peer left", "room", p.roomID, "peers", len(peers))
	return !h.closed
}

// broadcast queues msg for every peer of roomID except exclude. A peer whose
// queue is full is disconnected.
func (h *Hub) broadcast(roomID string, msg []byte, exclude *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.rooms[roomID] {
		if p == exclude {
			continue
		}
		select {
		case p.send <- msg:
			h.stats.Counter("messages_relayed").Inc(1)
		default:
			h.stats.Counter("slow_peers").Inc(1)
			h.logger.Warn("dropping slow peer", "room", roomID)
			_ = p.conn.Close()
		}
	}
}

func (h *Hub) broadcastDisconnect(roomID string) {
	msg, err := event.Encode(event.UserDisconnected{Message: disconnectMessage})
	if err != nil {
		h.logger.Error("failed to encode disconnect", "err", err)
		return
	}
	h.broadcast(roomID, msg, nil)
}

// Close disconnects every peer and waits for their handlers to return. Later
// connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var conns []*websocket.Conn
	for _, peers := range h.rooms {
		for p := range peers {
			conns = append(conns, p.conn)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	h.wg.Wait()
}
