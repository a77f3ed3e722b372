// Package relay is the reference server behind roomsync clients: the room
// directory API backed by sqlite, the presence and autocomplete queries, and
// the per-room websocket broadcast relay.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/uber-go/tally"

	"github.com/astromechza/roomsync/pkg/directory"
)

// APIPrefix is where the router mounts every endpoint. Clients use
// http://host/api as their base URL.
const APIPrefix = "/api"

type Server struct {
	store  *Store
	hub    *Hub
	logger *slog.Logger
	stats  tally.Scope
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

func WithStats(st tally.Scope) Option { return func(s *Server) { s.stats = st } }

func NewServer(store *Store, opts ...Option) *Server {
	s := &Server{store: store, logger: slog.Default(), stats: tally.NoopScope}
	for _, opt := range opts {
		opt(s)
	}
	s.stats = s.stats.SubScope("relay")
	s.hub = NewHub(s.logger, s.stats)
	return s
}

// Handler routes the API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)

	api := r.PathPrefix(APIPrefix).Subrouter()
	api.Methods(http.MethodGet).Path("/rooms").HandlerFunc(s.listRooms)
	api.Methods(http.MethodGet).Path("/rooms/").HandlerFunc(s.listRooms)
	api.Methods(http.MethodPost).Path("/rooms/create").HandlerFunc(s.createRoom)
	api.Methods(http.MethodGet).Path("/rooms/{room}").HandlerFunc(s.getRoom)
	api.Methods(http.MethodDelete).Path("/rooms/{room}").HandlerFunc(s.deleteRoom)
	api.Methods(http.MethodPut).Path("/rooms/{room}/code").HandlerFunc(s.updateCode)
	api.Methods(http.MethodGet).Path("/rooms/{room}/connections").HandlerFunc(s.connections)
	api.Methods(http.MethodGet).Path("/rooms/{room}/history").HandlerFunc(s.history)
	api.Methods(http.MethodPost).Path("/autocomplete/suggestions").HandlerFunc(s.suggestions)
	api.Methods(http.MethodGet).Path("/autocomplete/{room}/{line}").HandlerFunc(s.lineContext)
	api.Methods(http.MethodGet).Path("/ws/editor/{room}").HandlerFunc(s.relay)
	api.Methods(http.MethodGet).Path("/ws/rooms/{room}/connections").HandlerFunc(s.connections)
	return r
}

// Connections is the number of open relay connections.
func (s *Server) Connections() int { return s.hub.Total() }

// Close disconnects every relay peer and closes the store.
func (s *Server) Close() error {
	s.hub.Close()
	return s.store.Close()
}

func (s *Server) health(writer http.ResponseWriter, request *http.Request) {
	s.writeJSON(writer, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) listRooms(writer http.ResponseWriter, request *http.Request) {
	rooms, err := s.store.List(request.Context())
	if err != nil {
		s.internalError(writer, "failed to list rooms", err)
		return
	}
	s.writeJSON(writer, http.StatusOK, rooms)
}

func (s *Server) createRoom(writer http.ResponseWriter, request *http.Request) {
	var inputs struct {
		RoomName string `json:"room_name"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		s.writeDetail(writer, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(inputs.RoomName) == "" {
		s.writeDetail(writer, http.StatusUnprocessableEntity, "room_name must not be empty")
		return
	}
	if inputs.Language == "" {
		inputs.Language = directory.DefaultLanguage
	}
	room, err := s.store.Create(request.Context(), inputs.RoomName, inputs.Language)
	if err != nil {
		s.internalError(writer, "failed to create room", err)
		return
	}
	s.stats.Counter("rooms_created").Inc(1)
	s.logger.Info("created room", "room", room.RoomID, "name", room.RoomName, "language", room.Language)
	s.writeJSON(writer, http.StatusOK, room)
}

func (s *Server) getRoom(writer http.ResponseWriter, request *http.Request) {
	room, err := s.store.Get(request.Context(), mux.Vars(request)["room"])
	if err != nil {
		s.storeError(writer, "failed to get room", err)
		return
	}
	s.writeJSON(writer, http.StatusOK, room)
}

func (s *Server) deleteRoom(writer http.ResponseWriter, request *http.Request) {
	if err := s.store.Delete(request.Context(), mux.Vars(request)["room"]); err != nil {
		s.storeError(writer, "failed to delete room", err)
		return
	}
	s.writeJSON(writer, http.StatusOK, map[string]string{"message": "Room deleted successfully"})
}

func (s *Server) updateCode(writer http.ResponseWriter, request *http.Request) {
	var inputs struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		s.writeDetail(writer, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	room, err := s.store.UpdateCode(request.Context(), mux.Vars(request)["room"], inputs.Code)
	if err != nil {
		s.storeError(writer, "failed to update code", err)
		return
	}
	s.stats.Counter("code_updates").Inc(1)
	s.writeJSON(writer, http.StatusOK, room)
}

func (s *Server) connections(writer http.ResponseWriter, request *http.Request) {
	roomID := mux.Vars(request)["room"]
	s.writeJSON(writer, http.StatusOK, map[string]any{"room_id": roomID, "active_connections": s.hub.Count(roomID)})
}

func (s *Server) history(writer http.ResponseWriter, request *http.Request) {
	raw, err := s.store.History(request.Context(), mux.Vars(request)["room"])
	if err != nil {
		s.storeError(writer, "failed to read history", err)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(raw); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) suggestions(writer http.ResponseWriter, request *http.Request) {
	var inputs struct {
		Language string `json:"language"`
		Prefix   string `json:"prefix"`
		RoomID   string `json:"room_id"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		s.writeDetail(writer, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	s.stats.Counter("suggestion_queries").Inc(1)
	s.writeJSON(writer, http.StatusOK, Complete(inputs.Language, inputs.Prefix))
}

func (s *Server) lineContext(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	line, err := strconv.Atoi(vars["line"])
	if err != nil {
		s.writeDetail(writer, http.StatusBadRequest, "line must be an integer")
		return
	}
	var code string
	room, err := s.store.Get(request.Context(), vars["room"])
	switch {
	case errors.Is(err, ErrRoomNotFound):
	case err != nil:
		s.internalError(writer, "failed to get room", err)
		return
	default:
		code = room.CodeContent
	}
	s.writeJSON(writer, http.StatusOK, map[string]string{"context": LineOf(code, line)})
}

func (s *Server) relay(writer http.ResponseWriter, request *http.Request) {
	s.hub.Serve(writer, request, mux.Vars(request)["room"])
}

func (s *Server) storeError(writer http.ResponseWriter, msg string, err error) {
	if errors.Is(err, ErrRoomNotFound) {
		s.writeDetail(writer, http.StatusNotFound, "Room not found")
		return
	}
	s.internalError(writer, msg, err)
}

func (s *Server) internalError(writer http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "err", err)
	s.writeDetail(writer, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeDetail(writer http.ResponseWriter, status int, detail string) {
	s.writeJSON(writer, status, map[string]string{"detail": detail})
}

func (s *Server) writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		s.logger.Error("failed to write", "err", err)
	}
}
