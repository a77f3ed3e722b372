package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/astromechza/roomsync/pkg/roomerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, *atomic.Int32) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL + "/api")
	require.NoError(t, err)
	return New(u, WithHTTPClient(srv.Client())), &hits
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestListRooms(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []Room{
			{ID: 1, RoomID: "r1", RoomName: "demo", Language: "javascript"},
			{ID: 2, RoomID: "r2", RoomName: "other", Language: "python", CodeContent: "pass"},
		})
	})
	c, _ := newTestClient(t, mux)

	rooms, err := c.ListRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "r1", rooms[0].RoomID)
	assert.Equal(t, "pass", rooms[1].CodeContent)
}

func TestCreateRoom(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rooms/create", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "demo", in["room_name"])
		assert.Equal(t, "javascript", in["language"])
		writeJSON(w, Room{ID: 1, RoomID: "r1", RoomName: in["room_name"], Language: in["language"]})
	})
	c, _ := newTestClient(t, mux)

	room, err := c.CreateRoom(context.Background(), "demo", "")
	require.NoError(t, err)
	assert.Equal(t, Room{ID: 1, RoomID: "r1", RoomName: "demo", Language: "javascript"}, room)
}

func TestCreateRoomRejectsEmptyName(t *testing.T) {
	c, hits := newTestClient(t, http.NewServeMux())

	for _, name := range []string{"", "   "} {
		_, err := c.CreateRoom(context.Background(), name, "python")
		var ve *roomerr.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "room_name", ve.Field)
	}
	assert.Equal(t, int32(0), hits.Load())
}

func TestGetRoomNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"detail": "Room not found"})
	})
	c, _ := newTestClient(t, mux)

	_, err := c.GetRoom(context.Background(), "missing")
	var re *roomerr.DurableReadError
	require.ErrorAs(t, err, &re)
	var se *roomerr.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, "Room not found", se.Body)
}

func TestUpdateCode(t *testing.T) {
	var got string
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/rooms/{id}/code", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "r1", r.PathValue("id"))
		var in map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		got = in["code"]
		writeJSON(w, Room{RoomID: "r1", CodeContent: got})
	})
	c, _ := newTestClient(t, mux)

	require.NoError(t, c.UpdateCode(context.Background(), "r1", "let x=1"))
	assert.Equal(t, "let x=1", got)
}

func TestUpdateCodeFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/rooms/{id}/code", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusInternalServerError)
	})
	c, _ := newTestClient(t, mux)

	err := c.UpdateCode(context.Background(), "r1", "x")
	var dw *roomerr.DurableWriteError
	require.ErrorAs(t, err, &dw)
	assert.Equal(t, "r1", dw.RoomID)
}

func TestActiveConnections(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms/{id}/connections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"room_id": r.PathValue("id"), "active_connections": 3})
	})
	c, _ := newTestClient(t, mux)

	n, err := c.ActiveConnections(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestActiveConnectionsRejectsNegative(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms/{id}/connections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"active_connections": -1})
	})
	c, _ := newTestClient(t, mux)

	_, err := c.ActiveConnections(context.Background(), "r1")
	var qe *roomerr.QueryError
	require.ErrorAs(t, err, &qe)
}

func TestSuggestions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/autocomplete/suggestions", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in["prefix"] == "zz" {
			writeJSON(w, nil)
			return
		}
		assert.Equal(t, map[string]string{"language": "javascript", "prefix": "fu", "room_id": "r1"}, in)
		writeJSON(w, []Suggestion{
			{Label: "function", Kind: "keyword", Detail: "javascript keyword"},
			{Label: "function", Kind: "snippet", Detail: "code snippet", InsertText: "function ${1:name}() {}"},
		})
	})
	c, _ := newTestClient(t, mux)

	got, err := c.Suggestions(context.Background(), "javascript", "fu", "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "function ${1:name}() {}", got[1].InsertText)

	got, err = c.Suggestions(context.Background(), "javascript", "zz", "r1")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestLineContextAndHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/autocomplete/{id}/{line}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"context": r.PathValue("id") + ":" + r.PathValue("line")})
	})
	mux.HandleFunc("GET /api/rooms/{id}/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0x85, 0x6f})
	})
	c, _ := newTestClient(t, mux)

	line, err := c.LineContext(context.Background(), "r1", 2)
	require.NoError(t, err)
	assert.Equal(t, "r1:2", line)

	raw, err := c.History(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x85, 0x6f}, raw)
}
