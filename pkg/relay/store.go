package relay

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/gofrs/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/roomsync/pkg/directory"
)

var ErrRoomNotFound = errors.New("room not found")

// Store keeps rooms in sqlite. Alongside the current code every room carries
// an automerge document with one commit per durable write, so the full edit
// history can be inspected later.
type Store struct {
	database *sql.DB
	logger   *slog.Logger

	// serialises the load, change, save cycle of room histories
	mu sync.Mutex
}

// OpenStore opens or creates the sqlite database at path.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer at a time, sqlite would otherwise report the database locked
	db.SetMaxOpenConns(1)
	s := &Store{database: db, logger: logger}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS rooms (
		id integer not null primary key autoincrement,
		room_id text not null unique,
		room_name text not null,
		language text not null,
		code_content text not null default '',
		history text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create rooms table: %w", err)
	}
	s.logger.Info("Ensured room tables exist")
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) Create(ctx context.Context, name, language string) (directory.Room, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return directory.Room{}, fmt.Errorf("failed to generate room id: %w", err)
	}
	doc := automerge.New()
	if err := doc.Path("code").Set(""); err != nil {
		return directory.Room{}, fmt.Errorf("failed to seed history: %w", err)
	}
	if _, err := doc.Commit("created", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return directory.Room{}, fmt.Errorf("failed to commit history: %w", err)
	}

	room := directory.Room{RoomID: id.String()[:8], RoomName: name, Language: language}
	res, err := s.database.ExecContext(ctx,
		`INSERT INTO rooms (room_id, room_name, language, code_content, history) VALUES (?, ?, ?, '', ?)`,
		room.RoomID, room.RoomName, room.Language, base64.StdEncoding.EncodeToString(doc.Save()),
	)
	if err != nil {
		return directory.Room{}, fmt.Errorf("failed to insert room: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return directory.Room{}, fmt.Errorf("failed to read room id: %w", err)
	}
	room.ID = int(rowID)
	return room, nil
}

func (s *Store) Get(ctx context.Context, roomID string) (directory.Room, error) {
	var room directory.Room
	if err := s.database.QueryRowContext(ctx,
		`SELECT id, room_id, room_name, language, code_content FROM rooms WHERE room_id = ?`, roomID,
	).Scan(&room.ID, &room.RoomID, &room.RoomName, &room.Language, &room.CodeContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return directory.Room{}, ErrRoomNotFound
		}
		return directory.Room{}, fmt.Errorf("failed to query room: %w", err)
	}
	return room, nil
}

func (s *Store) List(ctx context.Context) ([]directory.Room, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id, room_id, room_name, language, code_content FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}(rows)

	out := make([]directory.Room, 0)
	for rows.Next() {
		var room directory.Room
		if err := rows.Scan(&room.ID, &room.RoomID, &room.RoomName, &room.Language, &room.CodeContent); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rooms: %w", err)
	}
	return out, nil
}

// UpdateCode replaces the room's code and records the write as a new commit in
// its history. The whole document is loaded and saved again on every call, so
// the cost of a write grows with the room's history; clients coalesce bursts
// of edits into one write.
func (s *Store) UpdateCode(ctx context.Context, roomID, code string) (directory.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return directory.Room{}, fmt.Errorf("failed to start tx: %w", err)
	}
	defer tx.Rollback()

	var rawHistory string
	if err := tx.QueryRowContext(ctx, `SELECT history FROM rooms WHERE room_id = ?`, roomID).Scan(&rawHistory); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return directory.Room{}, ErrRoomNotFound
		}
		return directory.Room{}, fmt.Errorf("failed to query history: %w", err)
	}
	doc, err := loadHistory(rawHistory)
	if err != nil {
		return directory.Room{}, err
	}
	if err := doc.Path("code").Set(code); err != nil {
		return directory.Room{}, fmt.Errorf("failed to set code: %w", err)
	}
	if _, err := doc.Commit("update code", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return directory.Room{}, fmt.Errorf("failed to commit history: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rooms SET code_content = ?, history = ? WHERE room_id = ?`,
		code, base64.StdEncoding.EncodeToString(doc.Save()), roomID,
	); err != nil {
		return directory.Room{}, fmt.Errorf("failed to persist code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return directory.Room{}, fmt.Errorf("failed to commit: %w", err)
	}
	s.logger.Debug("persisted code", "room", roomID, "heads", doc.Heads())
	return s.Get(ctx, roomID)
}

func (s *Store) Delete(ctx context.Context, roomID string) error {
	res, err := s.database.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = ?`, roomID)
	if err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// History returns the saved automerge document of the room.
func (s *Store) History(ctx context.Context, roomID string) ([]byte, error) {
	var rawHistory string
	if err := s.database.QueryRowContext(ctx, `SELECT history FROM rooms WHERE room_id = ?`, roomID).Scan(&rawHistory); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return raw, nil
}

func loadHistory(encoded string) (*automerge.Doc, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return doc, nil
}
