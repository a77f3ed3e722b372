// Package directory is the HTTP client for the room directory: room listing and
// creation, durable code snapshots, presence counts and autocomplete queries.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/astromechza/roomsync/pkg/roomerr"
)

const DefaultLanguage = "javascript"

type Room struct {
	ID          int    `json:"id"`
	RoomID      string `json:"room_id"`
	RoomName    string `json:"room_name"`
	Language    string `json:"language"`
	CodeContent string `json:"code_content"`
}

// Suggestion is an autocomplete candidate. The engine hands it to the view as
// is.
type Suggestion struct {
	Label      string `json:"label"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
	InsertText string `json:"insertText,omitempty"`
}

type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(d *Client) { d.http = c } }

func WithLogger(l *slog.Logger) Option { return func(d *Client) { d.logger = l } }

func New(baseURL *url.URL, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, http: http.DefaultClient, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var out []Room
	if err := c.do(ctx, http.MethodGet, c.baseURL.JoinPath("rooms"), nil, &out); err != nil {
		return nil, &roomerr.DurableReadError{What: "rooms", Err: err}
	}
	return out, nil
}

// CreateRoom refuses an empty name without touching the network.
func (c *Client) CreateRoom(ctx context.Context, name, language string) (Room, error) {
	if strings.TrimSpace(name) == "" {
		return Room{}, &roomerr.ValidationError{Field: "room_name", Reason: "must not be empty"}
	}
	if language == "" {
		language = DefaultLanguage
	}
	body := map[string]string{"room_name": name, "language": language}
	var out Room
	if err := c.do(ctx, http.MethodPost, c.baseURL.JoinPath("rooms", "create"), body, &out); err != nil {
		return Room{}, &roomerr.DurableWriteError{Err: err}
	}
	c.logger.Info("created room", "room", out.RoomID, "name", out.RoomName)
	return out, nil
}

func (c *Client) GetRoom(ctx context.Context, roomID string) (Room, error) {
	var out Room
	if err := c.do(ctx, http.MethodGet, c.baseURL.JoinPath("rooms", roomID), nil, &out); err != nil {
		return Room{}, &roomerr.DurableReadError{What: "room " + roomID, Err: err}
	}
	return out, nil
}

// UpdateCode persists the full buffer as the room's snapshot.
func (c *Client) UpdateCode(ctx context.Context, roomID, code string) error {
	body := map[string]string{"code": code}
	if err := c.do(ctx, http.MethodPut, c.baseURL.JoinPath("rooms", roomID, "code"), body, nil); err != nil {
		return &roomerr.DurableWriteError{RoomID: roomID, Err: err}
	}
	return nil
}

func (c *Client) DeleteRoom(ctx context.Context, roomID string) error {
	if err := c.do(ctx, http.MethodDelete, c.baseURL.JoinPath("rooms", roomID), nil, nil); err != nil {
		return &roomerr.DurableWriteError{RoomID: roomID, Err: err}
	}
	return nil
}

// ActiveConnections returns how many relay connections the room has.
func (c *Client) ActiveConnections(ctx context.Context, roomID string) (int, error) {
	var out struct {
		ActiveConnections int `json:"active_connections"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL.JoinPath("rooms", roomID, "connections"), nil, &out); err != nil {
		return 0, &roomerr.QueryError{Query: "presence", Err: err}
	}
	if out.ActiveConnections < 0 {
		return 0, &roomerr.QueryError{Query: "presence", Err: fmt.Errorf("negative connection count %d", out.ActiveConnections)}
	}
	return out.ActiveConnections, nil
}

func (c *Client) Suggestions(ctx context.Context, language, prefix, roomID string) ([]Suggestion, error) {
	body := map[string]string{"language": language, "prefix": prefix, "room_id": roomID}
	var out []Suggestion
	if err := c.do(ctx, http.MethodPost, c.baseURL.JoinPath("autocomplete", "suggestions"), body, &out); err != nil {
		return nil, &roomerr.QueryError{Query: "suggestion", Err: err}
	}
	if out == nil {
		out = []Suggestion{}
	}
	return out, nil
}

// LineContext returns one line of the room's durable code, or "" past the end.
func (c *Client) LineContext(ctx context.Context, roomID string, line int) (string, error) {
	var out struct {
		Context string `json:"context"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL.JoinPath("autocomplete", roomID, strconv.Itoa(line)), nil, &out); err != nil {
		return "", &roomerr.QueryError{Query: "line context", Err: err}
	}
	return out.Context, nil
}

// History returns the saved automerge document holding the room's edit history.
func (c *Client) History(ctx context.Context, roomID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath("rooms", roomID, "history").String(), nil)
	if err != nil {
		return nil, &roomerr.DurableReadError{What: "history", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &roomerr.DurableReadError{What: "history", Err: fmt.Errorf("failed to get: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &roomerr.DurableReadError{What: "history", Err: statusError(resp)}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &roomerr.DurableReadError{What: "history", Err: fmt.Errorf("failed to read body: %w", err)}
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode body: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", strings.ToLower(method), u.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode body: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var detail struct {
		Detail string `json:"detail"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &detail) == nil && detail.Detail != "" {
		msg = detail.Detail
	}
	return &roomerr.StatusError{Code: resp.StatusCode, Body: msg}
}
