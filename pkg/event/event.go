// Package event defines the messages carried by the broadcast relay.
//
// On the wire every message is a JSON object {type, data, timestamp}. Only
// code_change carries document state. Decoding always yields one of the
// concrete types below, so a consumer switching on the result has a case for
// every shape the relay can send, including ones it does not understand.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeCodeChange       = "code_change"
	TypeUserDisconnected = "user_disconnected"
)

// Event is implemented by CodeChange, UserDisconnected, Malformed and Unknown.
type Event interface {
	// Type is the wire type tag.
	Type() string
	isEvent()
}

// CodeChange carries the full document buffer. Timestamp is the sender's wall
// clock and is only informational.
type CodeChange struct {
	Code      string
	Timestamp string
}

// UserDisconnected is emitted by the relay when a peer leaves the room.
type UserDisconnected struct {
	Message   string
	Timestamp string
}

// Malformed is a known type whose payload is missing required fields.
type Malformed struct {
	Tag    string
	Reason string
}

// Unknown is any type this client does not recognise.
type Unknown struct {
	Tag       string
	Timestamp string
}

func (CodeChange) Type() string       { return TypeCodeChange }
func (UserDisconnected) Type() string { return TypeUserDisconnected }
func (m Malformed) Type() string      { return m.Tag }
func (u Unknown) Type() string        { return u.Tag }

func (CodeChange) isEvent()       {}
func (UserDisconnected) isEvent() {}
func (Malformed) isEvent()        {}
func (Unknown) isEvent()          {}

// NewCodeChange stamps code with the given time in the format browsers use.
func NewCodeChange(code string, at time.Time) CodeChange {
	return CodeChange{Code: code, Timestamp: at.UTC().Format(time.RFC3339Nano)}
}

type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// inbound accepts any JSON value for the informational fields, so a peer
// sending a numeric timestamp still gets its code through.
type inbound struct {
	Type      json.RawMessage `json:"type"`
	Data      json.RawMessage `json:"data"`
	Message   json.RawMessage `json:"message"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// text renders a JSON value for display: strings unquoted, null or absent as
// empty, anything else as its compact JSON text.
func text(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type codeData struct {
	Code *string `json:"code"`
}

// Decode parses one relay frame. It only fails when the frame is not a JSON
// object; everything else decodes to some Event.
func Decode(raw []byte) (Event, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	tag, ts := text(in.Type), text(in.Timestamp)
	switch tag {
	case TypeCodeChange:
		if len(in.Data) == 0 || string(in.Data) == "null" {
			return Malformed{Tag: tag, Reason: "missing data"}, nil
		}
		var d codeData
		if err := json.Unmarshal(in.Data, &d); err != nil {
			return Malformed{Tag: tag, Reason: err.Error()}, nil
		}
		if d.Code == nil {
			return Malformed{Tag: tag, Reason: "missing data.code"}, nil
		}
		return CodeChange{Code: *d.Code, Timestamp: ts}, nil
	case TypeUserDisconnected:
		return UserDisconnected{Message: text(in.Message), Timestamp: ts}, nil
	default:
		return Unknown{Tag: tag, Timestamp: ts}, nil
	}
}

// Encode renders an event in the relay wire format.
func Encode(e Event) ([]byte, error) {
	switch v := e.(type) {
	case CodeChange:
		data, err := json.Marshal(map[string]string{"code": v.Code})
		if err != nil {
			return nil, err
		}
		return json.Marshal(envelope{Type: TypeCodeChange, Data: data, Timestamp: v.Timestamp})
	case UserDisconnected:
		return json.Marshal(envelope{Type: TypeUserDisconnected, Message: v.Message, Timestamp: v.Timestamp})
	default:
		return nil, fmt.Errorf("cannot encode event of type %q", e.Type())
	}
}
