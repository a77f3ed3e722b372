// Package roomerr holds the error kinds surfaced by the sync engine and its
// collaborators. Network errors are wrapped in one of these at the component
// boundary so callers can tell a failed broadcast from a failed durable write
// with errors.As.
package roomerr

import "fmt"

// TransportError indicates the broadcast connection failed or dropped.
type TransportError struct {
	RoomID string
	Err    error
}

// Error is an implementation of the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport for room %q: %v", e.RoomID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DurableWriteError indicates a snapshot write to the room directory failed.
type DurableWriteError struct {
	RoomID string
	Err    error
}

// Error is an implementation of the error interface.
func (e *DurableWriteError) Error() string {
	return fmt.Sprintf("failed to persist code for room %q: %v", e.RoomID, e.Err)
}

func (e *DurableWriteError) Unwrap() error { return e.Err }

// DurableReadError indicates a read from the room directory failed.
type DurableReadError struct {
	What string
	Err  error
}

// Error is an implementation of the error interface.
func (e *DurableReadError) Error() string {
	return fmt.Sprintf("failed to read %s: %v", e.What, e.Err)
}

func (e *DurableReadError) Unwrap() error { return e.Err }

// QueryError indicates a presence or suggestion query failed.
type QueryError struct {
	Query string
	Err   error
}

// Error is an implementation of the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query failed: %v", e.Query, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ValidationError rejects a user action before it reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

// Error is an implementation of the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StatusError is an unexpected HTTP status from a collaborator. It is usually
// found wrapped inside one of the other kinds.
type StatusError struct {
	Code int
	Body string
}

// Error is an implementation of the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Body)
}
