package link

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

var (
	// ErrTransportOpen is wrapped by every failed Open.
	ErrTransportOpen = errors.New("link: transport open failed")

	// ErrTransportClosed is wrapped by every unrequested close.
	ErrTransportClosed = errors.New("link: transport closed")

	// ErrBusy is returned by Open when the link is not Closed.
	ErrBusy = errors.New("link: already open or opening")
)

// OpenError describes a failed connection attempt.
type OpenError struct {
	Endpoint   string
	StatusCode int // HTTP status of a rejected handshake, 0 if none
	Err        error
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("link: open %s (status %d): %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("link: open %s: %v", e.Endpoint, e.Err)
}

// Unwrap matches both ErrTransportOpen and the underlying cause.
func (e *OpenError) Unwrap() []error {
	return []error{ErrTransportOpen, e.Err}
}

// ClosedError describes a connection that ended without Close being called.
type ClosedError struct {
	Code int    // websocket close code, or CloseAbnormalClosure when none was received
	Text string // close reason sent by the peer
	Err  error
}

// Error implements the error interface.
func (e *ClosedError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("link: closed (code %d: %s)", e.Code, e.Text)
	}
	if e.Err != nil {
		return fmt.Sprintf("link: closed (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("link: closed (code %d)", e.Code)
}

// Unwrap matches both ErrTransportClosed and the underlying cause.
func (e *ClosedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransportClosed}
	}
	return []error{ErrTransportClosed, e.Err}
}

// Graceful reports whether the peer ended the session with a normal close frame.
func (e *ClosedError) Graceful() bool {
	return e.Code == websocket.CloseNormalClosure || e.Code == websocket.CloseGoingAway
}

// IsGraceful reports whether err is a graceful ClosedError.
func IsGraceful(err error) bool {
	var ce *ClosedError
	return errors.As(err, &ce) && ce.Graceful()
}

// closedErrorFrom classifies a read error.
func closedErrorFrom(err error) *ClosedError {
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		return &ClosedError{Code: wsErr.Code, Text: wsErr.Text}
	}
	return &ClosedError{Code: websocket.CloseAbnormalClosure, Err: err}
}
