package chat

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Close statuses the server uses to refuse a viewer. 1008 is the standard
// policy-violation code; 4401 and 4403 mirror the HTTP statuses.
const (
	statusUnauthorized websocket.StatusCode = 4401
	statusForbidden    websocket.StatusCode = 4403
)

// TransportError wraps an error that is likely temporary and safe to retry
// after a backoff.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransportError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AuthError is an explicit refusal of the viewer by the server. It is
// fatal: the manager never retries after one.
type AuthError struct {
	// Status is the HTTP status of a refused upgrade or the websocket
	// close code of a refused session.
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (status %d): %v", e.Status, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuth reports whether err (or any error in its chain) is an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// classifyDial maps a failed dial to an AuthError or a TransportError.
// websocket.Dial returns the handshake response on upgrade failure.
func classifyDial(err error, resp *http.Response) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return &AuthError{Status: resp.StatusCode, Err: err}
	}

	return &TransportError{Err: fmt.Errorf("dialing websocket: %w", err)}
}

// classifyClose maps the error that ended a session.
func classifyClose(err error) error {
	switch code := websocket.CloseStatus(err); code {
	case websocket.StatusPolicyViolation, statusUnauthorized, statusForbidden:
		return &AuthError{Status: int(code), Err: err}
	}

	if IsTransient(err) {
		return err
	}

	return &TransportError{Err: err}
}
