package hass

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Transport errors shared by RESTClient and WSClient.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnection is returned when Home Assistant is unreachable, the
	// handshake fails, the client is not connected, or a command was
	// rejected by the server.
	ErrConnection = errors.New("hass: connection error")

	// ErrAuth is returned when the access token is rejected.
	ErrAuth = errors.New("hass: authentication failed")

	// ErrNotFound is returned when the target resource does not exist (HTTP 404).
	ErrNotFound = errors.New("hass: resource not found")

	// ErrValidation is returned when the request is rejected as malformed (HTTP 400).
	ErrValidation = errors.New("hass: validation failed")

	// ErrConnectionLost is returned when a previously healthy session fails
	// while a command is in flight.
	ErrConnectionLost = errors.New("hass: connection lost")

	// ErrTimeout is returned when no response arrives within the command
	// timeout. It also matches context.DeadlineExceeded.
	ErrTimeout = errors.New("hass: command timed out")
)

// CommandError reports a command that reached Home Assistant but was
// answered with success=false. It is not a transport failure and never
// triggers reconnection.
type CommandError struct {
	Command string
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("hass: command %s failed [%s]: %s", e.Command, e.Code, e.Message)
}

// Unwrap makes errors.Is(err, ErrConnection) true for rejected commands.
func (e *CommandError) Unwrap() error {
	return ErrConnection
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hass: HTTP %d from %s %s: %s", e.StatusCode, e.Method, e.Path, e.Body)
}

// Unwrap maps the status code onto the error taxonomy.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrAuth
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest:
		return ErrValidation
	default:
		return ErrConnection
	}
}

// Outcome labels.
const (
	OutcomeOK             = "ok"
	OutcomeTimeout        = "timeout"
	OutcomeRejected       = "rejected"
	OutcomeConnectionLost = "connection_lost"
	OutcomeAuth           = "auth"
	OutcomeNotFound       = "not_found"
	OutcomeValidation     = "validation"
	OutcomeConnection     = "connection"
	OutcomeCanceled       = "canceled"
)

// Outcome classifies a transport error into a stable label for logs,
// metrics and the command journal. A nil error is OutcomeOK.
func Outcome(err error) string {
	var cmdErr *CommandError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &cmdErr):
		return OutcomeRejected
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, ErrConnectionLost):
		return OutcomeConnectionLost
	case errors.Is(err, ErrAuth):
		return OutcomeAuth
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrValidation):
		return OutcomeValidation
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeConnection
	}
}
