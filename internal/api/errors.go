package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error codes produced by the client itself; server codes pass through.
const (
	CodeNetwork    = "NETWORK_ERROR"
	CodeTimeout    = "TIMEOUT"
	CodeDecode     = "DECODE_ERROR"
	CodeValidation = "VALIDATION_ERROR"
	CodeUnauth     = "UNAUTHORIZED"
)

// Error is the single typed error returned for failed requests.
type Error struct {
	Status  int             // HTTP status, 0 when no response arrived
	Code    string          // machine-readable code
	Message string          // human-readable message, surfaced verbatim
	Details json.RawMessage // optional server details
	Err     error           // underlying transport error, if any
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("api: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("api: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

type errorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error,omitempty"`
}

func transportError(err error) *Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Code: CodeTimeout, Message: "request timed out", Err: err}
	}
	return &Error{Code: CodeNetwork, Message: err.Error(), Err: err}
}

// statusError maps a non-2xx response body onto Error, falling back to
// codes derived from the status when the body is not an envelope.
func statusError(status int, body []byte) *Error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		code := env.Error.Code
		if code == "" {
			code = codeForStatus(status)
		}
		return &Error{Status: status, Code: code, Message: env.Error.Message, Details: env.Error.Details}
	}
	msg := http.StatusText(status)
	if len(body) > 0 && len(body) < 512 {
		msg = string(body)
	}
	return &Error{Status: status, Code: codeForStatus(status), Message: msg}
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return CodeUnauth
	case status == http.StatusForbidden:
		return "FORBIDDEN"
	case status == http.StatusNotFound:
		return "NOT_FOUND"
	case status == http.StatusConflict:
		return "CONFLICT"
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeValidation
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return CodeTimeout
	}
	return "INTERNAL_ERROR"
}

func asError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func IsUnauthorized(err error) bool {
	e, ok := asError(err)
	return ok && (e.Status == http.StatusUnauthorized || e.Code == CodeUnauth)
}

func IsValidation(err error) bool {
	e, ok := asError(err)
	return ok && e.Code == CodeValidation
}

// IsNetwork reports transport failures, including timeouts.
func IsNetwork(err error) bool {
	e, ok := asError(err)
	return ok && (e.Code == CodeNetwork || e.Code == CodeTimeout)
}

func IsNotFound(err error) bool {
	e, ok := asError(err)
	return ok && e.Status == http.StatusNotFound
}
