// Package protocols defines the contracts between the servient and its
// protocol binding servers and clients, and the shared error taxonomy.
package protocols

import (
	"errors"
	"fmt"
)

// Error kinds shared by all bindings. Bindings wrap these so callers can
// test with errors.Is regardless of which transport produced the failure.
var (
	// ErrNotSupported when no form, client or scheme variant can serve the request
	ErrNotSupported = errors.New("not supported")
	// ErrUnauthorized when the authenticator rejected the credentials
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTimeout when the soft or hard request timeout elapsed
	ErrTimeout = errors.New("request timeout")
	// ErrProtocol on a malformed or unsuccessful wire response
	ErrProtocol = errors.New("protocol error")
	// ErrHandler when a user supplied handler failed
	ErrHandler = errors.New("handler error")
	// ErrState when the servient topology is modified while running
	ErrState = errors.New("invalid servient state")
)

// NotSupportedError creates an ErrNotSupported with detail
func NotSupportedError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotSupported, fmt.Sprintf(format, args...))
}

// UnauthorizedError creates an ErrUnauthorized with detail
func UnauthorizedError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// TimeoutError creates an ErrTimeout with detail
func TimeoutError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

// ProtocolError creates an ErrProtocol with detail
func ProtocolError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// HandlerError wraps a failure from a user supplied handler
func HandlerError(err error) error {
	return fmt.Errorf("%w: %s", ErrHandler, err.Error())
}

// StateError creates an ErrState with detail
func StateError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}
