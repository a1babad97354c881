// Package core provides the error taxonomy shared by the voicelive SDK.
//
// Every failure that reaches the session state machine is categorized into
// one of four categories; the category, not the raw error, decides the
// state transition, the user-facing message, and retryability.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Category classifies a caught failure.
type Category string

const (
	CategoryPermission Category = "permission"
	CategoryNetwork    Category = "network"
	CategoryAPI        Category = "api"
	CategoryUnknown    Category = "unknown"
)

// Error is a categorized session error. It carries both a developer-facing
// Message and a short UserMessage suitable for direct display.
type Error struct {
	Category    Category `json:"category"`
	Message     string   `json:"message"`
	UserMessage string   `json:"user_message"`
	Code        string   `json:"code,omitempty"`

	// Terminal marks an api error the gateway reported as final; terminal
	// api errors are not retried.
	Terminal bool `json:"terminal,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Category, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// IsRetryable reports whether the session may automatically retry after
// this error. Unknown failures are not retried so an unrecognized failure
// mode cannot turn into a retry storm.
func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}
	switch e.Category {
	case CategoryNetwork:
		return true
	case CategoryAPI:
		return !e.Terminal
	default:
		return false
	}
}

func userMessageFor(c Category) string {
	switch c {
	case CategoryPermission:
		return "Microphone access is blocked. Allow microphone access and try again."
	case CategoryNetwork:
		return "Connection problem. Reconnecting..."
	case CategoryAPI:
		return "The voice service reported a problem. Reconnecting..."
	default:
		return "Something went wrong with the voice session."
	}
}

// NewPermissionError creates a permission error. Never retried.
func NewPermissionError(message string) *Error {
	return &Error{
		Category:    CategoryPermission,
		Message:     message,
		UserMessage: userMessageFor(CategoryPermission),
	}
}

// NewNetworkError creates a transport-level error wrapping cause.
func NewNetworkError(message string, cause error) *Error {
	return &Error{
		Category:    CategoryNetwork,
		Message:     message,
		UserMessage: userMessageFor(CategoryNetwork),
		cause:       cause,
	}
}

// NewAPIError creates a gateway-reported error.
func NewAPIError(message, code string) *Error {
	return &Error{
		Category:    CategoryAPI,
		Message:     message,
		UserMessage: userMessageFor(CategoryAPI),
		Code:        code,
	}
}

// NewTerminalAPIError creates a gateway-reported error flagged as final.
func NewTerminalAPIError(message, code string) *Error {
	e := NewAPIError(message, code)
	e.Terminal = true
	return e
}

// NewUnknownError wraps an unclassified failure.
func NewUnknownError(cause error) *Error {
	msg := "unclassified failure"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Category:    CategoryUnknown,
		Message:     msg,
		UserMessage: userMessageFor(CategoryUnknown),
		cause:       cause,
	}
}

// TransportError represents transport-level failures (DNS, dial timeouts,
// connection reset, TLS handshake, socket close before open) while talking
// to the token endpoint or the live gateway.
//
// Use errors.As(err, &te) to distinguish transport failures from
// categorized errors (*core.Error).
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	return parsed.String()
}

// Categorize derives a categorized error from a raw failure at the moment
// it occurs. Already-categorized errors pass through unchanged. Transport
// failures map to network; everything unrecognized maps to unknown.
func Categorize(err error) *Error {
	if err == nil {
		return nil
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized
	}

	var transport *TransportError
	if errors.As(err, &transport) {
		return NewNetworkError(transport.Error(), transport)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewNetworkError(err.Error(), err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewNetworkError(err.Error(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewNetworkError(err.Error(), err)
	}

	return NewUnknownError(err)
}
