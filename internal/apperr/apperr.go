package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into the categories the API surfaces to users.
type Kind string

const (
	Unauthenticated  Kind = "unauthenticated"
	Unauthorized     Kind = "unauthorized"
	NotFound         Kind = "not_found"
	ValidationFailed Kind = "validation_failed"
	RateLimited      Kind = "rate_limited"
	InvalidModel     Kind = "invalid_model"
	InvalidAPIKey    Kind = "invalid_api_key"
	QuotaExceeded    Kind = "quota_exceeded"
	BillingIssue     Kind = "billing_issue"
	NetworkError     Kind = "network_error"
	Unknown          Kind = "unknown"
)

// Error carries a kind alongside a user-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the kind of err, or Unknown when it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserMessage returns the message suitable for API responses.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "an unexpected error occurred"
}
