package ai

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"google.golang.org/genai"

	"aichatgo/internal/apperr"
)

// ProviderError is the narrow shape the classifier operates on, decoupled
// from whatever error type the provider SDK raises. StatusCode and Code are
// optional (zero / empty when absent).
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

// Classify maps a provider failure onto the error taxonomy. Checks run in
// source order and the first match wins; an error matching several categories
// is resolved by that priority. This is a best-effort heuristic over an
// untyped upstream error shape.
func Classify(pe ProviderError) apperr.Kind {
	msg := strings.ToLower(pe.Message)

	if pe.StatusCode == 401 || pe.Code == "UNAUTHENTICATED" {
		return apperr.InvalidAPIKey
	}
	if pe.StatusCode == 400 && strings.Contains(msg, "model") {
		return apperr.InvalidModel
	}
	if pe.StatusCode == 429 || pe.Code == "RESOURCE_EXHAUSTED" {
		return apperr.QuotaExceeded
	}
	if pe.StatusCode == 402 || strings.Contains(msg, "billing") {
		return apperr.BillingIssue
	}
	switch pe.Code {
	case "ECONNREFUSED", "ENOTFOUND", "ETIMEDOUT":
		return apperr.NetworkError
	}
	return apperr.Unknown
}

// FromError flattens an arbitrary error from the provider call into the
// classifier's input shape.
func FromError(err error) ProviderError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return ProviderError{
			StatusCode: apiErr.Code,
			Code:       apiErr.Status,
			Message:    apiErr.Message,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ProviderError{Code: "ETIMEDOUT", Message: err.Error()}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ProviderError{Code: "ENOTFOUND", Message: err.Error()}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ProviderError{Code: "ECONNREFUSED", Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ProviderError{Code: "ETIMEDOUT", Message: err.Error()}
	}

	return ProviderError{Message: err.Error()}
}

// classifyProviderErr wraps a raw provider failure with its taxonomy kind and
// a user-readable message.
func classifyProviderErr(err error) error {
	pe := FromError(err)
	kind := Classify(pe)
	switch kind {
	case apperr.InvalidAPIKey:
		return apperr.Wrap(kind, "Invalid Google AI API key", err)
	case apperr.InvalidModel:
		return apperr.Wrap(kind, "Invalid model specified", err)
	case apperr.QuotaExceeded:
		return apperr.Wrap(kind, "API quota exceeded. Please check your usage limits.", err)
	case apperr.BillingIssue:
		return apperr.Wrap(kind, "Billing issue detected. Please check your account status.", err)
	case apperr.NetworkError:
		return apperr.Wrap(kind, "Network connectivity issue. Please try again.", err)
	default:
		return apperr.Wrap(apperr.Unknown, "AI generation failed: "+pe.Message, err)
	}
}
