package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/genai"

	"aichatgo/internal/apperr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		pe   ProviderError
		want apperr.Kind
	}{
		{"status 401", ProviderError{StatusCode: 401}, apperr.InvalidAPIKey},
		{"unauthenticated code", ProviderError{Code: "UNAUTHENTICATED"}, apperr.InvalidAPIKey},
		{"bad model", ProviderError{StatusCode: 400, Message: "unknown model gemini-9"}, apperr.InvalidModel},
		{"bad model mixed case", ProviderError{StatusCode: 400, Message: "Model not found"}, apperr.InvalidModel},
		{"400 without model keyword", ProviderError{StatusCode: 400, Message: "bad request"}, apperr.Unknown},
		{"status 429", ProviderError{StatusCode: 429}, apperr.QuotaExceeded},
		{"resource exhausted", ProviderError{Code: "RESOURCE_EXHAUSTED"}, apperr.QuotaExceeded},
		{"status 402", ProviderError{StatusCode: 402}, apperr.BillingIssue},
		{"billing keyword", ProviderError{Message: "a billing problem occurred"}, apperr.BillingIssue},
		{"conn refused", ProviderError{Code: "ECONNREFUSED"}, apperr.NetworkError},
		{"dns", ProviderError{Code: "ENOTFOUND"}, apperr.NetworkError},
		{"timeout", ProviderError{Code: "ETIMEDOUT"}, apperr.NetworkError},
		{"empty", ProviderError{}, apperr.Unknown},
		{"unrecognized", ProviderError{StatusCode: 503, Message: "overloaded"}, apperr.Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.pe); got != tt.want {
				t.Fatalf("Classify(%+v) = %s, want %s", tt.pe, got, tt.want)
			}
		})
	}
}

func TestClassifyPriority(t *testing.T) {
	// 401 wins over the model-keyword rule.
	pe := ProviderError{StatusCode: 401, Message: "invalid model"}
	if got := Classify(pe); got != apperr.InvalidAPIKey {
		t.Fatalf("expected InvalidAPIKey to win, got %s", got)
	}
	// 429 wins over a billing keyword.
	pe = ProviderError{StatusCode: 429, Message: "billing quota"}
	if got := Classify(pe); got != apperr.QuotaExceeded {
		t.Fatalf("expected QuotaExceeded to win, got %s", got)
	}
}

func TestFromErrorAPIError(t *testing.T) {
	err := genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota exceeded"}
	pe := FromError(err)
	if pe.StatusCode != 429 || pe.Code != "RESOURCE_EXHAUSTED" || pe.Message != "quota exceeded" {
		t.Fatalf("unexpected provider error: %+v", pe)
	}

	wrapped := fmt.Errorf("call model: %w", genai.APIError{Code: 401, Status: "UNAUTHENTICATED"})
	pe = FromError(wrapped)
	if pe.StatusCode != 401 {
		t.Fatalf("expected wrapped APIError to unwrap, got %+v", pe)
	}
}

func TestFromErrorNetwork(t *testing.T) {
	pe := FromError(context.DeadlineExceeded)
	if pe.Code != "ETIMEDOUT" {
		t.Fatalf("expected ETIMEDOUT, got %+v", pe)
	}
	pe = FromError(errors.New("something else"))
	if pe.Code != "" || pe.StatusCode != 0 || pe.Message != "something else" {
		t.Fatalf("unexpected provider error: %+v", pe)
	}
}

func TestClassifyProviderErrMessages(t *testing.T) {
	err := classifyProviderErr(genai.APIError{Code: 401, Message: "bad key"})
	if !apperr.Is(err, apperr.InvalidAPIKey) {
		t.Fatalf("expected InvalidAPIKey, got %v", err)
	}
	if apperr.UserMessage(err) != "Invalid Google AI API key" {
		t.Fatalf("unexpected user message: %q", apperr.UserMessage(err))
	}

	err = classifyProviderErr(errors.New("boom"))
	if !apperr.Is(err, apperr.Unknown) {
		t.Fatalf("expected Unknown, got %v", err)
	}
	if apperr.UserMessage(err) != "AI generation failed: boom" {
		t.Fatalf("unexpected user message: %q", apperr.UserMessage(err))
	}
}
