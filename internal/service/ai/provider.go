package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"aichatgo/internal/apperr"
)

// SupportedModels is the static allow-list of model identifiers the adapter
// accepts. Membership is exact: no trimming, no aliases.
var SupportedModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-1.5-flash",
	"gemini-1.5-pro",
}

// IsSupportedModel reports whether modelID is in the allow-list.
func IsSupportedModel(modelID string) bool {
	for _, m := range SupportedModels {
		if modelID == m {
			return true
		}
	}
	return false
}

// chatModelFactory builds the provider-bound chat model. Tests swap it out.
var chatModelFactory = newGeminiChatModel

// newChatModel validates the model identifier and constructs a client bound
// to the caller's key. Validation is a local list check; no network call
// happens here.
func newChatModel(ctx context.Context, apiKey, modelID string) (model.BaseChatModel, error) {
	if !IsSupportedModel(modelID) {
		return nil, apperr.Newf(apperr.InvalidModel,
			"Invalid model: %s. Supported models: %s", modelID, strings.Join(SupportedModels, ", "))
	}
	return chatModelFactory(ctx, apiKey, modelID)
}

func newGeminiChatModel(ctx context.Context, apiKey, modelID string) (model.BaseChatModel, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	chatModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client: client,
		Model:  modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini chat model: %w", err)
	}
	return chatModel, nil
}
