package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"aichatgo/internal/apperr"
	"aichatgo/internal/auth"
	"aichatgo/internal/models"
	"aichatgo/internal/ratelimit"
	"aichatgo/internal/service/chat"
)

const (
	// DefaultStreamBatchSize is how many received chunks accumulate between
	// persisted flushes of the assistant placeholder.
	DefaultStreamBatchSize = 5

	defaultTemperature = 0.7

	titleSystemPrompt = "You generate conversation titles. Reply with a short title " +
		"(at most six words) for the conversation that starts with the given message. " +
		"Reply with the title only, no quotes."
)

// Store is the slice of the chat service the pipeline drives.
type Store interface {
	GetConversation(ctx context.Context, identity auth.Identity, conversationID int64) (*models.Conversation, error)
	ListMessages(ctx context.Context, identity auth.Identity, conversationID int64) ([]*models.Message, error)
	AppendMessage(ctx context.Context, identity auth.Identity, conversationID int64, role models.Role, content string, attachments []string) (*models.Message, error)
	UpdateMessageContent(ctx context.Context, messageID int64, content string) error
	RenameConversation(ctx context.Context, identity auth.Identity, conversationID int64, title string) error
}

// SettingsSource resolves the caller's provider settings.
type SettingsSource interface {
	Get(ctx context.Context, identity auth.Identity) (*models.UserSettings, error)
}

// Pipeline runs a generation turn: ownership gate, rate limit, settings,
// context assembly, provider stream, incremental persistence.
type Pipeline struct {
	store       Store
	settings    SettingsSource
	blobs       BlobSource
	limiter     ratelimit.Limiter
	batchSize   int
	temperature float32
}

func NewPipeline(store Store, settings SettingsSource, blobs BlobSource, limiter ratelimit.Limiter, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = DefaultStreamBatchSize
	}
	return &Pipeline{
		store:       store,
		settings:    settings,
		blobs:       blobs,
		limiter:     limiter,
		batchSize:   batchSize,
		temperature: defaultTemperature,
	}
}

// StreamEvents carries the optional observer hooks of a generation turn. A
// non-nil hook returning an error aborts the turn.
type StreamEvents struct {
	// OnPlaceholder fires once the assistant placeholder row exists.
	OnPlaceholder func(placeholder *models.Message) error
	// OnDelta fires per received chunk with the text accumulated so far.
	OnDelta func(accumulated string) error
}

// Generate streams one assistant reply into the conversation. The returned
// message carries the full reply; the second result is a model-suggested
// conversation title, empty when none was set.
//
// The provider stream is opened before the assistant placeholder is inserted,
// so a rejected request (bad key, bad model, quota) leaves no empty message
// behind. Once streaming has started, flushed partial content is kept even if
// the stream later fails.
func (p *Pipeline) Generate(ctx context.Context, identity auth.Identity, conversationID int64, events *StreamEvents) (*models.Message, string, error) {
	conv, err := p.store.GetConversation(ctx, identity, conversationID)
	if err != nil {
		return nil, "", err
	}

	ok, err := p.limiter.Allow(ctx, fmt.Sprintf("generate:%d", identity.UserID))
	if err != nil {
		return nil, "", fmt.Errorf("rate limit check: %w", err)
	}
	if !ok {
		return nil, "", apperr.New(apperr.RateLimited, "Rate limit exceeded. Please try again later.")
	}

	userSettings, err := p.settings.Get(ctx, identity)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, "", apperr.New(apperr.ValidationFailed,
				"No API key configured. Add your Google AI API key in settings.")
		}
		return nil, "", err
	}

	history, err := p.store.ListMessages(ctx, identity, conversationID)
	if err != nil {
		return nil, "", err
	}
	if len(history) == 0 {
		return nil, "", apperr.New(apperr.ValidationFailed, "conversation has no messages")
	}

	chatModel, err := newChatModel(ctx, userSettings.APIKey, userSettings.SelectedModel)
	if err != nil {
		return nil, "", err
	}

	input := assembleContext(ctx, p.blobs, history)
	reply, err := p.streamReply(ctx, identity, conversationID, chatModel, input, events)
	if err != nil {
		return nil, "", err
	}

	title := p.maybeSuggestTitle(ctx, identity, conv, history, chatModel)
	return reply, title, nil
}

// streamReply opens the provider stream, then persists an assistant
// placeholder and patches it with accumulated content every batchSize chunks,
// with a final flush at end of stream.
func (p *Pipeline) streamReply(ctx context.Context, identity auth.Identity, conversationID int64, chatModel model.BaseChatModel, input []*schema.Message, events *StreamEvents) (*models.Message, error) {
	reader, err := chatModel.Stream(ctx, input, model.WithTemperature(p.temperature))
	if err != nil {
		return nil, classifyProviderErr(err)
	}
	defer reader.Close()

	placeholder, err := p.store.AppendMessage(ctx, identity, conversationID, models.RoleAssistant, "", nil)
	if err != nil {
		return nil, fmt.Errorf("insert assistant placeholder: %w", err)
	}
	if events != nil && events.OnPlaceholder != nil {
		if err := events.OnPlaceholder(placeholder); err != nil {
			return nil, fmt.Errorf("deliver placeholder: %w", err)
		}
	}

	var full strings.Builder
	pending := 0
	for {
		chunk, recvErr := reader.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			return nil, classifyProviderErr(recvErr)
		}
		if chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		pending++
		if events != nil && events.OnDelta != nil {
			if err := events.OnDelta(full.String()); err != nil {
				return nil, fmt.Errorf("deliver chunk: %w", err)
			}
		}
		if pending >= p.batchSize {
			if err := p.store.UpdateMessageContent(ctx, placeholder.ID, full.String()); err != nil {
				return nil, err
			}
			pending = 0
		}
	}
	if err := p.store.UpdateMessageContent(ctx, placeholder.ID, full.String()); err != nil {
		return nil, err
	}

	placeholder.Content = full.String()
	return placeholder, nil
}

// maybeSuggestTitle asks the model for a conversation title after the first
// completed turn, as long as the user has not renamed the conversation away
// from its default. Failures are logged and swallowed; the turn already
// succeeded.
func (p *Pipeline) maybeSuggestTitle(ctx context.Context, identity auth.Identity, conv *models.Conversation, history []*models.Message, chatModel model.BaseChatModel) string {
	if conv.Title != chat.DefaultTitle(conv.CreatedAt) {
		return ""
	}
	for _, m := range history {
		if m.Role == models.RoleAssistant {
			return ""
		}
	}
	var firstUser string
	for _, m := range history {
		if m.Role == models.RoleUser && strings.TrimSpace(m.Content) != "" {
			firstUser = m.Content
			break
		}
	}
	if firstUser == "" {
		return ""
	}

	title, err := suggestTitle(ctx, chatModel, firstUser)
	if err != nil {
		log.Printf("suggest title for conversation %d: %v", conv.ID, err)
		return ""
	}
	if title == "" {
		return ""
	}
	if err := p.store.RenameConversation(ctx, identity, conv.ID, title); err != nil {
		log.Printf("apply suggested title for conversation %d: %v", conv.ID, err)
		return ""
	}
	return title
}

func suggestTitle(ctx context.Context, chatModel model.BaseChatModel, firstUserContent string) (string, error) {
	out, err := chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(titleSystemPrompt),
		schema.UserMessage(firstUserContent),
	})
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(out.Content)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	if len(title) > 200 {
		title = strings.TrimSpace(title[:200])
	}
	return title, nil
}
