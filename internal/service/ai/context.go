package ai

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"

	"aichatgo/internal/models"
	"aichatgo/internal/service/files"
)

// BlobSource is the slice of the file store the assembler needs.
type BlobSource interface {
	Metadata(ctx context.Context, id string) (*models.Blob, error)
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	URL(ctx context.Context, id string) (string, error)
}

// assembleContext converts stored history into provider messages. Messages
// keep their chronological order; within a message the text part comes first,
// then attachment parts in stored order.
func assembleContext(ctx context.Context, blobs BlobSource, history []*models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		role := schema.User
		if m.Role == models.RoleAssistant {
			role = schema.Assistant
		}
		if len(m.Attachments) == 0 {
			out = append(out, &schema.Message{Role: role, Content: m.Content})
			continue
		}

		var parts []schema.ChatMessagePart
		if strings.TrimSpace(m.Content) != "" {
			parts = append(parts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: m.Content,
			})
		}
		parts = append(parts, resolveAttachments(ctx, blobs, m.Attachments)...)
		out = append(out, &schema.Message{Role: role, MultiContent: parts})
	}
	return out
}

// resolveAttachments fetches attachment metadata and URLs concurrently while
// preserving the stored order. A handle that fails to resolve is dropped from
// the context; the message itself still goes through.
func resolveAttachments(ctx context.Context, blobs BlobSource, ids []string) []schema.ChatMessagePart {
	resolved := make([]*schema.ChatMessagePart, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			part, err := resolveAttachment(ctx, blobs, id)
			if err != nil {
				log.Printf("drop attachment %s from context: %v", id, err)
				return
			}
			resolved[i] = part
		}(i, id)
	}
	wg.Wait()

	parts := make([]schema.ChatMessagePart, 0, len(ids))
	for _, p := range resolved {
		if p != nil {
			parts = append(parts, *p)
		}
	}
	return parts
}

func resolveAttachment(ctx context.Context, blobs BlobSource, id string) (*schema.ChatMessagePart, error) {
	meta, err := blobs.Metadata(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.Size > files.MaxAttachmentBytes {
		return nil, fmt.Errorf("attachment too large for context: %d bytes", meta.Size)
	}
	// Probe that the bytes are actually still on disk before handing the
	// model a URL to them.
	rc, err := blobs.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	rc.Close()

	if strings.HasPrefix(meta.ContentType, "image/") {
		url, err := blobs.URL(ctx, id)
		if err != nil {
			return nil, err
		}
		return &schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{
				URL: url,
			},
		}, nil
	}
	return &schema.ChatMessagePart{
		Type: schema.ChatMessagePartTypeText,
		Text: fmt.Sprintf("[File attachment: %s]", meta.ContentType),
	}, nil
}
