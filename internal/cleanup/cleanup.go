package cleanup

import (
	"context"
	"log"
	"time"

	"aichatgo/internal/models"
)

const (
	DefaultRetention = 30 * 24 * time.Hour
	DefaultInterval  = time.Hour
)

// ConversationPurger is the retention slice of the chat service.
type ConversationPurger interface {
	IdleConversations(ctx context.Context, cutoff time.Time) ([]models.Conversation, error)
	PurgeConversation(ctx context.Context, conversationID int64) ([]string, error)
}

// BlobDeleter is the slice of the file store the sweeper needs.
type BlobDeleter interface {
	Delete(ctx context.Context, id string) error
	Orphans(ctx context.Context) ([]string, error)
}

// Cleaner periodically purges conversations idle past the retention window and
// sweeps blobs no message references anymore.
type Cleaner struct {
	conversations ConversationPurger
	blobs         BlobDeleter
	retention     time.Duration
	interval      time.Duration
}

func NewCleaner(conversations ConversationPurger, blobs BlobDeleter, retention, interval time.Duration) *Cleaner {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Cleaner{conversations: conversations, blobs: blobs, retention: retention, interval: interval}
}

// Start runs the sweep loop until ctx is cancelled.
func (c *Cleaner) Start(ctx context.Context) {
	go c.loop(ctx)
}

func (c *Cleaner) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				log.Printf("cleanup sweep error: %v", err)
			}
		}
	}
}

// Sweep performs one retention pass. Per-item failures are logged and skipped
// so one bad row cannot stall the rest of the pass.
func (c *Cleaner) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-c.retention)
	idle, err := c.conversations.IdleConversations(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, conv := range idle {
		blobIDs, err := c.conversations.PurgeConversation(ctx, conv.ID)
		if err != nil {
			log.Printf("purge conversation %d failed: %v", conv.ID, err)
			continue
		}
		c.deleteBlobs(ctx, blobIDs)
	}

	// Blobs uploaded but never attached, or left behind by failed deletes.
	orphans, err := c.blobs.Orphans(ctx)
	if err != nil {
		return err
	}
	c.deleteBlobs(ctx, orphans)
	return nil
}

func (c *Cleaner) deleteBlobs(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := c.blobs.Delete(ctx, id); err != nil {
			log.Printf("delete blob %s failed: %v", id, err)
		}
	}
}
