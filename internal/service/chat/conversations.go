package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"aichatgo/internal/apperr"
	"aichatgo/internal/auth"
	"aichatgo/internal/models"
)

const (
	maxTitleLen = 200
)

// GetConversation is the authorization gate for the whole pipeline: it fails
// before any other work when the caller is anonymous, the conversation is
// missing, or it belongs to someone else.
func (s *Service) GetConversation(ctx context.Context, identity auth.Identity, conversationID int64) (*models.Conversation, error) {
	if !identity.Valid() {
		return nil, apperr.New(apperr.Unauthenticated, "authentication required")
	}
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, last_accessed_at FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.LastAccessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "conversation not found")
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv.UserID != identity.UserID {
		return nil, apperr.New(apperr.Unauthorized, "not authorized to access this conversation")
	}
	return &conv, nil
}

// CreateConversation inserts a new conversation for the caller. An empty
// title falls back to a dated default.
func (s *Service) CreateConversation(ctx context.Context, identity auth.Identity, title string) (*models.Conversation, error) {
	if !identity.Valid() {
		return nil, apperr.New(apperr.Unauthenticated, "authentication required")
	}
	now := time.Now().UTC()
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle(now)
	}
	if len(title) > maxTitleLen {
		return nil, apperr.Newf(apperr.ValidationFailed, "title must be no more than %d characters", maxTitleLen)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, created_at, last_accessed_at) VALUES (?, ?, ?, ?)`,
		identity.UserID, title, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{ID: id, UserID: identity.UserID, Title: title, CreatedAt: now, LastAccessedAt: now}, nil
}

// DefaultTitle is the title given to conversations created without one.
func DefaultTitle(t time.Time) string {
	return "Chat " + t.Format("2006-01-02")
}

// ListConversations returns the caller's conversations, most recent activity first.
func (s *Service) ListConversations(ctx context.Context, identity auth.Identity) ([]models.Conversation, error) {
	if !identity.Valid() {
		return nil, apperr.New(apperr.Unauthenticated, "authentication required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, last_accessed_at FROM conversations
		 WHERE user_id = ? ORDER BY last_accessed_at DESC`,
		identity.UserID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// RenameConversation sets a new title on a conversation owned by the caller.
func (s *Service) RenameConversation(ctx context.Context, identity auth.Identity, conversationID int64, title string) error {
	if _, err := s.GetConversation(ctx, identity, conversationID); err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return apperr.New(apperr.ValidationFailed, "title cannot be empty")
	}
	if len(title) > maxTitleLen {
		return apperr.Newf(apperr.ValidationFailed, "title must be no more than %d characters", maxTitleLen)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ?`, title, conversationID,
	); err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation with its messages and attachment
// rows, returning the blob handles that were referenced so the caller can
// release the underlying files.
func (s *Service) DeleteConversation(ctx context.Context, identity auth.Identity, conversationID int64) ([]string, error) {
	if _, err := s.GetConversation(ctx, identity, conversationID); err != nil {
		return nil, err
	}
	return s.deleteConversationCascade(ctx, conversationID)
}

func (s *Service) deleteConversationCascade(ctx context.Context, conversationID int64) ([]string, error) {
	blobIDs, err := s.conversationBlobIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM message_attachments WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`,
		conversationID,
	); err != nil {
		return nil, fmt.Errorf("delete attachments: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return nil, fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return nil, fmt.Errorf("delete conversation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete conversation: %w", err)
	}
	return blobIDs, nil
}

func (s *Service) conversationBlobIDs(ctx context.Context, conversationID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT ma.blob_id FROM message_attachments ma
		 JOIN messages m ON m.id = ma.message_id
		 WHERE m.conversation_id = ?`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversation blobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blob id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchConversation bumps the last-accessed timestamp.
func (s *Service) TouchConversation(ctx context.Context, conversationID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_accessed_at = ? WHERE id = ?`,
		time.Now().UTC(), conversationID,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// IdleConversations returns conversations whose last activity predates the cutoff.
func (s *Service) IdleConversations(ctx context.Context, cutoff time.Time) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, last_accessed_at FROM conversations WHERE last_accessed_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list idle conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scan idle conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// PurgeConversation is the retention-path cascade: same as DeleteConversation
// but without an owner check, for the cleanup sweeper.
func (s *Service) PurgeConversation(ctx context.Context, conversationID int64) ([]string, error) {
	return s.deleteConversationCascade(ctx, conversationID)
}
