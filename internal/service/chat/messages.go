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

const maxContentLen = 10000

// ListMessages returns the conversation's messages oldest first, with their
// ordered attachment handles. The ownership gate runs before any read.
func (s *Service) ListMessages(ctx context.Context, identity auth.Identity, conversationID int64) ([]*models.Message, error) {
	if _, err := s.GetConversation(ctx, identity, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at, last_accessed_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt, &m.LastAccessedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range messages {
		attachments, err := s.messageAttachments(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		m.Attachments = attachments
	}
	return messages, nil
}

// AppendMessage stores a new message with its ordered attachment handles and
// bumps the conversation's last-accessed timestamp. Empty content is allowed
// only for assistant placeholders.
func (s *Service) AppendMessage(ctx context.Context, identity auth.Identity, conversationID int64, role models.Role, content string, attachments []string) (*models.Message, error) {
	if _, err := s.GetConversation(ctx, identity, conversationID); err != nil {
		return nil, err
	}
	if err := validateContent(role, content); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at, last_accessed_at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, role, content, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	for pos, blobID := range attachments {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO message_attachments (message_id, position, blob_id) VALUES (?, ?, ?)`,
			id, pos, blobID,
		); err != nil {
			return nil, fmt.Errorf("insert attachment: %w", err)
		}
	}
	if err := s.TouchConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Attachments:    attachments,
		CreatedAt:      now,
		LastAccessedAt: now,
	}, nil
}

// UpdateMessageContent patches a message's content in place. It is the flush
// primitive of the streaming persister; callers are expected to have run the
// ownership gate already.
func (s *Service) UpdateMessageContent(ctx context.Context, messageID int64, content string) error {
	if len(content) > maxContentLen {
		content = content[:maxContentLen]
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, messageID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 0 {
		return apperr.New(apperr.NotFound, "message not found")
	}
	return nil
}

// GetMessage loads one message after verifying conversation ownership.
func (s *Service) GetMessage(ctx context.Context, identity auth.Identity, messageID int64) (*models.Message, error) {
	m := new(models.Message)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, role, content, created_at, last_accessed_at FROM messages WHERE id = ?`,
		messageID,
	).Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt, &m.LastAccessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "message not found")
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	if _, err := s.GetConversation(ctx, identity, m.ConversationID); err != nil {
		return nil, err
	}
	attachments, err := s.messageAttachments(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	m.Attachments = attachments
	return m, nil
}

func (s *Service) messageAttachments(ctx context.Context, messageID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT blob_id FROM message_attachments WHERE message_id = ? ORDER BY position ASC`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func validateContent(role models.Role, content string) error {
	if len(content) > maxContentLen {
		return apperr.Newf(apperr.ValidationFailed, "message content must be no more than %d characters", maxContentLen)
	}
	if strings.TrimSpace(content) == "" && role != models.RoleAssistant {
		return apperr.New(apperr.ValidationFailed, "message content cannot be empty")
	}
	return nil
}
