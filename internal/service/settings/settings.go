package settings

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

// DefaultModel is substituted when the stored selected model is empty.
const DefaultModel = "gemini-2.5-flash"

const maxAPIKeyLen = 500

// Service stores per-user provider settings. API keys are encrypted at rest.
type Service struct {
	db     *sql.DB
	cipher *keyCipher
}

// NewService builds the settings service; the encryption key comes from the
// AICHATGO_SETTINGS_KEY environment variable.
func NewService(db *sql.DB) (*Service, error) {
	c, err := newKeyCipherFromEnv()
	if err != nil {
		return nil, fmt.Errorf("init settings cipher: %w", err)
	}
	return &Service{db: db, cipher: c}, nil
}

// NewServiceWithKey builds the service with an explicit 32-byte key.
func NewServiceWithKey(db *sql.DB, key []byte) (*Service, error) {
	c, err := newKeyCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init settings cipher: %w", err)
	}
	return &Service{db: db, cipher: c}, nil
}

// Get returns the caller's settings with the API key decrypted and the model
// resolved to a non-empty value. A missing record yields NotFound.
func (s *Service) Get(ctx context.Context, identity auth.Identity) (*models.UserSettings, error) {
	if !identity.Valid() {
		return nil, apperr.New(apperr.Unauthenticated, "authentication required")
	}
	settings, err := s.lookup(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, apperr.New(apperr.NotFound, "settings not found")
	}
	return settings, nil
}

// Upsert validates and stores the caller's API key and model selection. A
// second call with the same values patches the existing record rather than
// creating another one.
func (s *Service) Upsert(ctx context.Context, identity auth.Identity, apiKey, selectedModel string) error {
	if !identity.Valid() {
		return apperr.New(apperr.Unauthenticated, "authentication required")
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return apperr.New(apperr.ValidationFailed, "API key is required")
	}
	if len(apiKey) > maxAPIKeyLen {
		return apperr.Newf(apperr.ValidationFailed, "API key must be no more than %d characters", maxAPIKeyLen)
	}
	selectedModel = strings.TrimSpace(selectedModel)
	if selectedModel == "" {
		selectedModel = DefaultModel
	}

	enc, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}

	// Uniqueness is by lookup-then-patch-or-insert, not a hard constraint.
	existing, err := s.lookup(ctx, identity.UserID)
	if err != nil {
		return err
	}
	if existing != nil {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE user_settings SET api_key_enc = ?, selected_model = ? WHERE id = ?`,
			enc, selectedModel, existing.ID,
		); err != nil {
			return fmt.Errorf("update settings: %w", err)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, api_key_enc, selected_model, created_at) VALUES (?, ?, ?, ?)`,
		identity.UserID, enc, selectedModel, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert settings: %w", err)
	}
	return nil
}

// Delete removes the caller's settings record, if any.
func (s *Service) Delete(ctx context.Context, identity auth.Identity) error {
	if !identity.Valid() {
		return apperr.New(apperr.Unauthenticated, "authentication required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_settings WHERE user_id = ?`, identity.UserID); err != nil {
		return fmt.Errorf("delete settings: %w", err)
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, userID int64) (*models.UserSettings, error) {
	var (
		settings models.UserSettings
		enc      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, api_key_enc, selected_model, created_at FROM user_settings WHERE user_id = ? LIMIT 1`,
		userID,
	).Scan(&settings.ID, &settings.UserID, &enc, &settings.SelectedModel, &settings.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup settings: %w", err)
	}
	apiKey, err := s.cipher.Decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	settings.APIKey = apiKey
	if settings.SelectedModel == "" {
		settings.SelectedModel = DefaultModel
	}
	return &settings, nil
}
