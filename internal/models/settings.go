package models

import "time"

// UserSettings holds the per-user provider configuration. APIKey is plaintext
// in memory only; the stored column is AES-GCM encrypted. SelectedModel may be
// stored empty; reads resolve it to the default model.
type UserSettings struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	APIKey        string    `json:"-"`
	SelectedModel string    `json:"selected_model"`
	CreatedAt     time.Time `json:"created_at"`
}
