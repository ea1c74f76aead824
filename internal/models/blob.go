package models

import "time"

// Blob describes an uploaded file. The ID is the opaque handle messages store
// in their attachment lists; content lives on disk at StoredPath.
type Blob struct {
	ID          string    `json:"id"`
	StoredPath  string    `json:"-"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	CreatedAt   time.Time `json:"created_at"`
}
