package files

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"aichatgo/internal/apperr"
	"aichatgo/internal/auth"
	"aichatgo/internal/models"
)

// MaxAttachmentBytes is the per-file ceiling enforced when building provider
// context: files at exactly this size are accepted, one byte over is skipped.
const MaxAttachmentBytes = 10 * 1024 * 1024

// Store keeps blob content on local disk and metadata rows in SQL. Blob IDs
// are the opaque handles messages reference in their attachment lists.
type Store struct {
	db      *sql.DB
	baseDir string
	urlBase string
}

// NewStore builds a blob store rooted at baseDir. urlBase prefixes the
// download URLs handed out to the AI provider.
func NewStore(db *sql.DB, baseDir, urlBase string) *Store {
	if baseDir == "" {
		baseDir = "./data/uploads"
	}
	return &Store{db: db, baseDir: baseDir, urlBase: strings.TrimRight(urlBase, "/")}
}

// Save writes the upload to disk and records its metadata, returning the blob.
func (s *Store) Save(ctx context.Context, r io.Reader, contentType string) (*models.Blob, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	id := uuid.NewString()
	dir := filepath.Join(s.baseDir, id[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	path := filepath.Join(dir, id)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create blob file: %w", err)
	}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), r)
	closeErr := f.Close()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write blob: %w", err)
	}
	if closeErr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close blob: %w", closeErr)
	}

	blob := &models.Blob{
		ID:          id,
		StoredPath:  path,
		ContentType: contentType,
		Size:        size,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blobs (id, stored_path, content_type, size, sha256, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		blob.ID, blob.StoredPath, blob.ContentType, blob.Size, blob.SHA256, blob.CreatedAt,
	)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("insert blob: %w", err)
	}
	return blob, nil
}

// Metadata returns the metadata row for a handle.
func (s *Store) Metadata(ctx context.Context, id string) (*models.Blob, error) {
	var blob models.Blob
	err := s.db.QueryRowContext(ctx,
		`SELECT id, stored_path, content_type, size, sha256, created_at FROM blobs WHERE id = ?`, id,
	).Scan(&blob.ID, &blob.StoredPath, &blob.ContentType, &blob.Size, &blob.SHA256, &blob.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "file not found")
		}
		return nil, fmt.Errorf("lookup blob: %w", err)
	}
	return &blob, nil
}

// Open returns a reader over the blob content.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	blob, err := s.Metadata(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(blob.StoredPath)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	return f, nil
}

// URL returns a fetchable download URL for the handle. The handle itself is
// the capability; the download route serves it without session auth.
func (s *Store) URL(ctx context.Context, id string) (string, error) {
	if _, err := s.Metadata(ctx, id); err != nil {
		return "", err
	}
	return s.urlBase + "/api/files/" + id, nil
}

// Delete removes the metadata row and the on-disk content.
func (s *Store) Delete(ctx context.Context, id string) error {
	blob, err := s.Metadata(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete blob row: %w", err)
	}
	if err := os.Remove(blob.StoredPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob file: %w", err)
	}
	// prune empty directories
	_ = os.Remove(filepath.Dir(blob.StoredPath))
	return nil
}

// CheckUserAccess reports whether the caller may read the blob. A file carries
// no owner of its own: it is readable exactly when some message inside one of
// the caller's conversations references its handle.
func (s *Store) CheckUserAccess(ctx context.Context, id string, identity auth.Identity) (bool, error) {
	if !identity.Valid() {
		return false, apperr.New(apperr.Unauthenticated, "authentication required")
	}
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM message_attachments ma
			JOIN messages m ON m.id = ma.message_id
			JOIN conversations c ON c.id = m.conversation_id
			WHERE ma.blob_id = ? AND c.user_id = ?
		)`,
		id, identity.UserID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check blob access: %w", err)
	}
	return exists, nil
}

// Orphans lists blob handles no message references anymore.
func (s *Store) Orphans(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.id FROM blobs b
		 LEFT JOIN message_attachments ma ON ma.blob_id = b.id
		 WHERE ma.blob_id IS NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("list orphaned blobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan orphaned blob: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
