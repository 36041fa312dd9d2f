package blobstorage

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"strings"
)

// AttachmentStore tracks deduplicated attachment bodies. Reference counts
// and sizes live in the shared database; the bytes live in S3 when blob
// storage is enabled, otherwise inline in the same row.
type AttachmentStore struct {
	shared *sql.DB
	blobs  *S3BlobStorage
}

func NewAttachmentStore(shared *sql.DB, blobs *S3BlobStorage) *AttachmentStore {
	return &AttachmentStore{shared: shared, blobs: blobs}
}

// Add registers an attachment under id with an initial reference count of
// one. Re-adding an existing id bumps its reference count instead of
// re-uploading the content.
func (a *AttachmentStore) Add(ctx context.Context, id string, content []byte) error {
	var refcount int64
	err := a.shared.QueryRowContext(ctx,
		"SELECT refcount FROM attachments WHERE id = ?", id).Scan(&refcount)
	if err == nil {
		_, err = a.shared.ExecContext(ctx,
			"UPDATE attachments SET refcount = refcount + 1 WHERE id = ?", id)
		return err
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to look up attachment %s: %w", id, err)
	}

	if a.blobs.IsEnabled() {
		if err := a.blobs.Store(ctx, id, content); err != nil {
			return err
		}
		_, err = a.shared.ExecContext(ctx, `
			INSERT INTO attachments (id, size, refcount, storage, content)
			VALUES (?, ?, 1, 's3', NULL)
		`, id, len(content))
	} else {
		_, err = a.shared.ExecContext(ctx, `
			INSERT INTO attachments (id, size, refcount, storage, content)
			VALUES (?, ?, 1, 'local', ?)
		`, id, len(content), content)
	}
	if err != nil {
		return fmt.Errorf("failed to register attachment %s: %w", id, err)
	}
	return nil
}

// UpdateMany applies a reference-count delta and a size delta to every
// listed attachment in one statement.
func (a *AttachmentStore) UpdateMany(ctx context.Context, ids []string, refDelta, sizeDelta int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, refDelta, sizeDelta)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := a.shared.ExecContext(ctx, fmt.Sprintf(`
		UPDATE attachments
		SET refcount = refcount + ?, size = size + ?
		WHERE id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("failed to update attachment references: %w", err)
	}
	return nil
}

// Release decrements the reference count of each attachment and removes
// rows (and blobs) that reach zero. Blob deletion is best-effort.
func (a *AttachmentStore) Release(ctx context.Context, ids []string) error {
	for _, id := range ids {
		var refcount int64
		var storage string
		err := a.shared.QueryRowContext(ctx, `
			UPDATE attachments SET refcount = refcount - 1
			WHERE id = ?
			RETURNING refcount, storage
		`, id).Scan(&refcount, &storage)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to release attachment %s: %w", id, err)
		}
		if refcount > 0 {
			continue
		}
		if _, err := a.shared.ExecContext(ctx, "DELETE FROM attachments WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to remove attachment %s: %w", id, err)
		}
		if storage == "s3" && a.blobs.IsEnabled() {
			if err := a.blobs.Delete(ctx, id); err != nil {
				log.Printf("Failed to delete blob %s: %v", id, err)
			}
		}
	}
	return nil
}

// Get reads the attachment body.
func (a *AttachmentStore) Get(ctx context.Context, id string) ([]byte, error) {
	var storage string
	var content []byte
	err := a.shared.QueryRowContext(ctx,
		"SELECT storage, content FROM attachments WHERE id = ?", id).Scan(&storage, &content)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up attachment %s: %w", id, err)
	}
	if storage == "s3" {
		return a.blobs.Retrieve(ctx, id)
	}
	return content, nil
}

// CreateReadStream opens the attachment body for streaming.
func (a *AttachmentStore) CreateReadStream(ctx context.Context, id string) (io.ReadCloser, error) {
	var storage string
	err := a.shared.QueryRowContext(ctx,
		"SELECT storage FROM attachments WHERE id = ?", id).Scan(&storage)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up attachment %s: %w", id, err)
	}
	if storage == "s3" {
		return a.blobs.CreateReadStream(ctx, id)
	}
	content, err := a.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(content))), nil
}

// Refcount reports the current reference count, 0 when absent.
func (a *AttachmentStore) Refcount(ctx context.Context, id string) (int64, error) {
	var refcount int64
	err := a.shared.QueryRowContext(ctx,
		"SELECT refcount FROM attachments WHERE id = ?", id).Scan(&refcount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return refcount, err
}
