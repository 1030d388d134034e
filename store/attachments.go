package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Attachment is metadata for a file attached to a project. The file itself
// lives in object storage at StoragePath.
type Attachment struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"projectId"`
	UploaderID  uuid.UUID `json:"uploaderId"`
	FileName    string    `json:"fileName"`
	MimeType    string    `json:"mimeType"`
	Size        int64     `json:"size"`
	StoragePath string    `json:"storagePath"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListAttachments returns a project's attachments, newest first.
func (db *DB) ListAttachments(ctx context.Context, projectID uuid.UUID) ([]Attachment, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx, `
		SELECT id, project_id, uploader_id, file_name, mime_type, size, storage_path, created_at
		FROM project_attachments
		WHERE project_id = $1
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, pgx.RowToStructByPos[Attachment])
}

// CreateAttachment records attachment metadata.
func (db *DB) CreateAttachment(ctx context.Context, a *Attachment) (*Attachment, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	out := *a
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	if out.MimeType == "" {
		out.MimeType = "application/octet-stream"
	}
	out.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx, `
		INSERT INTO project_attachments (id, project_id, uploader_id, file_name, mime_type, size, storage_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, out.ID, out.ProjectID, out.UploaderID, out.FileName, out.MimeType, out.Size, out.StoragePath, out.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
