package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Message is a chat message on a project.
type Message struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"projectId"`
	SenderID  uuid.UUID `json:"senderId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListMessages returns the latest limit messages, oldest first.
func (db *DB) ListMessages(ctx context.Context, projectID uuid.UUID, limit int) ([]Message, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx, `
		SELECT id, project_id, sender_id, body, created_at FROM (
			SELECT id, project_id, sender_id, body, created_at
			FROM project_messages
			WHERE project_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) latest
		ORDER BY created_at ASC
	`, projectID, limit)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.ProjectID, &m.SenderID, &m.Body, &m.CreatedAt)
		return m, err
	})
}

// CreateMessage stores a message and touches the project.
func (db *DB) CreateMessage(ctx context.Context, projectID, senderID uuid.UUID, body string) (*Message, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	msg := &Message{
		ID:        uuid.New(),
		ProjectID: projectID,
		SenderID:  senderID,
		Body:      body,
		CreatedAt: now,
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `UPDATE projects SET updated_at = $2 WHERE id = $1`, projectID, now)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO project_messages (id, project_id, sender_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.ProjectID, msg.SenderID, msg.Body, msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return msg, nil
}
