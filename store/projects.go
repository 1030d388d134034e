package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProjectStatus is the Kanban column a project sits in.
type ProjectStatus string

const (
	StatusBacklog    ProjectStatus = "backlog"
	StatusInProgress ProjectStatus = "in_progress"
	StatusReview     ProjectStatus = "review"
	StatusDone       ProjectStatus = "done"
)

// Statuses lists the board columns in display order.
var Statuses = []ProjectStatus{StatusBacklog, StatusInProgress, StatusReview, StatusDone}

// Valid reports whether s is a known column.
func (s ProjectStatus) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Project is a design request on a client's board.
type Project struct {
	ID          uuid.UUID     `json:"id"`
	UserID      uuid.UUID     `json:"userId"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Status      ProjectStatus `json:"status"`
	Position    int           `json:"position"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

const projectColumns = `id, user_id, title, description, status, position, created_at, updated_at`

func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.Status, &p.Position, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectProjects(rows pgx.Rows) ([]Project, error) {
	defer rows.Close()
	var out []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListProjects returns the user's board ordered by column and position.
func (db *DB) ListProjects(ctx context.Context, userID uuid.UUID) ([]Project, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE user_id = $1
		ORDER BY status, position, created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectProjects(rows)
}

// ListAllProjects returns recently updated projects across all users.
func (db *DB) ListAllProjects(ctx context.Context, limit int) ([]Project, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx, `
		SELECT `+projectColumns+` FROM projects
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectProjects(rows)
}

// GetProject retrieves a project by ID.
func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	p, err := scanProject(db.pool.QueryRow(ctx, `
		SELECT `+projectColumns+` FROM projects WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// CreateProject appends a project to the bottom of the user's backlog.
func (db *DB) CreateProject(ctx context.Context, userID uuid.UUID, title, description string) (*Project, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	return scanProject(db.pool.QueryRow(ctx, `
		INSERT INTO projects (id, user_id, title, description, status, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT COALESCE(MAX(position) + 1, 0) FROM projects WHERE user_id = $2 AND status = $5),
			$6, $6)
		RETURNING `+projectColumns,
		uuid.New(), userID, title, description, StatusBacklog, now))
}

// MoveProject places a project at position in the status column, shifting
// its neighbours. Positions outside the column are clamped.
func (db *DB) MoveProject(ctx context.Context, id uuid.UUID, status ProjectStatus, position int) (*Project, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("store: invalid project status %q", status)
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var (
		userID    uuid.UUID
		oldStatus ProjectStatus
		oldPos    int
	)
	err = tx.QueryRow(ctx, `
		SELECT user_id, status, position FROM projects WHERE id = $1 FOR UPDATE
	`, id).Scan(&userID, &oldStatus, &oldPos)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// Close the gap in the source column.
	_, err = tx.Exec(ctx, `
		UPDATE projects SET position = position - 1
		WHERE user_id = $1 AND status = $2 AND position > $3 AND id <> $4
	`, userID, oldStatus, oldPos, id)
	if err != nil {
		return nil, err
	}

	var count int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM projects WHERE user_id = $1 AND status = $2 AND id <> $3
	`, userID, status, id).Scan(&count)
	if err != nil {
		return nil, err
	}
	if position < 0 {
		position = 0
	}
	if position > count {
		position = count
	}

	_, err = tx.Exec(ctx, `
		UPDATE projects SET position = position + 1
		WHERE user_id = $1 AND status = $2 AND position >= $3 AND id <> $4
	`, userID, status, position, id)
	if err != nil {
		return nil, err
	}

	p, err := scanProject(tx.QueryRow(ctx, `
		UPDATE projects SET status = $2, position = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+projectColumns,
		id, status, position, time.Now().UTC()))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// DeleteProject removes a project with its messages and attachments.
func (db *DB) DeleteProject(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	tag, err := db.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
