package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Profile roles.
const (
	RoleClient = "client"
	RoleAdmin  = "admin"
)

// Profile is a dashboard account, keyed by the auth user id.
type Profile struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	FullName    string    `json:"fullName"`
	CompanyName string    `json:"companyName,omitempty"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsAdmin reports whether the profile may see every client's data.
func (p *Profile) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

const profileColumns = `id, email, full_name, company_name, role, created_at, updated_at`

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.Email, &p.FullName, &p.CompanyName, &p.Role, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfile retrieves a profile by user ID.
func (db *DB) GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	p, err := scanProfile(db.pool.QueryRow(ctx, `
		SELECT `+profileColumns+` FROM profiles WHERE id = $1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// UpsertProfile creates the profile or updates its contact fields. The role
// of an existing profile is never changed here.
func (db *DB) UpsertProfile(ctx context.Context, p *Profile) (*Profile, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	role := p.Role
	if role == "" {
		role = RoleClient
	}
	now := time.Now().UTC()

	return scanProfile(db.pool.QueryRow(ctx, `
		INSERT INTO profiles (id, email, full_name, company_name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			full_name = EXCLUDED.full_name,
			company_name = EXCLUDED.company_name,
			updated_at = EXCLUDED.updated_at
		RETURNING `+profileColumns,
		p.ID, strings.TrimSpace(p.Email), p.FullName, p.CompanyName, role, now))
}

// ListProfiles returns profiles, newest first.
func (db *DB) ListProfiles(ctx context.Context, limit int) ([]Profile, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx, `
		SELECT `+profileColumns+` FROM profiles
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
