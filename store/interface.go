package store

import (
	"context"

	"github.com/google/uuid"
)

// Store defines the interface for all database operations.
// This interface enables mocking for unit tests.
type Store interface {
	// Close closes the database connection.
	Close()
	Ping(ctx context.Context) error

	// Profiles
	GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	UpsertProfile(ctx context.Context, p *Profile) (*Profile, error)
	ListProfiles(ctx context.Context, limit int) ([]Profile, error)

	// Subscriptions
	GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)

	// Projects
	ListProjects(ctx context.Context, userID uuid.UUID) ([]Project, error)
	ListAllProjects(ctx context.Context, limit int) ([]Project, error)
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
	CreateProject(ctx context.Context, userID uuid.UUID, title, description string) (*Project, error)
	MoveProject(ctx context.Context, id uuid.UUID, status ProjectStatus, position int) (*Project, error)
	DeleteProject(ctx context.Context, id uuid.UUID) error

	// Messages
	ListMessages(ctx context.Context, projectID uuid.UUID, limit int) ([]Message, error)
	CreateMessage(ctx context.Context, projectID, senderID uuid.UUID, body string) (*Message, error)

	// Attachments
	ListAttachments(ctx context.Context, projectID uuid.UUID) ([]Attachment, error)
	CreateAttachment(ctx context.Context, a *Attachment) (*Attachment, error)
}

// Compile-time check that DB implements Store.
var _ Store = (*DB)(nil)
