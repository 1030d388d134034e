package store

import (
	"context"

	"github.com/google/uuid"
)

// MockStore is a mock implementation of Store for testing.
// Each method field can be set to a custom function to control behavior.
type MockStore struct {
	PingFn func(ctx context.Context) error

	// Profiles
	GetProfileFn    func(ctx context.Context, userID uuid.UUID) (*Profile, error)
	UpsertProfileFn func(ctx context.Context, p *Profile) (*Profile, error)
	ListProfilesFn  func(ctx context.Context, limit int) ([]Profile, error)

	// Subscriptions
	GetSubscriptionFn   func(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	ListSubscriptionsFn func(ctx context.Context) ([]Subscription, error)

	// Projects
	ListProjectsFn    func(ctx context.Context, userID uuid.UUID) ([]Project, error)
	ListAllProjectsFn func(ctx context.Context, limit int) ([]Project, error)
	GetProjectFn      func(ctx context.Context, id uuid.UUID) (*Project, error)
	CreateProjectFn   func(ctx context.Context, userID uuid.UUID, title, description string) (*Project, error)
	MoveProjectFn     func(ctx context.Context, id uuid.UUID, status ProjectStatus, position int) (*Project, error)
	DeleteProjectFn   func(ctx context.Context, id uuid.UUID) error

	// Messages
	ListMessagesFn  func(ctx context.Context, projectID uuid.UUID, limit int) ([]Message, error)
	CreateMessageFn func(ctx context.Context, projectID, senderID uuid.UUID, body string) (*Message, error)

	// Attachments
	ListAttachmentsFn  func(ctx context.Context, projectID uuid.UUID) ([]Attachment, error)
	CreateAttachmentFn func(ctx context.Context, a *Attachment) (*Attachment, error)
}

// Compile-time check that MockStore implements Store.
var _ Store = (*MockStore)(nil)

func (m *MockStore) Close() {}

func (m *MockStore) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn(ctx)
	}
	return nil
}

func (m *MockStore) GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	if m.GetProfileFn != nil {
		return m.GetProfileFn(ctx, userID)
	}
	return nil, nil
}

func (m *MockStore) UpsertProfile(ctx context.Context, p *Profile) (*Profile, error) {
	if m.UpsertProfileFn != nil {
		return m.UpsertProfileFn(ctx, p)
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) ListProfiles(ctx context.Context, limit int) ([]Profile, error) {
	if m.ListProfilesFn != nil {
		return m.ListProfilesFn(ctx, limit)
	}
	return nil, nil
}

func (m *MockStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	if m.GetSubscriptionFn != nil {
		return m.GetSubscriptionFn(ctx, userID)
	}
	return nil, nil
}

func (m *MockStore) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	if m.ListSubscriptionsFn != nil {
		return m.ListSubscriptionsFn(ctx)
	}
	return nil, nil
}

func (m *MockStore) ListProjects(ctx context.Context, userID uuid.UUID) ([]Project, error) {
	if m.ListProjectsFn != nil {
		return m.ListProjectsFn(ctx, userID)
	}
	return nil, nil
}

func (m *MockStore) ListAllProjects(ctx context.Context, limit int) ([]Project, error) {
	if m.ListAllProjectsFn != nil {
		return m.ListAllProjectsFn(ctx, limit)
	}
	return nil, nil
}

func (m *MockStore) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	if m.GetProjectFn != nil {
		return m.GetProjectFn(ctx, id)
	}
	return nil, nil
}

func (m *MockStore) CreateProject(ctx context.Context, userID uuid.UUID, title, description string) (*Project, error) {
	if m.CreateProjectFn != nil {
		return m.CreateProjectFn(ctx, userID, title, description)
	}
	return &Project{ID: uuid.New(), UserID: userID, Title: title, Description: description, Status: StatusBacklog}, nil
}

func (m *MockStore) MoveProject(ctx context.Context, id uuid.UUID, status ProjectStatus, position int) (*Project, error) {
	if m.MoveProjectFn != nil {
		return m.MoveProjectFn(ctx, id, status, position)
	}
	return &Project{ID: id, Status: status, Position: position}, nil
}

func (m *MockStore) DeleteProject(ctx context.Context, id uuid.UUID) error {
	if m.DeleteProjectFn != nil {
		return m.DeleteProjectFn(ctx, id)
	}
	return nil
}

func (m *MockStore) ListMessages(ctx context.Context, projectID uuid.UUID, limit int) ([]Message, error) {
	if m.ListMessagesFn != nil {
		return m.ListMessagesFn(ctx, projectID, limit)
	}
	return nil, nil
}

func (m *MockStore) CreateMessage(ctx context.Context, projectID, senderID uuid.UUID, body string) (*Message, error) {
	if m.CreateMessageFn != nil {
		return m.CreateMessageFn(ctx, projectID, senderID, body)
	}
	return &Message{ID: uuid.New(), ProjectID: projectID, SenderID: senderID, Body: body}, nil
}

func (m *MockStore) ListAttachments(ctx context.Context, projectID uuid.UUID) ([]Attachment, error) {
	if m.ListAttachmentsFn != nil {
		return m.ListAttachmentsFn(ctx, projectID)
	}
	return nil, nil
}

func (m *MockStore) CreateAttachment(ctx context.Context, a *Attachment) (*Attachment, error) {
	if m.CreateAttachmentFn != nil {
		return m.CreateAttachmentFn(ctx, a)
	}
	cp := *a
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	return &cp, nil
}
