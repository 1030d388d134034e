// Package dashboard serves the signed-in user's data: profile, plan,
// project board and project chat. Reads go through the query cache that
// the session controller clears on sign-out.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/logging"
	"github.com/movementbrand/mbdash/querycache"
	"github.com/movementbrand/mbdash/store"
)

var (
	ErrNotFound       = errors.New("dashboard: not found")
	ErrForbidden      = errors.New("dashboard: forbidden")
	ErrInvalidStatus  = errors.New("dashboard: invalid project status")
	ErrEmptyTitle     = errors.New("dashboard: project title is required")
	ErrEmptyMessage   = errors.New("dashboard: message is empty")
	ErrMessageTooLong = errors.New("dashboard: message too long")
	ErrNoActivePlan   = errors.New("dashboard: no active subscription")
)

// Limits bounds list sizes and input lengths.
type Limits struct {
	AdminListLimit   int
	MessagePageSize  int
	MaxMessageLength int
}

// Service is safe for concurrent use.
type Service struct {
	store  store.Store
	cache  *querycache.Cache
	limits Limits
	logger *zap.Logger
}

// New creates a Service.
func New(st store.Store, cache *querycache.Cache, limits Limits, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.AdminListLimit <= 0 {
		limits.AdminListLimit = 200
	}
	if limits.MessagePageSize <= 0 {
		limits.MessagePageSize = 50
	}
	if limits.MaxMessageLength <= 0 {
		limits.MaxMessageLength = 4000
	}
	return &Service{store: st, cache: cache, limits: limits, logger: logger}
}

func profileKey(userID uuid.UUID) querycache.Key {
	return querycache.Key{"profile", userID.String()}
}

func subscriptionKey(userID uuid.UUID) querycache.Key {
	return querycache.Key{"subscription", userID.String()}
}

func projectsKey(userID uuid.UUID) querycache.Key {
	return querycache.Key{"projects", userID.String()}
}

func messagesKey(projectID uuid.UUID) querycache.Key {
	return querycache.Key{"messages", projectID.String()}
}

func attachmentsKey(projectID uuid.UUID) querycache.Key {
	return querycache.Key{"attachments", projectID.String()}
}

var adminKey = querycache.Key{"admin", "overview"}

// Profile returns the user's profile.
func (s *Service) Profile(ctx context.Context, userID uuid.UUID) (*store.Profile, error) {
	p, err := querycache.Fetch(ctx, s.cache, profileKey(userID), func(ctx context.Context) (*store.Profile, error) {
		return s.store.GetProfile(ctx, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

// EnsureProfile returns the user's profile, creating a client profile on
// first sign-in.
func (s *Service) EnsureProfile(ctx context.Context, userID uuid.UUID, email string) (*store.Profile, error) {
	p, err := s.Profile(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	p, err = s.store.UpsertProfile(ctx, &store.Profile{ID: userID, Email: email, Role: store.RoleClient})
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	s.cache.Invalidate(profileKey(userID))
	s.logger.Info("profile created", logging.User(userID), logging.Email(email))
	return p, nil
}

// Subscription returns the user's plan, or nil if they have none.
func (s *Service) Subscription(ctx context.Context, userID uuid.UUID) (*store.Subscription, error) {
	sub, err := querycache.Fetch(ctx, s.cache, subscriptionKey(userID), func(ctx context.Context) (*store.Subscription, error) {
		return s.store.GetSubscription(ctx, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return sub, nil
}

// project loads a project the viewer may access. Admins may access every
// project.
func (s *Service) project(ctx context.Context, viewer, projectID uuid.UUID) (*store.Project, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if p == nil {
		return nil, ErrNotFound
	}
	if p.UserID == viewer {
		return p, nil
	}
	profile, err := s.Profile(ctx, viewer)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if !profile.IsAdmin() {
		return nil, ErrForbidden
	}
	return p, nil
}

// Messages returns the latest chat messages on a project, oldest first.
func (s *Service) Messages(ctx context.Context, viewer, projectID uuid.UUID) ([]store.Message, error) {
	if _, err := s.project(ctx, viewer, projectID); err != nil {
		return nil, err
	}
	msgs, err := querycache.Fetch(ctx, s.cache, messagesKey(projectID), func(ctx context.Context) ([]store.Message, error) {
		return s.store.ListMessages(ctx, projectID, s.limits.MessagePageSize)
	})
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return msgs, nil
}

// SendMessage posts body to a project's chat.
func (s *Service) SendMessage(ctx context.Context, viewer, projectID uuid.UUID, body string) (*store.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > s.limits.MaxMessageLength {
		return nil, ErrMessageTooLong
	}
	if _, err := s.project(ctx, viewer, projectID); err != nil {
		return nil, err
	}

	msg, err := s.store.CreateMessage(ctx, projectID, viewer, body)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	s.cache.Invalidate(messagesKey(projectID))
	return msg, nil
}

// Attachments returns a project's attachment metadata.
func (s *Service) Attachments(ctx context.Context, viewer, projectID uuid.UUID) ([]store.Attachment, error) {
	if _, err := s.project(ctx, viewer, projectID); err != nil {
		return nil, err
	}
	list, err := querycache.Fetch(ctx, s.cache, attachmentsKey(projectID), func(ctx context.Context) ([]store.Attachment, error) {
		return s.store.ListAttachments(ctx, projectID)
	})
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	return list, nil
}
