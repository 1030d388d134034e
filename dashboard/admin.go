package dashboard

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/movementbrand/mbdash/querycache"
	"github.com/movementbrand/mbdash/store"
)

// Overview is the admin view across all clients.
type Overview struct {
	Profiles            []store.Profile             `json:"profiles"`
	Projects            []store.Project             `json:"projects"`
	Subscriptions       []store.Subscription        `json:"subscriptions"`
	ProjectsByStatus    map[store.ProjectStatus]int `json:"projectsByStatus"`
	ActiveSubscriptions int                         `json:"activeSubscriptions"`
}

// RequireAdmin returns ErrForbidden unless viewer has an admin profile.
func (s *Service) RequireAdmin(ctx context.Context, viewer uuid.UUID) error {
	profile, err := s.Profile(ctx, viewer)
	if err != nil {
		return err
	}
	if !profile.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

// AdminOverview loads every client's profile, project and plan. Only
// admins may call it.
func (s *Service) AdminOverview(ctx context.Context, viewer uuid.UUID) (*Overview, error) {
	if err := s.RequireAdmin(ctx, viewer); err != nil {
		return nil, err
	}

	return querycache.Fetch(ctx, s.cache, adminKey, s.loadOverview)
}

func (s *Service) loadOverview(ctx context.Context) (*Overview, error) {
	var ov Overview
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		list, err := s.store.ListProfiles(gctx, s.limits.AdminListLimit)
		if err != nil {
			return fmt.Errorf("list profiles: %w", err)
		}
		ov.Profiles = list
		return nil
	})
	g.Go(func() error {
		list, err := s.store.ListAllProjects(gctx, s.limits.AdminListLimit)
		if err != nil {
			return fmt.Errorf("list projects: %w", err)
		}
		ov.Projects = list
		return nil
	})
	g.Go(func() error {
		list, err := s.store.ListSubscriptions(gctx)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		ov.Subscriptions = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ov.ProjectsByStatus = make(map[store.ProjectStatus]int, len(store.Statuses))
	for _, st := range store.Statuses {
		ov.ProjectsByStatus[st] = 0
	}
	for _, p := range ov.Projects {
		ov.ProjectsByStatus[p.Status]++
	}
	for i := range ov.Subscriptions {
		if ov.Subscriptions[i].Active() {
			ov.ActiveSubscriptions++
		}
	}
	return &ov, nil
}
