package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/logging"
	"github.com/movementbrand/mbdash/querycache"
	"github.com/movementbrand/mbdash/store"
)

// Column is one Kanban column.
type Column struct {
	Status   store.ProjectStatus `json:"status"`
	Projects []store.Project     `json:"projects"`
}

// Board is a user's projects grouped by status in display order.
type Board struct {
	Columns []Column `json:"columns"`
}

// Count returns the number of projects on the board.
func (b Board) Count() int {
	n := 0
	for _, c := range b.Columns {
		n += len(c.Projects)
	}
	return n
}

func buildBoard(projects []store.Project) Board {
	byStatus := make(map[store.ProjectStatus][]store.Project, len(store.Statuses))
	for _, p := range projects {
		byStatus[p.Status] = append(byStatus[p.Status], p)
	}
	b := Board{Columns: make([]Column, 0, len(store.Statuses))}
	for _, st := range store.Statuses {
		col := byStatus[st]
		sort.SliceStable(col, func(i, j int) bool { return col[i].Position < col[j].Position })
		if col == nil {
			col = []store.Project{}
		}
		b.Columns = append(b.Columns, Column{Status: st, Projects: col})
	}
	return b
}

func (s *Service) projects(ctx context.Context, userID uuid.UUID) ([]store.Project, error) {
	list, err := querycache.Fetch(ctx, s.cache, projectsKey(userID), func(ctx context.Context) ([]store.Project, error) {
		return s.store.ListProjects(ctx, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}
	return list, nil
}

// Board returns the user's project board.
func (s *Service) Board(ctx context.Context, userID uuid.UUID) (Board, error) {
	list, err := s.projects(ctx, userID)
	if err != nil {
		return Board{}, err
	}
	return buildBoard(list), nil
}

// CreateProject adds a request to the bottom of the user's backlog. The
// user needs an active plan.
func (s *Service) CreateProject(ctx context.Context, userID uuid.UUID, title, description string) (*store.Project, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	sub, err := s.Subscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.Active() {
		return nil, ErrNoActivePlan
	}

	p, err := s.store.CreateProject(ctx, userID, title, strings.TrimSpace(description))
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	s.cache.Invalidate(projectsKey(userID))
	s.cache.Invalidate(adminKey)
	return p, nil
}

// MoveProject moves a project to position in status. The cached board is
// updated before the write and restored if the write fails.
func (s *Service) MoveProject(ctx context.Context, viewer, projectID uuid.UUID, status store.ProjectStatus, position int) (*store.Project, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	p, err := s.project(ctx, viewer, projectID)
	if err != nil {
		return nil, err
	}

	key := projectsKey(p.UserID)
	epoch := s.cache.Epoch()
	prev, hadPrev := s.cache.Peek(key)
	if list, ok := prev.([]store.Project); ok {
		s.cache.SetIfEpoch(epoch, key, moveLocal(list, projectID, status, position))
	}

	moved, err := s.store.MoveProject(ctx, projectID, status, position)
	if err != nil {
		if hadPrev {
			s.cache.SetIfEpoch(epoch, key, prev)
		}
		s.logger.Warn("project move failed, board restored",
			zap.String("project", logging.ShortID(projectID)), zap.Error(err))
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("move project: %w", err)
	}

	// Positions of neighbours come from the server on the next read.
	s.cache.Invalidate(key)
	s.cache.Invalidate(adminKey)
	return moved, nil
}

// moveLocal returns a copy of list with the project moved the same way
// the store moves it.
func moveLocal(list []store.Project, id uuid.UUID, status store.ProjectStatus, position int) []store.Project {
	out := make([]store.Project, len(list))
	copy(out, list)

	idx := -1
	for i := range out {
		if out[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return out
	}
	from := out[idx]

	count := 0
	for i := range out {
		if i == idx {
			continue
		}
		if out[i].Status == from.Status && out[i].Position > from.Position {
			out[i].Position--
		}
		if out[i].Status == status {
			count++
		}
	}
	if position < 0 {
		position = 0
	}
	if position > count {
		position = count
	}
	for i := range out {
		if i != idx && out[i].Status == status && out[i].Position >= position {
			out[i].Position++
		}
	}
	out[idx].Status = status
	out[idx].Position = position
	return out
}
