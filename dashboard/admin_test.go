package dashboard

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movementbrand/mbdash/store"
)

func TestAdminOverview(t *testing.T) {
	admin, client := uuid.New(), uuid.New()
	ms := &store.MockStore{
		GetProfileFn: profileStore(
			store.Profile{ID: admin, Role: store.RoleAdmin},
			store.Profile{ID: client, Role: store.RoleClient},
		),
		ListProfilesFn: func(_ context.Context, limit int) ([]store.Profile, error) {
			return []store.Profile{{ID: admin}, {ID: client}}, nil
		},
		ListAllProjectsFn: func(context.Context, int) ([]store.Project, error) {
			return []store.Project{
				{Status: store.StatusBacklog},
				{Status: store.StatusBacklog},
				{Status: store.StatusDone},
			}, nil
		},
		ListSubscriptionsFn: func(context.Context) ([]store.Subscription, error) {
			return []store.Subscription{
				{Status: store.SubscriptionActive},
				{Status: store.SubscriptionTrialing},
				{Status: store.SubscriptionCanceled},
			}, nil
		},
	}
	svc, _ := newService(ms)
	ctx := context.Background()

	ov, err := svc.AdminOverview(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, ov.Profiles, 2)
	assert.Equal(t, 2, ov.ProjectsByStatus[store.StatusBacklog])
	assert.Equal(t, 0, ov.ProjectsByStatus[store.StatusReview])
	assert.Equal(t, 2, ov.ActiveSubscriptions)

	_, err = svc.AdminOverview(ctx, client)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.AdminOverview(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdminOverview_PropagatesFailure(t *testing.T) {
	admin := uuid.New()
	boom := errors.New("timeout")
	ms := &store.MockStore{
		GetProfileFn:        profileStore(store.Profile{ID: admin, Role: store.RoleAdmin}),
		ListSubscriptionsFn: func(context.Context) ([]store.Subscription, error) { return nil, boom },
	}
	svc, cache := newService(ms)

	_, err := svc.AdminOverview(context.Background(), admin)
	assert.ErrorIs(t, err, boom)
	_, ok := cache.Peek(adminKey)
	assert.False(t, ok)
}
