package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Subscription statuses.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// Subscription is a client's design plan. Billing happens elsewhere; this
// row only mirrors its state.
type Subscription struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"userId"`
	Plan             string     `json:"plan"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"currentPeriodEnd,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Active reports whether the subscription currently entitles the client to
// submit work.
func (s *Subscription) Active() bool {
	if s == nil {
		return false
	}
	return s.Status == SubscriptionActive || s.Status == SubscriptionTrialing
}

const subscriptionColumns = `id, user_id, plan, status, current_period_end, created_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	if err := row.Scan(&s.ID, &s.UserID, &s.Plan, &s.Status, &s.CurrentPeriodEnd, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSubscription returns the user's most recent subscription.
func (db *DB) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	s, err := scanSubscription(db.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListSubscriptions returns the latest subscription of every user.
func (db *DB) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	rows, err := db.pool.Query(ctx, `
		SELECT DISTINCT ON (user_id) `+subscriptionColumns+` FROM subscriptions
		ORDER BY user_id, created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
