package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SubscriptionRepository implements domain.SubscriptionRepository
type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

const subscriptionColumns = `user_id, plan, status, COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
	COALESCE(stripe_price_id, ''), current_period_end, created_at, updated_at`

func (r *SubscriptionRepository) GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	return r.getOne(ctx, query, userID)
}

func (r *SubscriptionRepository) GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE stripe_subscription_id = $1`
	return r.getOne(ctx, query, subscriptionID)
}

func (r *SubscriptionRepository) getOne(ctx context.Context, query, arg string) (*domain.Subscription, error) {
	var s domain.Subscription
	var plan, status string
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&s.UserID,
		&plan,
		&status,
		&s.StripeCustomerID,
		&s.StripeSubscriptionID,
		&s.StripePriceID,
		&s.CurrentPeriodEnd,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("subscription: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	s.Plan = domain.Plan(plan)
	s.Status = domain.SubscriptionStatus(status)
	return &s, nil
}

// Upsert creates or replaces the user's subscription row
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (user_id, plan, status, stripe_customer_id, stripe_subscription_id, stripe_price_id, current_period_end, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, subscriptions.stripe_customer_id),
			stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, subscriptions.stripe_subscription_id),
			stripe_price_id = COALESCE(EXCLUDED.stripe_price_id, subscriptions.stripe_price_id),
			current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
			updated_at = NOW()
	`
	_, err := r.pool.Exec(ctx, query,
		sub.UserID,
		string(sub.Plan),
		string(sub.Status),
		sub.StripeCustomerID,
		sub.StripeSubscriptionID,
		sub.StripePriceID,
		sub.CurrentPeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}
