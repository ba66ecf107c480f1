package domain

import (
	"context"
	"time"
)

// SubscriptionStatus mirrors the billing provider's subscription states
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "ACTIVE"
	SubscriptionTrialing   SubscriptionStatus = "TRIALING"
	SubscriptionPastDue    SubscriptionStatus = "PAST_DUE"
	SubscriptionCanceled   SubscriptionStatus = "CANCELED"
	SubscriptionIncomplete SubscriptionStatus = "INCOMPLETE"
)

// Subscription links a user to a billing customer and plan
type Subscription struct {
	UserID               string             `json:"user_id"`
	Plan                 Plan               `json:"plan"`
	Status               SubscriptionStatus `json:"status"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	StripePriceID        string             `json:"stripe_price_id,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// EffectivePlan is the plan the user is entitled to right now
func (s *Subscription) EffectivePlan() Plan {
	if s == nil {
		return PlanFree
	}
	if s.Plan == PlanPremium && (s.Status == SubscriptionActive || s.Status == SubscriptionTrialing) {
		return PlanPremium
	}
	return PlanFree
}

// SubscriptionRepository defines the interface for subscription storage
type SubscriptionRepository interface {
	GetByUserID(ctx context.Context, userID string) (*Subscription, error)
	GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error)
	Upsert(ctx context.Context, sub *Subscription) error
}
