package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/aokitashipro/pre-next-dify/internal/billing"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/rs/zerolog/log"
)

// BillingGateway is the payment provider
type BillingGateway interface {
	CreateCustomer(userID, email string) (string, error)
	CreateCheckoutSession(customerID, userID string) (string, error)
	CreatePortalSession(customerID string) (string, error)
	ParseWebhook(payload []byte, signature string) (*billing.WebhookEvent, error)
}

// BillingService manages subscriptions through the gateway
type BillingService struct {
	gateway BillingGateway
	subs    domain.SubscriptionRepository
}

// NewBillingService creates a new billing service. Without a subscription
// store every operation returns billing.ErrNotConfigured.
func NewBillingService(gateway BillingGateway, subs domain.SubscriptionRepository) *BillingService {
	return &BillingService{gateway: gateway, subs: subs}
}

// Checkout returns a checkout URL, registering the customer first when needed
func (s *BillingService) Checkout(ctx context.Context, userID, email string) (string, error) {
	if s.subs == nil {
		return "", billing.ErrNotConfigured
	}
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	customerID := ""
	if sub != nil {
		customerID = sub.StripeCustomerID
	}
	if customerID == "" {
		customerID, err = s.gateway.CreateCustomer(userID, email)
		if err != nil {
			return "", err
		}
		record := &domain.Subscription{
			UserID:           userID,
			Plan:             domain.PlanFree,
			Status:           domain.SubscriptionActive,
			StripeCustomerID: customerID,
		}
		if sub != nil {
			record.Plan = sub.Plan
			record.Status = sub.Status
		}
		if err := s.subs.Upsert(ctx, record); err != nil {
			return "", fmt.Errorf("failed to store customer: %w", err)
		}
	}

	return s.gateway.CreateCheckoutSession(customerID, userID)
}

// Portal returns the customer portal URL
func (s *BillingService) Portal(ctx context.Context, userID string) (string, error) {
	if s.subs == nil {
		return "", billing.ErrNotConfigured
	}
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.ErrNoCustomer
		}
		return "", err
	}
	if sub.StripeCustomerID == "" {
		return "", domain.ErrNoCustomer
	}
	return s.gateway.CreatePortalSession(sub.StripeCustomerID)
}

// HandleWebhook verifies a webhook and applies it to the stored subscription
func (s *BillingService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if s.subs == nil {
		return billing.ErrNotConfigured
	}
	ev, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		return err
	}

	logger := log.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()

	switch ev.Type {
	case billing.EventCheckoutCompleted:
		if ev.UserID == "" {
			logger.Warn().Msg("checkout without user reference ignored")
			return nil
		}
		return s.subs.Upsert(ctx, &domain.Subscription{
			UserID:               ev.UserID,
			Plan:                 domain.PlanPremium,
			Status:               domain.SubscriptionActive,
			StripeCustomerID:     ev.CustomerID,
			StripeSubscriptionID: ev.SubscriptionID,
		})

	case billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		userID, err := s.resolveUser(ctx, ev)
		if err != nil {
			return err
		}
		if userID == "" {
			logger.Warn().Str("subscription_id", ev.SubscriptionID).Msg("subscription for unknown user ignored")
			return nil
		}
		plan := domain.PlanPremium
		if ev.Status == domain.SubscriptionCanceled {
			plan = domain.PlanFree
		}
		return s.subs.Upsert(ctx, &domain.Subscription{
			UserID:               userID,
			Plan:                 plan,
			Status:               ev.Status,
			StripeCustomerID:     ev.CustomerID,
			StripeSubscriptionID: ev.SubscriptionID,
			StripePriceID:        ev.PriceID,
			CurrentPeriodEnd:     ev.CurrentPeriodEnd,
		})

	default:
		logger.Debug().Msg("webhook event ignored")
		return nil
	}
}

func (s *BillingService) resolveUser(ctx context.Context, ev *billing.WebhookEvent) (string, error) {
	if ev.UserID != "" {
		return ev.UserID, nil
	}
	sub, err := s.subs.GetByStripeSubscriptionID(ctx, ev.SubscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return sub.UserID, nil
}
