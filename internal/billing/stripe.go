// Package billing talks to Stripe for subscription checkout, the customer
// portal and webhook verification.
package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/config"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const metadataUserID = "user_id"

// Event types the service reacts to
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

var (
	ErrNotConfigured    = errors.New("billing is not configured")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// WebhookEvent is the part of a Stripe event the service needs
type WebhookEvent struct {
	ID               string
	Type             string
	UserID           string
	CustomerID       string
	SubscriptionID   string
	PriceID          string
	Status           domain.SubscriptionStatus
	CurrentPeriodEnd *time.Time
}

// Client wraps the Stripe API client
type Client struct {
	api *client.API
	cfg config.BillingConfig
}

// NewClient creates a Stripe client. Without a secret key every call returns ErrNotConfigured.
func NewClient(cfg config.BillingConfig) *Client {
	c := &Client{cfg: cfg}
	if cfg.StripeSecretKey != "" {
		c.api = client.New(cfg.StripeSecretKey, nil)
	}
	return c
}

func (c *Client) IsConfigured() bool {
	return c.api != nil
}

// CreateCustomer registers a customer tagged with the user id
func (c *Client) CreateCustomer(userID, email string) (string, error) {
	if c.api == nil {
		return "", ErrNotConfigured
	}
	params := &stripe.CustomerParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(metadataUserID, userID)

	cus, err := c.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return cus.ID, nil
}

// CreateCheckoutSession starts a subscription checkout and returns its URL
func (c *Client) CreateCheckoutSession(customerID, userID string) (string, error) {
	if c.api == nil {
		return "", ErrNotConfigured
	}

	item := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(1)}
	if c.cfg.PriceID != "" {
		item.Price = stripe.String(c.cfg.PriceID)
	} else {
		item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(c.cfg.Currency),
			UnitAmount: stripe.Int64(c.cfg.UnitAmount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(c.cfg.ProductName),
			},
			Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
			},
		}
	}

	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(customerID),
		ClientReferenceID: stripe.String(userID),
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{item},
		SuccessURL:        stripe.String(c.cfg.SuccessURL),
		CancelURL:         stripe.String(c.cfg.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metadataUserID: userID},
		},
	}
	params.AddMetadata(metadataUserID, userID)

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession opens the customer billing portal and returns its URL
func (c *Client) CreatePortalSession(customerID string) (string, error) {
	if c.api == nil {
		return "", ErrNotConfigured
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(c.cfg.PortalReturnURL),
	}
	sess, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return sess.URL, nil
}

// ParseWebhook verifies the signature and extracts subscription details
func (c *Client) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if c.cfg.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return decodeEvent(event)
}

func decodeEvent(event stripe.Event) (*WebhookEvent, error) {
	out := &WebhookEvent{ID: event.ID, Type: string(event.Type)}

	switch out.Type {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		out.UserID = sess.Metadata[metadataUserID]
		if out.UserID == "" {
			out.UserID = sess.ClientReferenceID
		}
		if sess.Customer != nil {
			out.CustomerID = sess.Customer.ID
		}
		if sess.Subscription != nil {
			out.SubscriptionID = sess.Subscription.ID
		}
		out.Status = domain.SubscriptionActive

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		out.SubscriptionID = sub.ID
		out.UserID = sub.Metadata[metadataUserID]
		if sub.Customer != nil {
			out.CustomerID = sub.Customer.ID
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			out.PriceID = sub.Items.Data[0].Price.ID
		}
		if sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			out.CurrentPeriodEnd = &end
		}
		out.Status = mapStatus(sub.Status)
		if out.Type == EventSubscriptionDeleted {
			out.Status = domain.SubscriptionCanceled
		}
	}

	return out, nil
}

func mapStatus(s stripe.SubscriptionStatus) domain.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusActive:
		return domain.SubscriptionActive
	case stripe.SubscriptionStatusTrialing:
		return domain.SubscriptionTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return domain.SubscriptionPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return domain.SubscriptionCanceled
	default:
		return domain.SubscriptionIncomplete
	}
}
