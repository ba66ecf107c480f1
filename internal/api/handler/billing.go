package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/aokitashipro/pre-next-dify/internal/api/middleware"
	"github.com/aokitashipro/pre-next-dify/internal/api/response"
	"github.com/aokitashipro/pre-next-dify/internal/billing"
	"github.com/rs/zerolog/log"
)

const maxWebhookBody = 64 << 10

// BillingAPI is the billing service as the handlers use it
type BillingAPI interface {
	Checkout(ctx context.Context, userID, email string) (string, error)
	Portal(ctx context.Context, userID string) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// BillingHandler handles subscription checkout, portal and webhooks
type BillingHandler struct {
	billing BillingAPI
}

func NewBillingHandler(b BillingAPI) *BillingHandler {
	return &BillingHandler{billing: b}
}

// Checkout returns the hosted checkout URL for the premium plan
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}
	email, _ := middleware.GetUserEmail(r.Context())

	url, err := h.billing.Checkout(r.Context(), userID, email)
	if err != nil {
		h.fail(w, err)
		return
	}
	response.OK(w, map[string]string{"url": url})
}

// Portal returns the customer portal URL
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	url, err := h.billing.Portal(r.Context(), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	response.OK(w, map[string]string{"url": url})
}

// Webhook applies a signed provider event
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "failed to read body")
		return
	}

	if err := h.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		if errors.Is(err, billing.ErrNotConfigured) {
			response.ServiceUnavailable(w, err.Error())
			return
		}
		if errors.Is(err, billing.ErrInvalidSignature) {
			response.BadRequest(w, err.Error())
			return
		}
		log.Error().Err(err).Msg("failed to apply billing webhook")
		response.InternalError(w, "failed to process event")
		return
	}
	response.OK(w, map[string]bool{"received": true})
}

func (h *BillingHandler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, billing.ErrNotConfigured) {
		response.ServiceUnavailable(w, err.Error())
		return
	}
	response.FromError(w, err)
}
