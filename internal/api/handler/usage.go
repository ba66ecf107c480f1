package handler

import (
	"context"
	"net/http"

	"github.com/aokitashipro/pre-next-dify/internal/api/middleware"
	"github.com/aokitashipro/pre-next-dify/internal/api/response"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
)

// UsageReporter summarises the user's monthly consumption
type UsageReporter interface {
	Summary(ctx context.Context, userID string) (*domain.UsageSummary, error)
}

type UsageHandler struct {
	usage UsageReporter
}

func NewUsageHandler(usage UsageReporter) *UsageHandler {
	return &UsageHandler{usage: usage}
}

// Summary returns usage counters and plan limits for the current month
func (h *UsageHandler) Summary(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	summary, err := h.usage.Summary(r.Context(), userID)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.OK(w, summary)
}
