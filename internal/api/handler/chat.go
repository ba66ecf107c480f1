package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aokitashipro/pre-next-dify/internal/api/middleware"
	"github.com/aokitashipro/pre-next-dify/internal/api/response"
	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ChatAPI is the chat service as the handlers use it
type ChatAPI interface {
	Chat(ctx context.Context, userID string, in service.ChatInput) (*service.ChatOutput, error)
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
	LoadHistory(ctx context.Context, userID, conversationID string) ([]domain.Message, error)
}

// ChatHandler handles the direct chat proxy and conversation history
type ChatHandler struct {
	chat   ChatAPI
	gate   service.UsageGate
	limits chatstate.FileLimits
}

// NewChatHandler creates a new chat handler. gate may be nil.
func NewChatHandler(chat ChatAPI, gate service.UsageGate, limits chatstate.FileLimits) *ChatHandler {
	return &ChatHandler{chat: chat, gate: gate, limits: limits}
}

// Chat sends one message to the provider and returns its answer
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	sub, err := readSubmission(w, r, h.limits)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := chatstate.ValidateLocalFiles(sub.Files, h.limits); err != nil {
		response.FromError(w, err)
		return
	}

	if h.gate != nil {
		decision, err := h.gate.CanSend(r.Context(), userID, len(sub.Files))
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("usage check failed, allowing request")
		} else if !decision.Allowed || (len(sub.Files) > 0 && decision.UploadsDisabled) {
			response.FromError(w, fmt.Errorf("%w: %s", domain.ErrUsageLimit, decision.Reason))
			return
		}
	}

	out, err := h.chat.Chat(r.Context(), userID, service.ChatInput{
		Query:          sub.Query,
		ConversationID: sub.ConversationID,
		Files:          sub.Files,
	})
	if err != nil {
		response.FromError(w, err)
		return
	}
	if out.Resources == nil {
		out.Resources = []domain.ResourceCitation{}
	}

	response.OK(w, out)
}

// ListConversations returns the user's conversations, most recent first
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	conversations, err := h.chat.ListConversations(r.Context(), userID)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.OK(w, map[string]any{"conversations": conversations})
}

// Messages returns the stored history of one conversation
func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	messages, err := h.chat.LoadHistory(r.Context(), userID, conversationID)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.OK(w, map[string]any{
		"conversation_id": conversationID,
		"messages":        messages,
		"resources":       nonNilResources(chatstate.ExtractLatest(messages)),
	})
}

func nonNilResources(r []domain.ResourceCitation) []domain.ResourceCitation {
	if r == nil {
		return []domain.ResourceCitation{}
	}
	return r
}
