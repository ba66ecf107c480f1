package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/api/middleware"
	"github.com/aokitashipro/pre-next-dify/internal/api/response"
	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/service"
	"github.com/go-chi/chi/v5"
)

const sseHeartbeat = 25 * time.Second

// WorkspaceAPI is the per-user chat state as the handlers use it
type WorkspaceAPI interface {
	View(ctx context.Context, userID string) chatstate.View
	Open(ctx context.Context, userID, conversationID string) (chatstate.View, error)
	New(ctx context.Context, userID string) chatstate.View
	Submit(ctx context.Context, userID, text string, files []chatstate.LocalFile) (*service.SubmitResult, error)
	Subscribe(ctx context.Context, userID string) (<-chan chatstate.Event, func())
}

// WorkspaceHandler exposes the chat workspace: snapshot, change events and sending
type WorkspaceHandler struct {
	workspace WorkspaceAPI
	limits    chatstate.FileLimits
	heartbeat time.Duration
}

// NewWorkspaceHandler creates a new workspace handler
func NewWorkspaceHandler(workspace WorkspaceAPI, limits chatstate.FileLimits) *WorkspaceHandler {
	return &WorkspaceHandler{workspace: workspace, limits: limits, heartbeat: sseHeartbeat}
}

// Get returns the active conversation, its messages and resources, and the sidebar
func (h *WorkspaceHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}
	response.OK(w, h.workspace.View(r.Context(), userID))
}

// Submit sends a message from the active conversation and waits for the answer.
// Empty submissions are a no-op.
func (h *WorkspaceHandler) Submit(w http.ResponseWriter, r *http.Request) {
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

	result, err := h.workspace.Submit(r.Context(), userID, sub.Query, sub.Files)
	if err != nil {
		if errors.Is(err, domain.ErrEmptySubmission) {
			response.NoContent(w)
			return
		}
		response.FromError(w, err)
		return
	}

	response.OK(w, map[string]any{
		"result": result,
		"view":   h.workspace.View(r.Context(), userID),
	})
}

// Open shows a stored conversation
func (h *WorkspaceHandler) Open(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" || chatstate.IsDraft(conversationID) {
		response.BadRequest(w, "invalid conversation id")
		return
	}

	view, err := h.workspace.Open(r.Context(), userID, conversationID)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.OK(w, view)
}

// New starts a fresh draft conversation
func (h *WorkspaceHandler) New(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}
	response.OK(w, h.workspace.New(r.Context(), userID))
}

// Events streams state changes as server-sent events until the client leaves
func (h *WorkspaceHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		response.InternalError(w, "streaming unsupported")
		return
	}

	events, cancel := h.workspace.Subscribe(r.Context(), userID)
	defer cancel()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	writeSSE(w, "ready", map[string]string{"user_id": userID})
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
