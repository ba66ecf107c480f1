package handler

import (
	"io"
	"net/http"

	"github.com/aokitashipro/pre-next-dify/internal/api/middleware"
	"github.com/aokitashipro/pre-next-dify/internal/api/response"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// WorkflowSource resolves the configured workflow runner
type WorkflowSource interface {
	Workflow() (llm.WorkflowRunner, error)
}

// WorkflowHandler proxies workflow runs to the provider
type WorkflowHandler struct {
	source WorkflowSource
}

func NewWorkflowHandler(source WorkflowSource) *WorkflowHandler {
	return &WorkflowHandler{source: source}
}

type workflowRunRequest struct {
	Inputs       map[string]any `json:"inputs" validate:"required"`
	ResponseMode string         `json:"response_mode" validate:"omitempty,oneof=streaming blocking"`
}

// Run starts a workflow. In streaming mode (the default) the provider's
// event stream is relayed unchanged; blocking mode answers with the outputs.
func (h *WorkflowHandler) Run(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req workflowRunRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	runner, err := h.source.Workflow()
	if err != nil {
		response.ServiceUnavailable(w, err.Error())
		return
	}

	if req.ResponseMode == "blocking" {
		result, err := runner.RunWorkflowBlocking(r.Context(), req.Inputs, userID)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.OK(w, result)
		return
	}

	stream, err := runner.RunWorkflow(r.Context(), req.Inputs, userID)
	if err != nil {
		response.FromError(w, err)
		return
	}
	defer stream.Close()

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Str("user_id", userID).Msg("workflow stream interrupted")
			}
			return
		}
	}
}

// Stop cancels a running workflow task
func (h *WorkflowHandler) Stop(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "unauthorized")
		return
	}

	runner, err := h.source.Workflow()
	if err != nil {
		response.ServiceUnavailable(w, err.Error())
		return
	}

	taskID := chi.URLParam(r, "taskID")
	if err := runner.StopWorkflow(r.Context(), taskID, userID); err != nil {
		response.FromError(w, err)
		return
	}
	response.OK(w, map[string]string{"result": "success"})
}
