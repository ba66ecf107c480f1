package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/aokitashipro/pre-next-dify/internal/llm"
)

type workflowRequest struct {
	Inputs       map[string]any `json:"inputs"`
	ResponseMode string         `json:"response_mode"`
	User         string         `json:"user"`
}

type workflowResponse struct {
	WorkflowRunID string `json:"workflow_run_id"`
	TaskID        string `json:"task_id"`
	Data          struct {
		Status      string         `json:"status"`
		Outputs     map[string]any `json:"outputs"`
		Error       string         `json:"error"`
		ElapsedTime float64        `json:"elapsed_time"`
		TotalTokens int64          `json:"total_tokens"`
	} `json:"data"`
}

// RunWorkflow starts a streaming workflow run. The caller owns the returned
// body and must close it.
func (p *Provider) RunWorkflow(ctx context.Context, inputs map[string]any, userID string) (io.ReadCloser, error) {
	resp, err := p.postWorkflow(ctx, inputs, userID, responseModeStreaming)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// RunWorkflowBlocking runs the workflow to completion
func (p *Provider) RunWorkflowBlocking(ctx context.Context, inputs map[string]any, userID string) (*llm.WorkflowResult, error) {
	resp, err := p.postWorkflow(ctx, inputs, userID, responseModeBlocking)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr workflowResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, fmt.Errorf("failed to decode workflow response: %w", err)
	}

	out := &llm.WorkflowResult{
		WorkflowRunID: wr.WorkflowRunID,
		TaskID:        wr.TaskID,
		Status:        wr.Data.Status,
		Outputs:       wr.Data.Outputs,
		Error:         wr.Data.Error,
		ElapsedTime:   wr.Data.ElapsedTime,
		TotalTokens:   wr.Data.TotalTokens,
	}
	if out.Outputs == nil {
		out.Outputs = map[string]any{}
	}
	if s, ok := out.Outputs["output"].(string); ok {
		out.Output = s
	}
	return out, nil
}

func (p *Provider) postWorkflow(ctx context.Context, inputs map[string]any, userID, mode string) (*http.Response, error) {
	if p.workflowKey == "" {
		return nil, fmt.Errorf("dify workflow is not configured (missing API key)")
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	endpoint := p.baseURL + "/workflows/run"
	if p.workflowID != "" {
		endpoint = p.baseURL + "/workflows/" + url.PathEscape(p.workflowID) + "/run"
	}

	body, err := json.Marshal(workflowRequest{
		Inputs:       inputs,
		ResponseMode: mode,
		User:         userID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if mode == responseModeStreaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.workflowKey)

	return p.do(httpReq)
}

// StopWorkflow stops a running workflow task
func (p *Provider) StopWorkflow(ctx context.Context, taskID, userID string) error {
	if p.workflowKey == "" {
		return fmt.Errorf("dify workflow is not configured (missing API key)")
	}

	body, err := json.Marshal(map[string]string{"user": userID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := p.baseURL + "/workflows/tasks/" + url.PathEscape(taskID) + "/stop"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.workflowKey)

	resp, err := p.do(httpReq)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
