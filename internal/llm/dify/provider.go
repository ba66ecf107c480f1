package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/config"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
	"github.com/shopspring/decimal"
)

const (
	providerName   = "dify"
	defaultBaseURL = "https://api.dify.ai/v1"
	appModel       = "app"

	responseModeBlocking  = "blocking"
	responseModeStreaming = "streaming"
)

// Provider implements llm.Provider against a Dify chat application.
// The model is configured inside the Dify app, so the model argument is ignored.
type Provider struct {
	baseURL     string
	apiKey      string
	workflowKey string
	workflowID  string
	client      *http.Client
}

// NewProvider creates a new Dify provider
func NewProvider(cfg config.DifyConfig) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Provider{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		workflowKey: cfg.WorkflowAPIKey,
		workflowID:  cfg.WorkflowID,
		client:      &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string {
	return providerName
}

func (p *Provider) AvailableModels() []string {
	return []string{appModel}
}

func (p *Provider) DefaultModel() string {
	return appModel
}

func (p *Provider) IsConfigured() bool {
	return p.apiKey != ""
}

// KeepsConversations is true: Dify resumes a conversation from its id alone
func (p *Provider) KeepsConversations() bool {
	return true
}

type chatRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id,omitempty"`
	User           string         `json:"user"`
	Files          []llm.FileRef  `json:"files,omitempty"`
}

type usagePayload struct {
	TotalTokens int64           `json:"total_tokens"`
	TotalPrice  json.RawMessage `json:"total_price"`
	Currency    string          `json:"currency"`
}

type retrieverResource struct {
	Position        int     `json:"position"`
	DatasetName     string  `json:"dataset_name"`
	DocumentID      string  `json:"document_id"`
	DocumentName    string  `json:"document_name"`
	SegmentID       string  `json:"segment_id"`
	SegmentPosition int     `json:"segment_position"`
	Score           float64 `json:"score"`
	Content         string  `json:"content"`
}

type metadataPayload struct {
	Usage              usagePayload        `json:"usage"`
	RetrieverResources []retrieverResource `json:"retriever_resources"`
}

type chatResponse struct {
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	Answer         string          `json:"answer"`
	Metadata       metadataPayload `json:"metadata"`
}

// Chat sends a blocking chat-messages request
func (p *Provider) Chat(ctx context.Context, req llm.Request, model string) (*llm.Response, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("dify provider is not configured (missing API key)")
	}

	start := time.Now()
	resp, err := p.postChat(ctx, req, responseModeBlocking)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := &llm.Response{
		MessageID:      chatResp.MessageID,
		ConversationID: chatResp.ConversationID,
		Answer:         chatResp.Answer,
		Model:          appModel,
		LatencyMs:      time.Since(start).Milliseconds(),
	}
	applyMetadata(out, chatResp.Metadata)
	return out, nil
}

func (p *Provider) postChat(ctx context.Context, req llm.Request, mode string) (*http.Response, error) {
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	body, err := json.Marshal(chatRequest{
		Inputs:         inputs,
		Query:          req.Query,
		ResponseMode:   mode,
		ConversationID: req.ConversationID,
		User:           req.UserID,
		Files:          req.Files,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if mode == responseModeStreaming {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return p.do(httpReq)
}

func (p *Provider) do(req *http.Request) (*http.Response, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &llm.ProviderError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

func applyMetadata(out *llm.Response, meta metadataPayload) {
	out.Usage = domain.Usage{
		TotalTokens: meta.Usage.TotalTokens,
		TotalPrice:  parsePrice(meta.Usage.TotalPrice),
		Currency:    meta.Usage.Currency,
	}
	out.Resources = make([]domain.ResourceCitation, 0, len(meta.RetrieverResources))
	for _, r := range meta.RetrieverResources {
		out.Resources = append(out.Resources, domain.ResourceCitation{
			DocumentName:    r.DocumentName,
			SegmentPosition: r.SegmentPosition,
			Content:         r.Content,
			Score:           r.Score,
			DatasetName:     r.DatasetName,
			DocumentID:      r.DocumentID,
			SegmentID:       r.SegmentID,
		})
	}
}

// parsePrice accepts the price as a JSON string or number
func parsePrice(raw json.RawMessage) decimal.Decimal {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
