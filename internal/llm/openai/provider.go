package openai

import (
	"bufio"
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
	"github.com/google/uuid"
)

const systemPrompt = "You are a helpful assistant. Answer in the language of the question."

// Provider implements llm.Provider for the OpenAI chat completions API and
// any server that speaks it (DeepSeek, Ollama's OpenAI endpoint).
type Provider struct {
	apiKey       string
	defaultModel string
	client       *http.Client
	baseURL      string
}

// NewProvider creates a new OpenAI provider
func NewProvider(cfg config.OpenAIConfig) *Provider {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Provider{
		apiKey:       cfg.APIKey,
		defaultModel: model,
		client:       &http.Client{Timeout: 120 * time.Second},
		baseURL:      baseURL,
	}
}

// Name returns the provider identifier
func (p *Provider) Name() string {
	return "openai"
}

// AvailableModels returns list of supported models
func (p *Provider) AvailableModels() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
		"gpt-3.5-turbo",
	}
}

// DefaultModel returns the default model
func (p *Provider) DefaultModel() string {
	return p.defaultModel
}

// IsConfigured checks if provider has valid credentials
func (p *Provider) IsConfigured() bool {
	return p.apiKey != ""
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Chat sends the conversation so far plus the new question
func (p *Provider) Chat(ctx context.Context, req llm.Request, model string) (*llm.Response, error) {
	start := time.Now()
	resp, model, err := p.post(ctx, req, model, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	var tokens int64
	if chatResp.Usage != nil {
		tokens = chatResp.Usage.TotalTokens
	}
	return p.response(req, chatResp.ID, model, chatResp.Choices[0].Message.Content, tokens, time.Since(start)), nil
}

// ChatStream streams the answer, reporting the cumulative text per chunk
func (p *Provider) ChatStream(ctx context.Context, req llm.Request, model string, onAnswer func(answer string)) (*llm.Response, error) {
	start := time.Now()
	resp, model, err := p.post(ctx, req, model, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var answer strings.Builder
	var messageID string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode stream chunk: %w", err)
		}
		if chunk.ID != "" {
			messageID = chunk.ID
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			answer.WriteString(chunk.Choices[0].Delta.Content)
			if onAnswer != nil {
				onAnswer(answer.String())
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	return p.response(req, messageID, model, answer.String(), 0, time.Since(start)), nil
}

func (p *Provider) post(ctx context.Context, req llm.Request, model string, stream bool) (*http.Response, string, error) {
	if !p.IsConfigured() {
		return nil, "", fmt.Errorf("openai provider is not configured (missing API key)")
	}
	if model == "" {
		model = p.defaultModel
	}

	messages := []chatMessage{{Role: "system", Content: systemPrompt}}
	for _, m := range req.History {
		if m.Content == "" || m.Role == domain.RoleSystem {
			continue
		}
		messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Query})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0.7,
		Stream:      stream,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, "", &llm.ProviderError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(errBody)),
		}
	}
	return resp, model, nil
}

func (p *Provider) response(req llm.Request, messageID, model, answer string, tokens int64, latency time.Duration) *llm.Response {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}
	return &llm.Response{
		MessageID:      messageID,
		ConversationID: conversationID,
		Answer:         answer,
		Resources:      []domain.ResourceCitation{},
		Usage:          domain.Usage{TotalTokens: tokens},
		Model:          model,
		LatencyMs:      latency.Milliseconds(),
	}
}
