package ollama

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

// Provider implements llm.Provider for a local Ollama server. Like every
// model-only backend it keeps no conversations, so history is replayed.
type Provider struct {
	host         string
	defaultModel string
	client       *http.Client
}

// NewProvider creates a new Ollama provider
func NewProvider(cfg config.OllamaConfig) *Provider {
	model := cfg.Model
	if model == "" {
		model = "llama3.1"
	}
	return &Provider{
		host:         strings.TrimRight(cfg.Host, "/"),
		defaultModel: model,
		client:       &http.Client{Timeout: 300 * time.Second},
	}
}

// Name returns the provider identifier
func (p *Provider) Name() string {
	return "ollama"
}

// AvailableModels returns list of supported models
func (p *Provider) AvailableModels() []string {
	return []string{
		"llama3.1",
		"llama3.2",
		"mistral",
		"qwen2.5",
		"gemma2",
	}
}

// DefaultModel returns the default model
func (p *Provider) DefaultModel() string {
	return p.defaultModel
}

// IsConfigured reports whether a server address is set
func (p *Provider) IsConfigured() bool {
	return p.host != ""
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatChunk is one line of the response; a non-streamed reply is a single done chunk
type chatChunk struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int64       `json:"prompt_eval_count"`
	EvalCount       int64       `json:"eval_count"`
	Error           string      `json:"error"`
}

// Chat sends the replayed history plus the new question
func (p *Provider) Chat(ctx context.Context, req llm.Request, model string) (*llm.Response, error) {
	return p.ChatStream(ctx, req, model, nil)
}

// ChatStream reads Ollama's newline-delimited JSON stream, reporting the
// cumulative answer after each chunk
func (p *Provider) ChatStream(ctx context.Context, req llm.Request, model string, onAnswer func(answer string)) (*llm.Response, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("ollama provider is not configured (missing host)")
	}
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]chatMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		if m.Content == "" || m.Role == domain.RoleSystem {
			continue
		}
		messages = append(messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Query})

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   onAnswer != nil,
		Options:  map[string]any{"temperature": 0.7},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &llm.ProviderError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(errBody)),
		}
	}

	var answer strings.Builder
	var tokens int64
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if chunk.Error != "" {
			return nil, &llm.ProviderError{Provider: "ollama", StatusCode: http.StatusBadGateway, Body: chunk.Error}
		}
		if chunk.Message.Content != "" {
			answer.WriteString(chunk.Message.Content)
			if onAnswer != nil {
				onAnswer(answer.String())
			}
		}
		if chunk.Done {
			tokens = chunk.PromptEvalCount + chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return &llm.Response{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		Answer:         answer.String(),
		Resources:      []domain.ResourceCitation{},
		Usage:          domain.Usage{TotalTokens: tokens},
		Model:          model,
		LatencyMs:      time.Since(start).Milliseconds(),
	}, nil
}
