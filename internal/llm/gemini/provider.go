package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/config"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Provider implements llm.Provider with Gemini. Gemini keeps no server-side
// conversation, so history is replayed from the request and a local
// conversation id is minted for new conversations.
type Provider struct {
	apiKey string
	model  string
}

func NewProvider(cfg config.GeminiConfig) *Provider {
	return &Provider{
		apiKey: cfg.APIKey,
		model:  cfg.Model,
	}
}

func (p *Provider) Name() string {
	return "gemini"
}

func (p *Provider) AvailableModels() []string {
	return []string{
		"gemini-2.5-flash",
		"gemini-1.5-flash",
		"gemini-1.5-pro",
	}
}

func (p *Provider) DefaultModel() string {
	if p.model != "" {
		return p.model
	}
	return "gemini-2.5-flash"
}

func (p *Provider) IsConfigured() bool {
	return p.apiKey != ""
}

func (p *Provider) Chat(ctx context.Context, req llm.Request, model string) (*llm.Response, error) {
	client, session, model, err := p.session(ctx, req, model)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	start := time.Now()
	resp, err := session.SendMessage(ctx, genai.Text(req.Query))
	if err != nil {
		return nil, fmt.Errorf("gemini generation error: %w", err)
	}

	answer := textOf(resp)
	if answer == "" {
		return nil, fmt.Errorf("empty response from gemini")
	}

	return p.response(req, model, answer, tokensOf(resp), time.Since(start)), nil
}

func (p *Provider) ChatStream(ctx context.Context, req llm.Request, model string, onAnswer func(answer string)) (*llm.Response, error) {
	client, session, model, err := p.session(ctx, req, model)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	start := time.Now()
	iter := session.SendMessageStream(ctx, genai.Text(req.Query))

	var answer strings.Builder
	var tokens int64
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gemini stream error: %w", err)
		}
		answer.WriteString(textOf(resp))
		if t := tokensOf(resp); t > 0 {
			tokens = t
		}
		if onAnswer != nil {
			onAnswer(answer.String())
		}
	}

	return p.response(req, model, answer.String(), tokens, time.Since(start)), nil
}

func (p *Provider) session(ctx context.Context, req llm.Request, model string) (*genai.Client, *genai.ChatSession, string, error) {
	if !p.IsConfigured() {
		return nil, nil, "", fmt.Errorf("gemini provider is not configured (missing API key)")
	}
	if model == "" {
		model = p.DefaultModel()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to create gemini client: %w", err)
	}

	session := client.GenerativeModel(model).StartChat()
	session.History = history(req.History)
	return client, session, model, nil
}

func (p *Provider) response(req llm.Request, model, answer string, tokens int64, latency time.Duration) *llm.Response {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return &llm.Response{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		Answer:         answer,
		Resources:      []domain.ResourceCitation{},
		Usage:          domain.Usage{TotalTokens: tokens},
		Model:          model,
		LatencyMs:      latency.Milliseconds(),
	}
}

func history(messages []domain.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		if m.Content == "" || m.Role == domain.RoleSystem {
			continue
		}
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return out
}

func textOf(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out.WriteString(string(text))
		}
	}
	return out.String()
}

func tokensOf(resp *genai.GenerateContentResponse) int64 {
	if resp == nil || resp.UsageMetadata == nil {
		return 0
	}
	return int64(resp.UsageMetadata.TotalTokenCount)
}
