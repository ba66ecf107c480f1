package domain

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	titleMaxRunes = 30
	defaultTitle  = "New Chat"
)

// ConversationSummary is one row of the conversation sidebar
type ConversationSummary struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DeriveTitle builds a conversation title from the first user message
func DeriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultTitle
	}
	runes := []rune(text)
	if len(runes) <= titleMaxRunes {
		return text
	}
	return string(runes[:titleMaxRunes]) + "..."
}

// Usage is the token and cost accounting the provider reports for one reply
type Usage struct {
	TotalTokens int64           `json:"total_tokens"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	Currency    string          `json:"currency,omitempty"`
}

// Conversation is the persisted record of a provider conversation
type Conversation struct {
	ID                     uuid.UUID       `json:"id"`
	ProviderConversationID string          `json:"provider_conversation_id"`
	UserID                 string          `json:"user_id"`
	Title                  string          `json:"title"`
	TotalTokens            int64           `json:"total_tokens"`
	TotalCost              decimal.Decimal `json:"total_cost"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// Summary converts the record into a sidebar entry
func (c Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ConversationID: c.ProviderConversationID,
		Title:          c.Title,
		UpdatedAt:      c.UpdatedAt,
	}
}

// Turn is one completed question/answer exchange to persist
type Turn struct {
	UserID                 string
	ProviderConversationID string
	ProviderMessageID      string
	Title                  string
	Query                  string
	Attachments            []Attachment
	Answer                 string
	Resources              []ResourceCitation
	Usage                  Usage
	At                     time.Time
}

// ConversationRepository defines the interface for conversation storage
type ConversationRepository interface {
	SaveTurn(ctx context.Context, turn *Turn) (*Conversation, error)
	GetByProviderID(ctx context.Context, userID, providerConversationID string) (*Conversation, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Conversation, error)
}
