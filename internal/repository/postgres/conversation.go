package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// costScale is the precision kept for accumulated provider cost
const costScale = 10

// ConversationRepository implements domain.ConversationRepository
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

const conversationColumns = `id, provider_conversation_id, user_id, title, total_tokens, total_cost::text, created_at, updated_at`

// SaveTurn upserts the conversation and stores both sides of the exchange in one transaction.
// Token and cost totals accumulate; the title of an existing conversation is preserved.
func (r *ConversationRepository) SaveTurn(ctx context.Context, turn *domain.Turn) (*domain.Conversation, error) {
	upsert := `
		INSERT INTO conversations (id, provider_conversation_id, user_id, title, total_tokens, total_cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $7)
		ON CONFLICT (provider_conversation_id, user_id) DO UPDATE SET
			total_tokens = conversations.total_tokens + EXCLUDED.total_tokens,
			total_cost = conversations.total_cost + EXCLUDED.total_cost,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + conversationColumns

	userMeta := domain.MessageMetadata{Attachments: turn.Attachments}
	usage := turn.Usage
	assistantMeta := domain.MessageMetadata{
		ProviderMessageID: turn.ProviderMessageID,
		Usage:             &usage,
		Resources:         turn.Resources,
		Attachments:       turn.Attachments,
	}

	var conv *domain.Conversation
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		conv, err = scanConversation(tx.QueryRow(ctx, upsert,
			uuid.New(),
			turn.ProviderConversationID,
			turn.UserID,
			turn.Title,
			turn.Usage.TotalTokens,
			turn.Usage.TotalPrice.Round(costScale).StringFixed(costScale),
			turn.At,
		))
		if err != nil {
			return fmt.Errorf("failed to upsert conversation: %w", err)
		}
		if err := insertMessage(ctx, tx, conv.ID, domain.RoleUser, turn.Query, userMeta, turn); err != nil {
			return err
		}
		return insertMessage(ctx, tx, conv.ID, domain.RoleAssistant, turn.Answer, assistantMeta, turn)
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, conversationID uuid.UUID, role domain.MessageRole, content string, meta domain.MessageMetadata, turn *domain.Turn) error {
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.Exec(ctx, query, uuid.New(), conversationID, string(role), content, metadataJSON, turn.At); err != nil {
		return fmt.Errorf("failed to create %s message: %w", role, err)
	}
	return nil
}

// GetByProviderID finds a user's conversation by the provider's conversation id
func (r *ConversationRepository) GetByProviderID(ctx context.Context, userID, providerConversationID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE user_id = $1 AND provider_conversation_id = $2
	`
	conv, err := scanConversation(r.pool.QueryRow(ctx, query, userID, providerConversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", providerConversationID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ListByUser returns the user's conversations, most recently updated first
func (r *ConversationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return conversations, nil
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var c domain.Conversation
	var cost string
	if err := row.Scan(
		&c.ID,
		&c.ProviderConversationID,
		&c.UserID,
		&c.Title,
		&c.TotalTokens,
		&cost,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	total, err := decimal.NewFromString(cost)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total cost %q: %w", cost, err)
	}
	c.TotalCost = total
	return &c, nil
}
