package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageRepository implements domain.UsageRepository
type UsageRepository struct {
	pool *pgxpool.Pool
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(pool *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{pool: pool}
}

// Get returns the counter for the period. A missing row is a zero counter.
func (r *UsageRepository) Get(ctx context.Context, userID string, usageType domain.UsageType, period time.Time) (*domain.UsageStat, error) {
	query := `
		SELECT count, tokens_used
		FROM usage_stats
		WHERE user_id = $1 AND usage_type = $2 AND period = $3
	`
	stat := &domain.UsageStat{UserID: userID, Type: usageType, Period: period}
	err := r.pool.QueryRow(ctx, query, userID, string(usageType), period).Scan(&stat.Count, &stat.TokensUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return stat, nil
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return stat, nil
}

// Increment adds to the counter for the period, creating it when absent
func (r *UsageRepository) Increment(ctx context.Context, userID string, usageType domain.UsageType, period time.Time, count int, tokens int64) error {
	query := `
		INSERT INTO usage_stats (user_id, usage_type, period, count, tokens_used, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, usage_type, period) DO UPDATE SET
			count = usage_stats.count + EXCLUDED.count,
			tokens_used = usage_stats.tokens_used + EXCLUDED.tokens_used,
			updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, userID, string(usageType), period, count, tokens); err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}
