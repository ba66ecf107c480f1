package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/config"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
)

// UsageService enforces and reports monthly plan allowances
type UsageService struct {
	usage  domain.UsageRepository
	subs   domain.SubscriptionRepository
	limits map[domain.Plan]domain.PlanLimits
	now    func() time.Time
}

// NewUsageService creates a new usage service. subs may be nil, which puts every user on the free plan.
func NewUsageService(usage domain.UsageRepository, subs domain.SubscriptionRepository, cfg config.UsageConfig) *UsageService {
	return &UsageService{
		usage: usage,
		subs:  subs,
		limits: map[domain.Plan]domain.PlanLimits{
			domain.PlanFree:    planLimits(cfg.Free),
			domain.PlanPremium: planLimits(cfg.Premium),
		},
		now: time.Now,
	}
}

func planLimits(c config.PlanLimitsConfig) domain.PlanLimits {
	return domain.PlanLimits{
		MonthlyMessages: c.MonthlyMessages,
		MonthlyUploads:  c.MonthlyUploads,
		MaxUploadSizeMB: c.MaxUploadSizeMB,
	}
}

// Plan returns the plan the user is entitled to
func (s *UsageService) Plan(ctx context.Context, userID string) (domain.Plan, error) {
	if s.subs == nil {
		return domain.PlanFree, nil
	}
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PlanFree, nil
		}
		return "", fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub.EffectivePlan(), nil
}

// Summary reports this month's consumption against the plan limits
func (s *UsageService) Summary(ctx context.Context, userID string) (*domain.UsageSummary, error) {
	plan, err := s.Plan(ctx, userID)
	if err != nil {
		return nil, err
	}
	limits := s.limits[plan]
	period := domain.UsagePeriod(s.now())

	messages, err := s.usage.Get(ctx, userID, domain.UsageTextChat, period)
	if err != nil {
		return nil, err
	}
	uploads, err := s.usage.Get(ctx, userID, domain.UsageFileUpload, period)
	if err != nil {
		return nil, err
	}

	return &domain.UsageSummary{
		Plan:              plan,
		Limits:            limits,
		MessagesUsed:      messages.Count,
		UploadsUsed:       uploads.Count,
		TokensUsed:        messages.TokensUsed,
		RemainingMessages: max(limits.MonthlyMessages-messages.Count, 0),
		RemainingUploads:  max(limits.MonthlyUploads-uploads.Count, 0),
		CanSendMessages:   messages.Count < limits.MonthlyMessages,
		CanUploadFiles:    uploads.Count < limits.MonthlyUploads,
		PeriodStart:       period,
	}, nil
}

// CanSend implements UsageGate. Reaching only the upload limit still allows chatting.
func (s *UsageService) CanSend(ctx context.Context, userID string, fileCount int) (UsageDecision, error) {
	summary, err := s.Summary(ctx, userID)
	if err != nil {
		return UsageDecision{}, err
	}

	decision := UsageDecision{
		Allowed:         summary.CanSendMessages,
		UploadsDisabled: !summary.CanUploadFiles || summary.UploadsUsed+fileCount > summary.Limits.MonthlyUploads,
	}
	switch {
	case !decision.Allowed:
		decision.Reason = fmt.Sprintf("monthly message limit of %d reached for the %s plan", summary.Limits.MonthlyMessages, summary.Plan)
	case fileCount > 0 && decision.UploadsDisabled:
		decision.Reason = fmt.Sprintf("monthly upload limit of %d reached for the %s plan", summary.Limits.MonthlyUploads, summary.Plan)
	}
	return decision, nil
}

// RecordMessage implements UsageRecorder
func (s *UsageService) RecordMessage(ctx context.Context, userID string, tokens int64) error {
	return s.usage.Increment(ctx, userID, domain.UsageTextChat, domain.UsagePeriod(s.now()), 1, tokens)
}

// RecordUploads implements UsageRecorder
func (s *UsageService) RecordUploads(ctx context.Context, userID string, count int) error {
	return s.usage.Increment(ctx, userID, domain.UsageFileUpload, domain.UsagePeriod(s.now()), count, 0)
}
