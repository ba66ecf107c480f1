package domain

import (
	"context"
	"time"
)

// Plan is a subscription tier
type Plan string

const (
	PlanFree    Plan = "FREE"
	PlanPremium Plan = "PREMIUM"
)

// UsageType distinguishes the counters kept per month
type UsageType string

const (
	UsageTextChat   UsageType = "TEXT_CHAT"
	UsageFileUpload UsageType = "FILE_UPLOAD"
)

// PlanLimits are the monthly allowances of a plan
type PlanLimits struct {
	MonthlyMessages int `json:"monthly_messages"`
	MonthlyUploads  int `json:"monthly_uploads"`
	MaxUploadSizeMB int `json:"max_upload_size_mb"`
}

// UsageStat is the counter for one user, usage type and month
type UsageStat struct {
	UserID     string    `json:"user_id"`
	Type       UsageType `json:"type"`
	Period     time.Time `json:"period"`
	Count      int       `json:"count"`
	TokensUsed int64     `json:"tokens_used"`
}

// UsageSummary is what the usage endpoint reports
type UsageSummary struct {
	Plan              Plan       `json:"plan"`
	Limits            PlanLimits `json:"limits"`
	MessagesUsed      int        `json:"messages_used"`
	UploadsUsed       int        `json:"uploads_used"`
	TokensUsed        int64      `json:"tokens_used"`
	RemainingMessages int        `json:"remaining_messages"`
	RemainingUploads  int        `json:"remaining_uploads"`
	CanSendMessages   bool       `json:"can_send_messages"`
	CanUploadFiles    bool       `json:"can_upload_files"`
	PeriodStart       time.Time  `json:"period_start"`
}

// UsagePeriod returns the first instant of the calendar month containing t (UTC)
func UsagePeriod(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// UsageRepository defines the interface for usage counters
type UsageRepository interface {
	Get(ctx context.Context, userID string, usageType UsageType, period time.Time) (*UsageStat, error)
	Increment(ctx context.Context, userID string, usageType UsageType, period time.Time, count int, tokens int64) error
}
