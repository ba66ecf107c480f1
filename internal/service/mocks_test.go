package service

import (
	"context"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/billing"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockConversationRepository mocks the ConversationRepository interface
type MockConversationRepository struct {
	mock.Mock
}

func (m *MockConversationRepository) SaveTurn(ctx context.Context, turn *domain.Turn) (*domain.Conversation, error) {
	args := m.Called(ctx, turn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepository) GetByProviderID(ctx context.Context, userID, providerConversationID string) (*domain.Conversation, error) {
	args := m.Called(ctx, userID, providerConversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	args := m.Called(ctx, userID, limit)
	return args.Get(0).([]domain.Conversation), args.Error(1)
}

// MockMessageRepository mocks the MessageRepository interface
type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]domain.StoredMessage, error) {
	args := m.Called(ctx, conversationID, limit)
	return args.Get(0).([]domain.StoredMessage), args.Error(1)
}

// MockUsageRepository mocks the UsageRepository interface
type MockUsageRepository struct {
	mock.Mock
}

func (m *MockUsageRepository) Get(ctx context.Context, userID string, usageType domain.UsageType, period time.Time) (*domain.UsageStat, error) {
	args := m.Called(ctx, userID, usageType, period)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UsageStat), args.Error(1)
}

func (m *MockUsageRepository) Increment(ctx context.Context, userID string, usageType domain.UsageType, period time.Time, count int, tokens int64) error {
	args := m.Called(ctx, userID, usageType, period, count, tokens)
	return args.Error(0)
}

// MockSubscriptionRepository mocks the SubscriptionRepository interface
type MockSubscriptionRepository struct {
	mock.Mock
}

func (m *MockSubscriptionRepository) GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) Upsert(ctx context.Context, sub *domain.Subscription) error {
	args := m.Called(ctx, sub)
	return args.Error(0)
}

// MockLLMProvider mocks a streaming provider that accepts uploads
type MockLLMProvider struct {
	mock.Mock
}

func (m *MockLLMProvider) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockLLMProvider) AvailableModels() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *MockLLMProvider) DefaultModel() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockLLMProvider) IsConfigured() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockLLMProvider) Chat(ctx context.Context, req llm.Request, model string) (*llm.Response, error) {
	args := m.Called(ctx, req, model)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.Response), args.Error(1)
}

func (m *MockLLMProvider) ChatStream(ctx context.Context, req llm.Request, model string, onAnswer func(string)) (*llm.Response, error) {
	args := m.Called(ctx, req, model, onAnswer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.Response), args.Error(1)
}

func (m *MockLLMProvider) UploadFile(ctx context.Context, file llm.FileUpload) (*llm.UploadedFile, error) {
	args := m.Called(ctx, file)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.UploadedFile), args.Error(1)
}

func (m *MockLLMProvider) KeepsConversations() bool {
	return true
}

// MockReplier mocks the Replier interface
type MockReplier struct {
	mock.Mock
}

func (m *MockReplier) Reply(ctx context.Context, req ReplyRequest) (*ReplyResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ReplyResult), args.Error(1)
}

// MockUploader mocks the Uploader interface
type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) Upload(ctx context.Context, file llm.FileUpload) (*llm.UploadedFile, error) {
	args := m.Called(ctx, file)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.UploadedFile), args.Error(1)
}

// MockUsageGate mocks the UsageGate interface
type MockUsageGate struct {
	mock.Mock
}

func (m *MockUsageGate) CanSend(ctx context.Context, userID string, fileCount int) (UsageDecision, error) {
	args := m.Called(ctx, userID, fileCount)
	return args.Get(0).(UsageDecision), args.Error(1)
}

// MockUsageRecorder mocks the UsageRecorder interface
type MockUsageRecorder struct {
	mock.Mock
}

func (m *MockUsageRecorder) RecordMessage(ctx context.Context, userID string, tokens int64) error {
	args := m.Called(ctx, userID, tokens)
	return args.Error(0)
}

func (m *MockUsageRecorder) RecordUploads(ctx context.Context, userID string, count int) error {
	args := m.Called(ctx, userID, count)
	return args.Error(0)
}

// MockBillingGateway mocks the BillingGateway interface
type MockBillingGateway struct {
	mock.Mock
}

func (m *MockBillingGateway) CreateCustomer(userID, email string) (string, error) {
	args := m.Called(userID, email)
	return args.String(0), args.Error(1)
}

func (m *MockBillingGateway) CreateCheckoutSession(customerID, userID string) (string, error) {
	args := m.Called(customerID, userID)
	return args.String(0), args.Error(1)
}

func (m *MockBillingGateway) CreatePortalSession(customerID string) (string, error) {
	args := m.Called(customerID)
	return args.String(0), args.Error(1)
}

func (m *MockBillingGateway) ParseWebhook(payload []byte, signature string) (*billing.WebhookEvent, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.WebhookEvent), args.Error(1)
}
