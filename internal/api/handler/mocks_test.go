package handler_test

import (
	"context"
	"io"

	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
	"github.com/aokitashipro/pre-next-dify/internal/service"
	"github.com/stretchr/testify/mock"
)

type MockChatAPI struct {
	mock.Mock
}

func (m *MockChatAPI) Chat(ctx context.Context, userID string, in service.ChatInput) (*service.ChatOutput, error) {
	args := m.Called(ctx, userID, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ChatOutput), args.Error(1)
}

func (m *MockChatAPI) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]domain.ConversationSummary), args.Error(1)
}

func (m *MockChatAPI) LoadHistory(ctx context.Context, userID, conversationID string) ([]domain.Message, error) {
	args := m.Called(ctx, userID, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

type MockUsageGate struct {
	mock.Mock
}

func (m *MockUsageGate) CanSend(ctx context.Context, userID string, fileCount int) (service.UsageDecision, error) {
	args := m.Called(ctx, userID, fileCount)
	return args.Get(0).(service.UsageDecision), args.Error(1)
}

type MockWorkspaceAPI struct {
	mock.Mock
}

func (m *MockWorkspaceAPI) View(ctx context.Context, userID string) chatstate.View {
	return m.Called(ctx, userID).Get(0).(chatstate.View)
}

func (m *MockWorkspaceAPI) Open(ctx context.Context, userID, conversationID string) (chatstate.View, error) {
	args := m.Called(ctx, userID, conversationID)
	return args.Get(0).(chatstate.View), args.Error(1)
}

func (m *MockWorkspaceAPI) New(ctx context.Context, userID string) chatstate.View {
	return m.Called(ctx, userID).Get(0).(chatstate.View)
}

func (m *MockWorkspaceAPI) Submit(ctx context.Context, userID, text string, files []chatstate.LocalFile) (*service.SubmitResult, error) {
	args := m.Called(ctx, userID, text, files)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SubmitResult), args.Error(1)
}

func (m *MockWorkspaceAPI) Subscribe(ctx context.Context, userID string) (<-chan chatstate.Event, func()) {
	args := m.Called(ctx, userID)
	return args.Get(0).(<-chan chatstate.Event), args.Get(1).(func())
}

type MockBillingAPI struct {
	mock.Mock
}

func (m *MockBillingAPI) Checkout(ctx context.Context, userID, email string) (string, error) {
	args := m.Called(ctx, userID, email)
	return args.String(0), args.Error(1)
}

func (m *MockBillingAPI) Portal(ctx context.Context, userID string) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

func (m *MockBillingAPI) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	return m.Called(ctx, payload, signature).Error(0)
}

type MockWorkflowRunner struct {
	mock.Mock
}

func (m *MockWorkflowRunner) RunWorkflow(ctx context.Context, inputs map[string]any, userID string) (io.ReadCloser, error) {
	args := m.Called(ctx, inputs, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockWorkflowRunner) RunWorkflowBlocking(ctx context.Context, inputs map[string]any, userID string) (*llm.WorkflowResult, error) {
	args := m.Called(ctx, inputs, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.WorkflowResult), args.Error(1)
}

func (m *MockWorkflowRunner) StopWorkflow(ctx context.Context, taskID, userID string) error {
	return m.Called(ctx, taskID, userID).Error(0)
}

type workflowSource struct {
	runner llm.WorkflowRunner
	err    error
}

func (s workflowSource) Workflow() (llm.WorkflowRunner, error) {
	return s.runner, s.err
}
