package service

import (
	"context"
	"testing"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeChat struct {
	summaries []domain.ConversationSummary
	history   map[string][]domain.Message
	listCalls int
}

func (f *fakeChat) ListConversations(context.Context, string) ([]domain.ConversationSummary, error) {
	f.listCalls++
	return f.summaries, nil
}

func (f *fakeChat) LoadHistory(_ context.Context, _ string, conversationID string) ([]domain.Message, error) {
	h, ok := f.history[conversationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return h, nil
}

func TestWorkspaceService_HydratesRegistryOnce(t *testing.T) {
	chat := &fakeChat{summaries: []domain.ConversationSummary{
		{ConversationID: "c1", Title: "one", UpdatedAt: time.Now()},
	}}
	ws := NewWorkspaceService(chatstate.NewHub(nil, nil), new(MockReplier), chat, chat)
	defer ws.Close()

	view := ws.View(context.Background(), "u1")
	assert.True(t, view.Draft)
	require.Len(t, view.Conversations, 1)

	p1 := ws.Pipeline(context.Background(), "u1")
	p2 := ws.Pipeline(context.Background(), "u1")
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, chat.listCalls)
}

func TestWorkspaceService_Open(t *testing.T) {
	chat := &fakeChat{history: map[string][]domain.Message{
		"c1": {
			{ID: "1", Role: domain.RoleUser, Content: "q"},
			{ID: "2", Role: domain.RoleAssistant, Content: "a", Resources: []domain.ResourceCitation{{DocumentName: "doc"}}},
		},
	}}
	ws := NewWorkspaceService(chatstate.NewHub(nil, nil), new(MockReplier), chat, chat)
	defer ws.Close()
	ctx := context.Background()

	view, err := ws.Open(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", view.ActiveConversation)
	assert.Len(t, view.Messages, 2)
	require.Len(t, view.Resources, 1)

	view, err = ws.Open(ctx, "u1", "provider-only")
	require.NoError(t, err)
	assert.Equal(t, "provider-only", view.ActiveConversation)
	assert.Empty(t, view.Messages)

	view = ws.New(ctx, "u1")
	assert.True(t, view.Draft)
}

func TestWorkspaceService_Submit(t *testing.T) {
	replier := new(MockReplier)
	replier.On("Reply", mock.Anything, mock.Anything).Return(&ReplyResult{AnswerText: "a", ConversationID: "c-new"}, nil)
	ws := NewWorkspaceService(chatstate.NewHub(nil, nil), replier, nil, nil)
	defer ws.Close()
	ctx := context.Background()

	events, cancel := ws.Subscribe(ctx, "u1")
	defer cancel()

	res, err := ws.Submit(ctx, "u1", "first question", nil)
	require.NoError(t, err)
	assert.Equal(t, "c-new", res.ConversationID)

	view := ws.View(ctx, "u1")
	assert.Equal(t, "c-new", view.ActiveConversation)
	assert.Len(t, view.Messages, 2)
	assert.Equal(t, []string{"/chat/c-new"}, drainNavigations(events))
}
