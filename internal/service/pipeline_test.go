package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// streamFunc adapts a function to StreamReplier
type streamFunc func(ctx context.Context, req ReplyRequest, onChunk func(string)) (*ReplyResult, error)

func (f streamFunc) ReplyStream(ctx context.Context, req ReplyRequest, onChunk func(string)) (*ReplyResult, error) {
	return f(ctx, req, onChunk)
}

func drainNavigations(events <-chan chatstate.Event) []string {
	var paths []string
	for {
		select {
		case ev := <-events:
			if ev.Type == chatstate.EventNavigate {
				paths = append(paths, ev.Path)
			}
		default:
			return paths
		}
	}
}

func TestSendPipeline_SuccessAdoptsDraft(t *testing.T) {
	store := chatstate.NewStore("u1")
	events, cancel := store.Subscribe()
	defer cancel()
	draft := store.Active()

	replier := new(MockReplier)
	replier.On("Reply", mock.Anything, mock.MatchedBy(func(req ReplyRequest) bool {
		return req.Text == "What is the refund policy for annual plans?" && req.ConversationID == "" && req.UserID == "u1"
	})).Return(&ReplyResult{
		AnswerText:     "Refunds are prorated.",
		ConversationID: "conv-1",
		Resources:      []domain.ResourceCitation{{DocumentName: "policy.pdf", Score: 0.87}},
	}, nil)

	p := NewSendPipeline(store, replier)
	res, err := p.Send(context.Background(), "What is the refund policy for annual plans?", nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.True(t, res.Navigated)
	assert.Equal(t, "conv-1", store.Active())

	msgs := store.Timeline("conv-1").Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, res.UserMessageID, msgs[0].ID)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Refunds are prorated.", msgs[1].Content)
	assert.Equal(t, res.AssistantMessageID, msgs[1].ID)

	cached, ok := store.Resources().Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, "policy.pdf", cached[0].DocumentName)
	_, ok = store.Resources().Get(draft)
	assert.False(t, ok)

	summary, ok := store.Registry().Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, "What is the refund policy for ...", summary.Title)

	assert.Equal(t, []string{"/chat/conv-1"}, drainNavigations(events))
	assert.Equal(t, 0, p.InFlight())
	replier.AssertExpectations(t)
}

func TestSendPipeline_Failure(t *testing.T) {
	store := chatstate.NewStore("u1")
	store.Open("conv-7", nil)

	replier := new(MockReplier)
	replier.On("Reply", mock.Anything, mock.Anything).Return(nil, &llm.ProviderError{Provider: "dify", StatusCode: 500, Body: "boom"})

	p := NewSendPipeline(store, replier)
	res, err := p.Send(context.Background(), "hello", nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailure, res.Outcome)
	msgs := store.Timeline("conv-7").Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, ApologyText, msgs[1].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, 0, store.Registry().Len())
}

func TestSendPipeline_EmptySubmission(t *testing.T) {
	store := chatstate.NewStore("u1")
	replier := new(MockReplier)
	p := NewSendPipeline(store, replier)

	_, err := p.Send(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, domain.ErrEmptySubmission)
	assert.Equal(t, 0, store.Timeline(store.Active()).Len())
	replier.AssertNotCalled(t, "Reply", mock.Anything, mock.Anything)
}

func TestSendPipeline_ExistingConversationKeepsTitle(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := start.Add(time.Hour)

	store := chatstate.NewStore("u1")
	store.Registry().Upsert(domain.ConversationSummary{ConversationID: "conv-1", Title: "Original", UpdatedAt: start})
	store.Registry().Upsert(domain.ConversationSummary{ConversationID: "conv-2", Title: "Newer", UpdatedAt: start.Add(time.Minute)})
	store.Open("conv-1", nil)

	replier := new(MockReplier)
	replier.On("Reply", mock.Anything, mock.MatchedBy(func(req ReplyRequest) bool {
		return req.ConversationID == "conv-1"
	})).Return(&ReplyResult{AnswerText: "ok", ConversationID: "conv-1"}, nil)

	p := NewSendPipeline(store, replier, WithPipelineClock(func() time.Time { return later }))
	res, err := p.Send(context.Background(), "a different question", nil)
	require.NoError(t, err)

	assert.False(t, res.Navigated)
	list := store.Registry().List()
	require.Len(t, list, 2)
	assert.Equal(t, "conv-1", list[0].ConversationID)
	assert.Equal(t, "Original", list[0].Title)
	assert.Equal(t, later, list[0].UpdatedAt)
}

func TestSendPipeline_LateCompletionLandsInOrigin(t *testing.T) {
	store := chatstate.NewStore("u1")
	store.Open("conv-a", nil)

	release := make(chan struct{})
	replier := new(MockReplier)
	replier.On("Reply", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(&ReplyResult{AnswerText: "late answer", ConversationID: "conv-a"}, nil)

	p := NewSendPipeline(store, replier)
	done := make(chan *SubmitResult)
	go func() {
		res, _ := p.Send(context.Background(), "question for a", nil)
		done <- res
	}()

	require.Eventually(t, func() bool { return store.Timeline("conv-a").Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.InFlight())
	store.Open("conv-b", nil)
	close(release)
	res := <-done

	assert.Equal(t, "conv-a", res.ConversationID)
	assert.Equal(t, "conv-b", store.Active())
	assert.Equal(t, 2, store.Timeline("conv-a").Len())
	assert.Equal(t, 0, store.Timeline("conv-b").Len())
}

func TestSendPipeline_LateAdoptionDoesNotNavigate(t *testing.T) {
	store := chatstate.NewStore("u1")
	events, cancel := store.Subscribe()
	defer cancel()
	draft := store.Active()

	release := make(chan struct{})
	replier := new(MockReplier)
	replier.On("Reply", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(&ReplyResult{AnswerText: "done", ConversationID: "conv-new"}, nil)

	p := NewSendPipeline(store, replier)
	done := make(chan *SubmitResult)
	go func() {
		res, _ := p.Send(context.Background(), "draft question", nil)
		done <- res
	}()

	require.Eventually(t, func() bool { return store.Timeline(draft).Len() == 1 }, time.Second, 5*time.Millisecond)
	store.Open("conv-other", nil)
	close(release)
	res := <-done

	assert.False(t, res.Navigated)
	assert.Equal(t, "conv-other", store.Active())
	assert.Equal(t, 2, store.Timeline("conv-new").Len())
	_, ok := store.Registry().Get("conv-new")
	assert.True(t, ok)
	assert.Empty(t, drainNavigations(events))
}

func TestSendPipeline_Streaming(t *testing.T) {
	store := chatstate.NewStore("u1")
	store.Open("conv-s", nil)

	var seen []int
	streamer := streamFunc(func(_ context.Context, req ReplyRequest, onChunk func(string)) (*ReplyResult, error) {
		onChunk("Hel")
		seen = append(seen, store.Timeline("conv-s").Len())
		onChunk("Hello")
		seen = append(seen, store.Timeline("conv-s").Len())
		return &ReplyResult{
			AnswerText:     "Hello there",
			ConversationID: "conv-s",
			Resources:      []domain.ResourceCitation{{DocumentName: "d"}},
		}, nil
	})

	p := NewSendPipeline(store, new(MockReplier), WithStreaming(streamer))
	res, err := p.Send(context.Background(), "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2}, seen)
	msgs := store.Timeline("conv-s").Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, res.AssistantMessageID, msgs[1].ID)
	assert.Equal(t, "Hello there", msgs[1].Content)
	require.Len(t, msgs[1].Resources, 1)
	cached, ok := store.Resources().Get("conv-s")
	assert.True(t, ok)
	assert.Len(t, cached, 1)
}

func TestSendPipeline_StreamingFailureRewritesPlaceholder(t *testing.T) {
	store := chatstate.NewStore("u1")
	store.Open("conv-s", nil)

	streamer := streamFunc(func(_ context.Context, _ ReplyRequest, onChunk func(string)) (*ReplyResult, error) {
		onChunk("partial ans")
		return nil, errors.New("stream cut")
	})

	p := NewSendPipeline(store, new(MockReplier), WithStreaming(streamer))
	res, err := p.Send(context.Background(), "hi", nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailure, res.Outcome)
	msgs := store.Timeline("conv-s").Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, ApologyText, msgs[1].Content)
}

func TestSendPipeline_Attachments(t *testing.T) {
	store := chatstate.NewStore("u1")
	store.Open("conv-f", nil)

	uploader := new(MockUploader)
	uploader.On("Upload", mock.Anything, mock.MatchedBy(func(f llm.FileUpload) bool { return f.FileName == "a.pdf" })).
		Return(&llm.UploadedFile{ID: "file-a", URL: "https://files/a"}, nil)
	uploader.On("Upload", mock.Anything, mock.MatchedBy(func(f llm.FileUpload) bool { return f.FileName == "b.png" })).
		Return(nil, errors.New("upload refused"))

	replier := new(MockReplier)
	replier.On("Reply", mock.Anything, mock.MatchedBy(func(req ReplyRequest) bool {
		return len(req.Attachments) == 2 &&
			req.Attachments[0].UploadRef == "file-a" &&
			req.Attachments[0].Category == chatstate.CategoryDocument &&
			req.Attachments[1].UploadRef == "" &&
			req.Attachments[1].Category == chatstate.CategoryImage
	})).Return(&ReplyResult{
		AnswerText:     "read it",
		ConversationID: "conv-f",
		ConfirmedAttachments: []chatstate.ConfirmedAttachment{
			{PersistentID: "file-a", URL: "https://files/a"},
			{},
		},
	}, nil)

	p := NewSendPipeline(store, replier, WithUploader(uploader))
	files := []chatstate.LocalFile{
		{Name: "a.pdf", Type: "application/pdf", Data: []byte("%PDF")},
		{Name: "b.png", Type: "image/png", Data: []byte{0x89}},
	}
	res, err := p.Send(context.Background(), "", files)
	require.NoError(t, err)

	user, ok := store.Timeline("conv-f").Find(res.UserMessageID)
	require.True(t, ok)
	require.Len(t, user.Attachments, 2)
	assert.Equal(t, "file-a", user.Attachments[0].PersistentID)
	assert.Equal(t, "https://files/a", user.Attachments[0].URL)
	assert.False(t, user.Attachments[1].Reconciled())
	assert.Equal(t, "b.png", user.Attachments[1].FileName)
	replier.AssertExpectations(t)
}

func TestSendPipeline_UsageGate(t *testing.T) {
	t.Run("denied", func(t *testing.T) {
		store := chatstate.NewStore("u1")
		gate := new(MockUsageGate)
		gate.On("CanSend", mock.Anything, "u1", 0).Return(UsageDecision{Allowed: false, Reason: "limit"}, nil)

		p := NewSendPipeline(store, new(MockReplier), WithUsageGate(gate))
		_, err := p.Send(context.Background(), "hi", nil)

		assert.ErrorIs(t, err, domain.ErrUsageLimit)
		assert.Equal(t, 0, store.Timeline(store.Active()).Len())
	})

	t.Run("uploads disabled blocks files only", func(t *testing.T) {
		store := chatstate.NewStore("u1")
		gate := new(MockUsageGate)
		gate.On("CanSend", mock.Anything, "u1", 1).Return(UsageDecision{Allowed: true, UploadsDisabled: true}, nil)

		p := NewSendPipeline(store, new(MockReplier), WithUsageGate(gate))
		_, err := p.Send(context.Background(), "hi", []chatstate.LocalFile{{Name: "a.txt", Type: "text/plain", Data: []byte("x")}})
		assert.ErrorIs(t, err, domain.ErrUsageLimit)
	})

	t.Run("gate error allows", func(t *testing.T) {
		store := chatstate.NewStore("u1")
		gate := new(MockUsageGate)
		gate.On("CanSend", mock.Anything, "u1", 0).Return(UsageDecision{}, errors.New("db down"))
		replier := new(MockReplier)
		replier.On("Reply", mock.Anything, mock.Anything).Return(&ReplyResult{AnswerText: "ok"}, nil)

		p := NewSendPipeline(store, replier, WithUsageGate(gate))
		res, err := p.Send(context.Background(), "hi", nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuccess, res.Outcome)
	})
}

func TestSendPipeline_ComposerSubmit(t *testing.T) {
	store := chatstate.NewStore("u1")
	replier := new(MockReplier)
	replier.On("Reply", mock.Anything, mock.MatchedBy(func(req ReplyRequest) bool {
		return req.Text == "from composer" && len(req.Attachments) == 1
	})).Return(&ReplyResult{AnswerText: "ok"}, nil)

	p := NewSendPipeline(store, replier)
	p.SetInput("from composer")
	require.NoError(t, p.Stage(chatstate.LocalFile{Name: "n.txt", Type: "text/plain", Data: []byte("x")}))

	_, err := p.Submit(context.Background())
	require.NoError(t, err)

	assert.Empty(t, p.Input())
	assert.Empty(t, p.Staged())
	replier.AssertExpectations(t)
}

func TestSendPipeline_StageRejectsTooMany(t *testing.T) {
	p := NewSendPipeline(chatstate.NewStore("u1"), new(MockReplier), WithFileLimits(chatstate.FileLimits{MaxFiles: 1, MaxFileSize: 10}))
	require.NoError(t, p.Stage(chatstate.LocalFile{Name: "a.txt", Type: "text/plain", Size: 1}))

	err := p.Stage(chatstate.LocalFile{Name: "b.txt", Type: "text/plain", Size: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidFile)
	assert.Len(t, p.Staged(), 1)
}

func TestSendPipeline_ConcurrentSubmitsBothLand(t *testing.T) {
	store := chatstate.NewStore("u1")
	store.Open("conv-c", nil)

	replier := new(MockReplier)
	replier.On("Reply", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(10 * time.Millisecond) }).
		Return(&ReplyResult{AnswerText: "ok", ConversationID: "conv-c"}, nil)

	p := NewSendPipeline(store, replier)
	var wg sync.WaitGroup
	for _, text := range []string{"first", "second"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			_, err := p.Send(context.Background(), text, nil)
			assert.NoError(t, err)
		}(text)
	}
	wg.Wait()

	msgs := store.Timeline("conv-c").Messages()
	assert.Len(t, msgs, 4)
	var users int
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			users++
		}
	}
	assert.Equal(t, 2, users)
}

func TestSendPipeline_ConcurrentSubmitsFromNewChat(t *testing.T) {
	store := chatstate.NewStore("u1")
	events, cancel := store.Subscribe()
	defer cancel()

	started := make(chan struct{}, 2)
	gates := map[string]chan struct{}{
		"first question":  make(chan struct{}),
		"second question": make(chan struct{}),
	}
	replier := new(MockReplier)
	for text, gate := range gates {
		replier.On("Reply", mock.Anything, mock.MatchedBy(func(req ReplyRequest) bool {
			return req.Text == text && req.ConversationID == ""
		})).Run(func(mock.Arguments) {
			started <- struct{}{}
			<-gate
		}).Return(&ReplyResult{AnswerText: "answer to " + text, ConversationID: "c42"}, nil)
	}

	p := NewSendPipeline(store, replier)
	results := make(map[string]*SubmitResult)
	var mu sync.Mutex
	var wg sync.WaitGroup
	send := func(text string) {
		defer wg.Done()
		res, err := p.Send(context.Background(), text, nil)
		assert.NoError(t, err)
		mu.Lock()
		results[text] = res
		mu.Unlock()
	}

	wg.Add(2)
	go send("first question")
	<-started
	go send("second question")
	<-started

	close(gates["first question"])
	require.Eventually(t, func() bool { return store.Active() == "c42" }, time.Second, time.Millisecond)
	close(gates["second question"])
	wg.Wait()

	msgs := store.Timeline("c42").Messages()
	require.Len(t, msgs, 4)
	var users int
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			users++
		}
	}
	assert.Equal(t, 2, users)

	summaries := store.Registry().List()
	require.Len(t, summaries, 1)
	assert.Equal(t, "first question", summaries[0].Title)

	assert.Equal(t, "c42", results["second question"].ConversationID)
	assert.False(t, results["second question"].Navigated)
	assert.Equal(t, []string{"/chat/c42"}, drainNavigations(events))
}

func TestSendPipeline_ReopenWhileReplyPending(t *testing.T) {
	store := chatstate.NewStore("u1")
	history := []domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "old"},
		{ID: "m2", Role: domain.RoleAssistant, Content: "old answer"},
	}
	store.Open("conv-x", history)

	started, release := make(chan struct{}), make(chan struct{})
	replier := new(MockReplier)
	replier.On("Reply", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(&ReplyResult{AnswerText: "new answer", ConversationID: "conv-x"}, nil)

	p := NewSendPipeline(store, replier)
	done := make(chan *SubmitResult)
	go func() {
		res, err := p.Send(context.Background(), "new question", nil)
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	store.Open("conv-x", history)
	close(release)
	res := <-done

	msgs := store.Timeline("conv-x").Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, res.UserMessageID, msgs[2].ID)
	assert.Equal(t, "new question", msgs[2].Content)
	assert.Equal(t, "new answer", msgs[3].Content)
}

func TestSendPipeline_NilReplyIsFailure(t *testing.T) {
	store := chatstate.NewStore("u1")
	replier := new(MockReplier)
	replier.On("Reply", mock.Anything, mock.Anything).Return(nil, nil)

	res, err := NewSendPipeline(store, replier).Send(context.Background(), "hello", nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailure, res.Outcome)
	msgs := store.Timeline(store.Active()).Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, ApologyText, msgs[1].Content)
}
