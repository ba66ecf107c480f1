package chatstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockPersister mocks the Persister interface
type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) Load(ctx context.Context, userID string) (*Snapshot, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Snapshot), args.Error(1)
}

func (m *MockPersister) Save(ctx context.Context, userID string, snap *Snapshot) error {
	args := m.Called(ctx, userID, snap)
	return args.Error(0)
}

// memoryPersister records the last saved snapshot per user
type memoryPersister struct {
	mu    sync.Mutex
	snaps map[string]*Snapshot
	saves int
}

func (p *memoryPersister) Load(_ context.Context, userID string) (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snaps[userID], nil
}

func (p *memoryPersister) Save(_ context.Context, userID string, snap *Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snaps == nil {
		p.snaps = map[string]*Snapshot{}
	}
	p.snaps[userID] = snap
	p.saves++
	return nil
}

func TestStore_StartsWithDraft(t *testing.T) {
	s := NewStore("u1")
	assert.True(t, IsDraft(s.Active()))

	view := s.View()
	assert.True(t, view.Draft)
	assert.Empty(t, view.Messages)
	assert.NotNil(t, view.Resources)
}

func TestStore_Adopt(t *testing.T) {
	t.Run("active draft becomes the new conversation", func(t *testing.T) {
		s := NewStore("u1")
		draft := s.Active()
		tl := s.Timeline(draft)
		tl.Append(domain.Message{Role: domain.RoleUser, Content: "hello"})
		tl.Append(domain.Message{Role: domain.RoleAssistant, Content: "hi", Resources: []domain.ResourceCitation{{DocumentName: "d"}}})

		became := s.Adopt(draft, "conv-1")

		assert.True(t, became)
		assert.Equal(t, "conv-1", s.Active())
		assert.Equal(t, "conv-1", tl.ConversationID())
		assert.Equal(t, 2, s.Timeline("conv-1").Len())
		_, ok := s.Resources().Get(draft)
		assert.False(t, ok)
		res, ok := s.Resources().Get("conv-1")
		assert.True(t, ok)
		assert.Equal(t, "d", res[0].DocumentName)
	})

	t.Run("inactive draft is re-keyed without switching", func(t *testing.T) {
		s := NewStore("u1")
		draft := s.Active()
		s.Timeline(draft).Append(domain.Message{Role: domain.RoleUser, Content: "hello"})
		s.SetActive("other")

		became := s.Adopt(draft, "conv-2")

		assert.False(t, became)
		assert.Equal(t, "other", s.Active())
		assert.Equal(t, 1, s.Timeline("conv-2").Len())
	})

	t.Run("second adoption of the same draft keeps the conversation", func(t *testing.T) {
		s := NewStore("u1")
		draft := s.Active()
		tl := s.Timeline(draft)
		tl.Append(domain.Message{Role: domain.RoleUser, Content: "first"})
		tl.Append(domain.Message{Role: domain.RoleUser, Content: "second"})

		require.True(t, s.Adopt(draft, "c42"))
		tl.Append(domain.Message{Role: domain.RoleAssistant, Content: "answer"})

		assert.False(t, s.Adopt(draft, "c42"))
		assert.Same(t, tl, s.Timeline("c42"))
		assert.Equal(t, 3, s.Timeline("c42").Len())
		assert.Equal(t, "c42", s.Active())
	})

	t.Run("draft merges into an existing conversation", func(t *testing.T) {
		s := NewStore("u1")
		s.Timeline("c7").Append(domain.Message{Role: domain.RoleUser, Content: "older"})
		draft := s.Active()
		s.Timeline(draft).Append(domain.Message{Role: domain.RoleUser, Content: "newer"})

		s.Adopt(draft, "c7")

		msgs := s.Timeline("c7").Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "older", msgs[0].Content)
		assert.Equal(t, "newer", msgs[1].Content)
	})
}

func TestStore_NewConversation(t *testing.T) {
	s := NewStore("u1")
	first := s.Active()
	s.Timeline(first).Append(domain.Message{Role: domain.RoleUser, Content: "pending"})
	empty := s.NewConversation()

	next := s.NewConversation()

	assert.NotEqual(t, first, next)
	assert.Equal(t, next, s.Active())
	assert.Equal(t, 1, s.Timeline(first).Len(), "draft with messages survives")

	s.mu.RLock()
	_, kept := s.timelines[empty]
	s.mu.RUnlock()
	assert.False(t, kept, "empty draft is dropped")
}

func TestStore_Open(t *testing.T) {
	s := NewStore("u1")
	history := []domain.Message{
		{ID: "1", Role: domain.RoleUser, Content: "q"},
		{ID: "2", Role: domain.RoleAssistant, Content: "a", Resources: []domain.ResourceCitation{{DocumentName: "doc"}}},
	}

	s.Open("conv-9", history)

	view := s.View()
	assert.Equal(t, "conv-9", view.ActiveConversation)
	assert.False(t, view.Draft)
	assert.Len(t, view.Messages, 2)
	require.Len(t, view.Resources, 1)
	assert.Equal(t, "doc", view.Resources[0].DocumentName)

	s.Open("conv-9", history[:1])
	_, ok := s.Resources().Get("conv-9")
	assert.False(t, ok)
}

func TestStore_OpenKeepsPendingMessages(t *testing.T) {
	s := NewStore("u1")
	history := []domain.Message{
		{ID: "1", Role: domain.RoleUser, Content: "old"},
		{ID: "2", Role: domain.RoleAssistant, Content: "old answer"},
	}
	s.Open("conv-x", history)
	tl := s.Timeline("conv-x")
	pending := tl.Append(domain.Message{Role: domain.RoleUser, Content: "new question"})
	tl.Hold(pending)

	s.Open("conv-x", history)

	msgs := tl.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, pending, msgs[2].ID)

	tl.Release(pending)
	s.Open("conv-x", history)
	assert.Equal(t, 2, tl.Len(), "released messages give way to stored history")
}

func TestStore_UnsubscribeAfterClose(t *testing.T) {
	s := NewStore("u1")
	events, cancel := s.Subscribe()

	s.Close()
	_, ok := <-events
	assert.False(t, ok)

	assert.NotPanics(t, cancel)
	assert.NotPanics(t, cancel)
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore("u1")
	events, cancel := s.Subscribe()
	defer cancel()

	s.Timeline(s.Active()).Append(domain.Message{Role: domain.RoleUser, Content: "x"})
	s.Navigate("/chat/abc")

	ev := <-events
	assert.Equal(t, EventTimeline, ev.Type)
	ev = <-events
	assert.Equal(t, EventNavigate, ev.Type)
	assert.Equal(t, "/chat/abc", ev.Path)
}

func TestStore_SlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewStore("u1")
	_, cancel := s.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		tl := s.Timeline(s.Active())
		for i := 0; i < subscriberBuffer*4; i++ {
			tl.Append(domain.Message{Role: domain.RoleUser, Content: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on a full subscriber")
	}
}

func TestStore_Snapshot(t *testing.T) {
	s := NewStore("u1", WithPersister(&memoryPersister{}, SliceSet{SliceRegistry: true, SliceResources: true}))
	s.Registry().Upsert(domain.ConversationSummary{ConversationID: "c1", Title: "t"})
	s.Resources().Set("c1", []domain.ResourceCitation{{DocumentName: "d"}})
	s.Timeline("c1").Append(domain.Message{Role: domain.RoleUser, Content: "not persisted"})

	snap := s.Snapshot()

	assert.Len(t, snap.Registry, 1)
	assert.Len(t, snap.Resources["c1"], 1)
	assert.Nil(t, snap.Timelines)
	assert.Empty(t, snap.ActiveConversation)
}

func TestStore_PersistenceLoop(t *testing.T) {
	p := &memoryPersister{}
	s := NewStore("u1", WithPersister(p, SliceSet{SliceRegistry: true}))
	s.Start()

	s.Registry().Upsert(domain.ConversationSummary{ConversationID: "c1", Title: "t"})
	s.Close()

	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotNil(t, p.snaps["u1"])
	assert.Equal(t, "c1", p.snaps["u1"].Registry[0].ConversationID)
}

func TestStore_SaveFailureIsSwallowed(t *testing.T) {
	p := new(MockPersister)
	p.On("Save", mock.Anything, "u1", mock.AnythingOfType("*chatstate.Snapshot")).Return(assert.AnError)

	s := NewStore("u1", WithPersister(p, SliceSet{SliceRegistry: true}))
	s.Start()
	s.Registry().Upsert(domain.ConversationSummary{ConversationID: "c1"})
	s.Close()

	assert.Equal(t, 1, s.Registry().Len())
	p.AssertExpectations(t)
}

func TestHub_Get(t *testing.T) {
	p := &memoryPersister{snaps: map[string]*Snapshot{
		"u1": {
			ActiveConversation: "c1",
			Timelines:          map[string][]domain.Message{"c1": {{ID: "m1", Role: domain.RoleUser, Content: "saved"}}},
			Registry:           []domain.ConversationSummary{{ConversationID: "c1", Title: "saved"}},
		},
	}}
	slices, err := ParseSlices([]string{"timeline", "registry"})
	require.NoError(t, err)

	hub := NewHub(p, slices)
	defer hub.Close()

	s, created := hub.Get(context.Background(), "u1")
	assert.True(t, created)
	assert.Equal(t, "c1", s.Active())
	assert.Equal(t, 1, s.Timeline("c1").Len())
	assert.Equal(t, 1, s.Registry().Len())
	assert.True(t, hub.Restored(SliceRegistry))
	assert.False(t, hub.Restored(SliceResources))

	again, created := hub.Get(context.Background(), "u1")
	assert.False(t, created)
	assert.Same(t, s, again)

	other, created := hub.Get(context.Background(), "u2")
	assert.True(t, created)
	assert.True(t, IsDraft(other.Active()))
}

func TestParseSlices(t *testing.T) {
	set, err := ParseSlices([]string{"Registry", " resources ", ""})
	require.NoError(t, err)
	assert.True(t, set[SliceRegistry])
	assert.True(t, set[SliceResources])
	assert.False(t, set[SliceTimeline])

	_, err = ParseSlices([]string{"composer"})
	assert.Error(t, err)
}
