package service

import (
	"context"
	"errors"
	"sync"

	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/rs/zerolog/log"
)

// WorkspaceService is the per-user chat workspace: one store and one send
// pipeline per user, hydrated from stored conversations on first use.
type WorkspaceService struct {
	hub         *chatstate.Hub
	replier     Replier
	lister      ConversationLister
	history     HistoryLoader
	pipelineOps []PipelineOption

	mu        sync.Mutex
	pipelines map[string]*SendPipeline
}

// NewWorkspaceService creates a new workspace service
func NewWorkspaceService(
	hub *chatstate.Hub,
	replier Replier,
	lister ConversationLister,
	history HistoryLoader,
	opts ...PipelineOption,
) *WorkspaceService {
	return &WorkspaceService{
		hub:         hub,
		replier:     replier,
		lister:      lister,
		history:     history,
		pipelineOps: opts,
		pipelines:   make(map[string]*SendPipeline),
	}
}

// Pipeline returns the user's send pipeline, creating the store on first use
func (s *WorkspaceService) Pipeline(ctx context.Context, userID string) *SendPipeline {
	store, created := s.hub.Get(ctx, userID)
	if created && !s.hub.Restored(chatstate.SliceRegistry) && s.lister != nil {
		summaries, err := s.lister.ListConversations(ctx, userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("failed to load conversation list")
		} else {
			store.Registry().SetAll(summaries)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[userID]
	if !ok || p.store != store {
		p = NewSendPipeline(store, s.replier, s.pipelineOps...)
		s.pipelines[userID] = p
	}
	return p
}

// Store returns the user's state container
func (s *WorkspaceService) Store(ctx context.Context, userID string) *chatstate.Store {
	return s.Pipeline(ctx, userID).store
}

// View returns what the user currently sees
func (s *WorkspaceService) View(ctx context.Context, userID string) chatstate.View {
	return s.Store(ctx, userID).View()
}

// Open switches to a stored conversation and hydrates its timeline
func (s *WorkspaceService) Open(ctx context.Context, userID, conversationID string) (chatstate.View, error) {
	store := s.Store(ctx, userID)

	history := []domain.Message{}
	if s.history != nil {
		loaded, err := s.history.LoadHistory(ctx, userID, conversationID)
		switch {
		case err == nil:
			history = loaded
		case errors.Is(err, domain.ErrNotFound):
			// known to the provider only; open empty
		default:
			return chatstate.View{}, err
		}
	}

	store.Open(conversationID, history)
	return store.View(), nil
}

// New starts a fresh draft conversation
func (s *WorkspaceService) New(ctx context.Context, userID string) chatstate.View {
	store := s.Store(ctx, userID)
	store.NewConversation()
	return store.View()
}

// Submit sends text and files from the user's active conversation
func (s *WorkspaceService) Submit(ctx context.Context, userID, text string, files []chatstate.LocalFile) (*SubmitResult, error) {
	return s.Pipeline(ctx, userID).Send(ctx, text, files)
}

// Subscribe streams the user's state events
func (s *WorkspaceService) Subscribe(ctx context.Context, userID string) (<-chan chatstate.Event, func()) {
	return s.Store(ctx, userID).Subscribe()
}

// Close flushes every user's state
func (s *WorkspaceService) Close() {
	s.hub.Close()
}
