package chatstate

import (
	"sort"
	"sync"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
)

// Registry is the user's conversation list, newest first
type Registry struct {
	mu       sync.RWMutex
	items    []domain.ConversationSummary
	onChange func()
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Upsert replaces the summary with the same id or prepends a new one,
// then re-sorts by UpdatedAt descending.
func (r *Registry) Upsert(summary domain.ConversationSummary) {
	r.mu.Lock()
	replaced := false
	for i := range r.items {
		if r.items[i].ConversationID == summary.ConversationID {
			r.items[i] = summary
			replaced = true
			break
		}
	}
	if !replaced {
		r.items = append([]domain.ConversationSummary{summary}, r.items...)
	}
	sortSummaries(r.items)
	r.mu.Unlock()
	r.changed()
}

// SetAll replaces the whole list
func (r *Registry) SetAll(summaries []domain.ConversationSummary) {
	items := append([]domain.ConversationSummary{}, summaries...)
	sortSummaries(items)
	r.mu.Lock()
	r.items = items
	r.mu.Unlock()
	r.changed()
}

// List returns a copy of the ordered list
func (r *Registry) List() []domain.ConversationSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.ConversationSummary{}, r.items...)
}

// Get looks up a summary by conversation id
func (r *Registry) Get(conversationID string) (domain.ConversationSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.items {
		if s.ConversationID == conversationID {
			return s, true
		}
	}
	return domain.ConversationSummary{}, false
}

// Len returns the number of conversations
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

func sortSummaries(items []domain.ConversationSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
}
