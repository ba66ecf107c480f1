package chatstate

import (
	"sync"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
)

// ResourceCache keeps the latest retrieval citations per conversation.
// Entries are overwritten wholesale, never merged.
type ResourceCache struct {
	mu       sync.RWMutex
	entries  map[string][]domain.ResourceCitation
	onChange func(conversationID string)
}

// NewResourceCache creates an empty cache
func NewResourceCache() *ResourceCache {
	return &ResourceCache{entries: make(map[string][]domain.ResourceCitation)}
}

// Set replaces the citations cached for a conversation
func (c *ResourceCache) Set(conversationID string, resources []domain.ResourceCitation) {
	c.mu.Lock()
	c.entries[conversationID] = append([]domain.ResourceCitation{}, resources...)
	c.mu.Unlock()
	c.changed(conversationID)
}

// Get returns the cached citations. An absent entry is a valid state.
func (c *ResourceCache) Get(conversationID string) ([]domain.ResourceCitation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[conversationID]
	if !ok {
		return nil, false
	}
	return append([]domain.ResourceCitation{}, res...), true
}

// Clear drops the entry for a conversation
func (c *ResourceCache) Clear(conversationID string) {
	c.mu.Lock()
	_, ok := c.entries[conversationID]
	delete(c.entries, conversationID)
	c.mu.Unlock()
	if ok {
		c.changed(conversationID)
	}
}

// Rekey moves an entry from a draft key to the provider-assigned id
func (c *ResourceCache) Rekey(from, to string) {
	if from == to {
		return
	}
	c.mu.Lock()
	res, ok := c.entries[from]
	if ok {
		delete(c.entries, from)
		c.entries[to] = res
	}
	c.mu.Unlock()
	if ok {
		c.changed(to)
	}
}

// All returns a copy of every entry
func (c *ResourceCache) All() map[string][]domain.ResourceCitation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]domain.ResourceCitation, len(c.entries))
	for k, v := range c.entries {
		out[k] = append([]domain.ResourceCitation{}, v...)
	}
	return out
}

func (c *ResourceCache) load(entries map[string][]domain.ResourceCitation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range entries {
		c.entries[k] = append([]domain.ResourceCitation{}, v...)
	}
}

func (c *ResourceCache) changed(conversationID string) {
	if c.onChange != nil {
		c.onChange(conversationID)
	}
}

// ExtractLatest returns the citations of the most recent assistant message
// that has any, or an empty slice.
func ExtractLatest(messages []domain.Message) []domain.ResourceCitation {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == domain.RoleAssistant && len(m.Resources) > 0 {
			return append([]domain.ResourceCitation{}, m.Resources...)
		}
	}
	return []domain.ResourceCitation{}
}
