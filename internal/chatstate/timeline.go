package chatstate

import (
	"sync"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Timeline is the ordered message list of one conversation.
// Messages are only ever appended; there is no reorder operation.
type Timeline struct {
	mu             sync.RWMutex
	conversationID string
	messages       []domain.Message
	cache          *ResourceCache
	now            func() time.Time
	onChange       func(conversationID string)
	// held messages belong to submissions still awaiting their reply
	held map[string]int
}

// NewTimeline creates an empty timeline keyed by conversationID. cache may be nil.
func NewTimeline(conversationID string, cache *ResourceCache) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		cache:          cache,
		now:            time.Now,
	}
}

// ConversationID returns the key this timeline is stored under
func (t *Timeline) ConversationID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conversationID
}

// Append adds a message, assigning an id when absent, and returns the id.
// An assistant message with citations also refreshes the resource cache.
func (t *Timeline) Append(msg domain.Message) string {
	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == domain.RoleAssistant && msg.Resources == nil {
		msg.Resources = []domain.ResourceCitation{}
	}

	t.mu.Lock()
	msg.CreatedAt = t.now()
	t.messages = append(t.messages, msg)
	key := t.conversationID
	t.mu.Unlock()

	if msg.Role == domain.RoleAssistant && len(msg.Resources) > 0 && t.cache != nil {
		t.cache.Set(key, msg.Resources)
	}
	t.changed(key)
	return msg.ID
}

// UpdateContent replaces the content of a message. Callers pass the full
// text so far, never a delta. Unknown ids are ignored.
func (t *Timeline) UpdateContent(id, content string) bool {
	t.mu.Lock()
	idx := t.indexOf(id)
	if idx < 0 {
		t.mu.Unlock()
		log.Warn().Str("message_id", id).Msg("content update for unknown message ignored")
		return false
	}
	t.messages[idx].Content = content
	key := t.conversationID
	t.mu.Unlock()

	t.changed(key)
	return true
}

// SetResources attaches citations to a streamed assistant message once the
// stream completes.
func (t *Timeline) SetResources(id string, resources []domain.ResourceCitation) bool {
	t.mu.Lock()
	idx := t.indexOf(id)
	if idx < 0 || t.messages[idx].Role != domain.RoleAssistant {
		t.mu.Unlock()
		log.Warn().Str("message_id", id).Msg("resources for unknown or non-assistant message ignored")
		return false
	}
	t.messages[idx].Resources = append([]domain.ResourceCitation{}, resources...)
	key := t.conversationID
	t.mu.Unlock()

	if len(resources) > 0 && t.cache != nil {
		t.cache.Set(key, resources)
	}
	t.changed(key)
	return true
}

// ReconcileAttachments applies the provider's upload records to a user
// message, matching by position.
func (t *Timeline) ReconcileAttachments(messageID string, records []ConfirmedAttachment) bool {
	t.mu.Lock()
	idx := t.indexOf(messageID)
	if idx < 0 {
		t.mu.Unlock()
		log.Warn().Str("message_id", messageID).Msg("attachment reconciliation target missing")
		return false
	}
	msg := &t.messages[idx]
	if msg.Role != domain.RoleUser || len(msg.Attachments) == 0 {
		t.mu.Unlock()
		log.Warn().Str("message_id", messageID).Msg("attachment reconciliation target has no attachments")
		return false
	}
	if len(records) < len(msg.Attachments) {
		log.Warn().
			Str("message_id", messageID).
			Int("attachments", len(msg.Attachments)).
			Int("records", len(records)).
			Msg("fewer upload records than attachments, trailing files stay local")
	}
	msg.Attachments = MergeServerResult(msg.Attachments, records)
	key := t.conversationID
	t.mu.Unlock()

	t.changed(key)
	return true
}

// ReplaceAll swaps the whole list, used for hydration from history
func (t *Timeline) ReplaceAll(messages []domain.Message) {
	out := make([]domain.Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	t.mu.Lock()
	t.messages = out
	key := t.conversationID
	t.mu.Unlock()
	t.changed(key)
}

// Hydrate replaces the stored part of the timeline with history. Held
// messages not present in history are kept, in their order, after it.
func (t *Timeline) Hydrate(history []domain.Message) {
	out := make([]domain.Message, 0, len(history))
	seen := make(map[string]bool, len(history))
	for _, m := range history {
		out = append(out, m.Clone())
		seen[m.ID] = true
	}

	t.mu.Lock()
	for _, m := range t.messages {
		if t.held[m.ID] > 0 && !seen[m.ID] {
			out = append(out, m)
		}
	}
	t.messages = out
	key := t.conversationID
	t.mu.Unlock()
	t.changed(key)
}

// Hold marks a message as belonging to a pending submission so that
// Hydrate keeps it. Every Hold needs a matching Release.
func (t *Timeline) Hold(id string) {
	t.mu.Lock()
	if t.held == nil {
		t.held = make(map[string]int)
	}
	t.held[id]++
	t.mu.Unlock()
}

func (t *Timeline) Release(id string) {
	t.mu.Lock()
	if t.held[id] <= 1 {
		delete(t.held, id)
	} else {
		t.held[id]--
	}
	t.mu.Unlock()
}

// appendAll moves messages from another timeline without re-stamping them
func (t *Timeline) appendAll(msgs []domain.Message) {
	if len(msgs) == 0 {
		return
	}
	t.mu.Lock()
	t.messages = append(t.messages, msgs...)
	t.mu.Unlock()
}

// Clear empties the timeline
func (t *Timeline) Clear() {
	t.ReplaceAll(nil)
}

// Find returns a copy of the message with the given id
func (t *Timeline) Find(id string) (domain.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := t.indexOf(id)
	if idx < 0 {
		return domain.Message{}, false
	}
	return t.messages[idx].Clone(), true
}

// Messages returns a copy of the list in append order
func (t *Timeline) Messages() []domain.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

func (t *Timeline) rekey(conversationID string) {
	t.mu.Lock()
	t.conversationID = conversationID
	t.mu.Unlock()
}

func (t *Timeline) indexOf(id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) changed(conversationID string) {
	if t.onChange != nil {
		t.onChange(conversationID)
	}
}
