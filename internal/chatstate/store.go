package chatstate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DraftPrefix marks conversation keys that have no provider id yet
const DraftPrefix = "draft-"

const (
	subscriberBuffer = 32
	saveTimeout      = 5 * time.Second
)

// IsDraft reports whether key belongs to a conversation not yet known to the provider
func IsDraft(key string) bool {
	return strings.HasPrefix(key, DraftPrefix)
}

// NewDraftKey returns a fresh draft conversation key
func NewDraftKey() string {
	return DraftPrefix + uuid.NewString()
}

// EventType identifies what changed in a store
type EventType string

const (
	EventTimeline  EventType = "timeline"
	EventResources EventType = "resources"
	EventRegistry  EventType = "registry"
	EventActive    EventType = "active"
	EventNavigate  EventType = "navigate"
)

// Event is a change notification delivered to subscribers
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Path           string    `json:"path,omitempty"`
	At             time.Time `json:"at"`
}

// View is the read model of the active conversation
type View struct {
	UserID             string                       `json:"user_id"`
	ActiveConversation string                       `json:"active_conversation"`
	Draft              bool                         `json:"draft"`
	Messages           []domain.Message             `json:"messages"`
	Resources          []domain.ResourceCitation    `json:"resources"`
	Conversations      []domain.ConversationSummary `json:"conversations"`
}

// Option configures a Store
type Option func(*Store)

// WithPersister mirrors the given slices to p after every change
func WithPersister(p Persister, slices SliceSet) Option {
	return func(s *Store) {
		s.persister = p
		s.slices = slices
	}
}

// WithClock overrides the time source used for message timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is one user's conversational state: a timeline per conversation key,
// the resource cache, the conversation registry and the active conversation.
type Store struct {
	userID string

	mu        sync.RWMutex
	active    string
	timelines map[string]*Timeline
	resources *ResourceCache
	registry  *Registry
	now       func() time.Time

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	persister Persister
	slices    SliceSet
	dirty     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStore creates a store whose active conversation is a fresh draft
func NewStore(userID string, opts ...Option) *Store {
	s := &Store{
		userID:    userID,
		timelines: make(map[string]*Timeline),
		resources: NewResourceCache(),
		registry:  NewRegistry(),
		now:       time.Now,
		subs:      make(map[int]*subscriber),
		slices:    SliceSet{},
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.resources.onChange = func(id string) {
		s.emit(Event{Type: EventResources, ConversationID: id}, SliceResources)
	}
	s.registry.onChange = func() {
		s.emit(Event{Type: EventRegistry}, SliceRegistry)
	}

	s.active = NewDraftKey()
	s.timelines[s.active] = s.newTimeline(s.active)
	return s
}

// Start launches the background persistence loop
func (s *Store) Start() {
	if s.persister == nil {
		return
	}
	s.wg.Add(1)
	go s.persistLoop()
}

// UserID returns the owner of the store
func (s *Store) UserID() string {
	return s.userID
}

// Active returns the key of the conversation currently shown
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Timeline returns the timeline for key, creating it when missing
func (s *Store) Timeline(key string) *Timeline {
	s.mu.RLock()
	t, ok := s.timelines[key]
	s.mu.RUnlock()
	if ok {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timelines[key]; ok {
		return t
	}
	t = s.newTimeline(key)
	s.timelines[key] = t
	return t
}

// Resources returns the resource cache
func (s *Store) Resources() *ResourceCache {
	return s.resources
}

// Registry returns the conversation registry
func (s *Store) Registry() *Registry {
	return s.registry
}

// SetActive switches the shown conversation
func (s *Store) SetActive(key string) {
	s.Timeline(key)
	s.mu.Lock()
	changed := s.active != key
	s.active = key
	s.mu.Unlock()
	if changed {
		s.emit(Event{Type: EventActive, ConversationID: key}, SliceTimeline)
	}
}

// NewConversation starts a fresh draft and makes it active. Empty drafts
// left behind are dropped; drafts with messages stay so that in-flight
// replies still land.
func (s *Store) NewConversation() string {
	key := NewDraftKey()
	s.mu.Lock()
	for k, t := range s.timelines {
		if IsDraft(k) && t.Len() == 0 {
			delete(s.timelines, k)
		}
	}
	s.timelines[key] = s.newTimeline(key)
	s.active = key
	s.mu.Unlock()

	s.emit(Event{Type: EventActive, ConversationID: key}, SliceTimeline)
	return key
}

// Open hydrates a conversation from history, primes its resource cache
// and makes it active. Messages of submissions still awaiting their reply
// are kept after the loaded history.
func (s *Store) Open(conversationID string, history []domain.Message) {
	s.Timeline(conversationID).Hydrate(history)
	if latest := ExtractLatest(history); len(latest) > 0 {
		s.resources.Set(conversationID, latest)
	} else {
		s.resources.Clear(conversationID)
	}
	s.SetActive(conversationID)
}

// Adopt moves a draft timeline and its cached resources to the provider id.
// It reports whether the draft was still active and has been replaced.
// A draft already adopted by an earlier reply leaves the target untouched.
func (s *Store) Adopt(draftKey, conversationID string) bool {
	if draftKey == conversationID {
		return false
	}

	s.mu.Lock()
	t, ok := s.timelines[draftKey]
	existing, hasExisting := s.timelines[conversationID]
	switch {
	case !ok && hasExisting:
		s.mu.Unlock()
		return false
	case !ok:
		t = s.newTimeline(conversationID)
	case hasExisting && existing != t:
		existing.appendAll(t.Messages())
		t = existing
	}
	delete(s.timelines, draftKey)
	t.rekey(conversationID)
	s.timelines[conversationID] = t
	becameActive := s.active == draftKey
	if becameActive {
		s.active = conversationID
	}
	s.mu.Unlock()

	s.resources.Rekey(draftKey, conversationID)
	s.emit(Event{Type: EventTimeline, ConversationID: conversationID}, SliceTimeline)
	if becameActive {
		s.emit(Event{Type: EventActive, ConversationID: conversationID}, SliceTimeline)
	}
	return becameActive
}

// Navigate tells observers to move to path
func (s *Store) Navigate(path string) {
	s.publish(Event{Type: EventNavigate, Path: path})
}

// View returns the read model of the active conversation
func (s *Store) View() View {
	active := s.Active()
	resources, _ := s.resources.Get(active)
	if resources == nil {
		resources = []domain.ResourceCitation{}
	}
	return View{
		UserID:             s.userID,
		ActiveConversation: active,
		Draft:              IsDraft(active),
		Messages:           s.Timeline(active).Messages(),
		Resources:          resources,
		Conversations:      s.registry.List(),
	}
}

// subscriber closes its channel once, whether it leaves or the store closes
type subscriber struct {
	ch   chan Event
	once sync.Once
}

func (sub *subscriber) close() {
	sub.once.Do(func() { close(sub.ch) })
}

// Subscribe registers a change listener. Events are dropped for a
// subscriber whose buffer is full. Call the returned func to unsubscribe;
// it is safe to call after Close.
func (s *Store) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.subMu.Unlock()

	return sub.ch, func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
		sub.close()
	}
}

// Snapshot returns the configured slices in durable form
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{SavedAt: s.now()}
	if s.slices[SliceTimeline] {
		s.mu.RLock()
		snap.ActiveConversation = s.active
		snap.Timelines = make(map[string][]domain.Message, len(s.timelines))
		for k, t := range s.timelines {
			snap.Timelines[k] = t.Messages()
		}
		s.mu.RUnlock()
	}
	if s.slices[SliceRegistry] {
		snap.Registry = s.registry.List()
	}
	if s.slices[SliceResources] {
		snap.Resources = s.resources.All()
	}
	return snap
}

// Restore loads a previously saved snapshot. Slices that are not configured
// are ignored.
func (s *Store) Restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	if s.slices[SliceRegistry] && snap.Registry != nil {
		s.registry.SetAll(snap.Registry)
	}
	if s.slices[SliceResources] && snap.Resources != nil {
		s.resources.load(snap.Resources)
	}
	if s.slices[SliceTimeline] {
		for k, msgs := range snap.Timelines {
			s.Timeline(k).ReplaceAll(msgs)
		}
		if _, ok := snap.Timelines[snap.ActiveConversation]; ok {
			s.SetActive(snap.ActiveConversation)
		}
	}
	// restoring is not a change worth writing back
	select {
	case <-s.dirty:
	default:
	}
}

// Flush writes the snapshot synchronously
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Save(ctx, s.userID, s.Snapshot())
}

// Close stops the persistence loop after a final save of pending changes
// and closes all subscriber channels.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.subMu.Lock()
		for id, sub := range s.subs {
			delete(s.subs, id)
			sub.close()
		}
		s.subMu.Unlock()
	})
}

func (s *Store) newTimeline(key string) *Timeline {
	t := NewTimeline(key, s.resources)
	t.now = s.now
	t.onChange = func(id string) {
		s.emit(Event{Type: EventTimeline, ConversationID: id}, SliceTimeline)
	}
	return t
}

func (s *Store) emit(ev Event, slice Slice) {
	s.publish(ev)
	if s.persister != nil && s.slices[slice] {
		select {
		case s.dirty <- struct{}{}:
		default:
		}
	}
}

func (s *Store) publish(ev Event) {
	ev.At = s.now()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (s *Store) persistLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.dirty:
			s.save()
		case <-s.done:
			select {
			case <-s.dirty:
				s.save()
			default:
			}
			return
		}
	}
}

func (s *Store) save() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.persister.Save(ctx, s.userID, s.Snapshot()); err != nil {
		log.Error().Err(err).Str("user_id", s.userID).Msg("failed to persist chat state")
	}
}
