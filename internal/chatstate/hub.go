package chatstate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Hub owns one Store per user for the lifetime of the process
type Hub struct {
	mu        sync.Mutex
	stores    map[string]*Store
	persister Persister
	slices    SliceSet
	now       func() time.Time
}

// NewHub creates a hub. persister may be nil, in which case nothing is mirrored.
func NewHub(persister Persister, slices SliceSet) *Hub {
	if slices == nil {
		slices = SliceSet{}
	}
	return &Hub{
		stores:    make(map[string]*Store),
		persister: persister,
		slices:    slices,
		now:       time.Now,
	}
}

// Get returns the user's store, restoring it from the persister on first use.
// created is true when the store did not exist before this call.
func (h *Hub) Get(ctx context.Context, userID string) (store *Store, created bool) {
	h.mu.Lock()
	if s, ok := h.stores[userID]; ok {
		h.mu.Unlock()
		return s, false
	}
	h.mu.Unlock()

	opts := []Option{WithClock(h.now)}
	if h.persister != nil && len(h.slices) > 0 {
		opts = append(opts, WithPersister(h.persister, h.slices))
	}
	s := NewStore(userID, opts...)

	if s.persister != nil {
		snap, err := h.persister.Load(ctx, userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("failed to restore chat state")
		} else {
			s.Restore(snap)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.stores[userID]; ok {
		// lost a race with a concurrent first request
		return existing, false
	}
	s.Start()
	h.stores[userID] = s
	return s, true
}

// Restored reports whether slice is mirrored, and therefore may have been
// restored from durable storage.
func (h *Hub) Restored(slice Slice) bool {
	return h.persister != nil && h.slices[slice]
}

// Close flushes and closes every store
func (h *Hub) Close() {
	h.mu.Lock()
	stores := h.stores
	h.stores = make(map[string]*Store)
	h.mu.Unlock()

	for _, s := range stores {
		s.Close()
	}
}
