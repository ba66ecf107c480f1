package chatstate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
)

// Slice names a part of the store that may be mirrored to durable storage
type Slice string

const (
	SliceTimeline  Slice = "timeline"
	SliceRegistry  Slice = "registry"
	SliceResources Slice = "resources"
)

// SliceSet is the set of slices a store mirrors
type SliceSet map[Slice]bool

// ParseSlices validates configured slice names
func ParseSlices(names []string) (SliceSet, error) {
	set := SliceSet{}
	for _, n := range names {
		s := Slice(strings.ToLower(strings.TrimSpace(n)))
		switch s {
		case SliceTimeline, SliceRegistry, SliceResources:
			set[s] = true
		case "":
		default:
			return nil, fmt.Errorf("unknown persistence slice %q", n)
		}
	}
	return set, nil
}

// Snapshot is the durable form of a user's store
type Snapshot struct {
	ActiveConversation string                               `json:"active_conversation,omitempty"`
	Timelines          map[string][]domain.Message          `json:"timelines,omitempty"`
	Registry           []domain.ConversationSummary         `json:"registry,omitempty"`
	Resources          map[string][]domain.ResourceCitation `json:"resources,omitempty"`
	SavedAt            time.Time                            `json:"saved_at"`
}

// Persister loads and saves store snapshots. Load returns nil, nil when the
// user has no snapshot yet.
type Persister interface {
	Load(ctx context.Context, userID string) (*Snapshot, error)
	Save(ctx context.Context, userID string, snap *Snapshot) error
}

// EncodeSnapshot serialises a snapshot for backends that store bytes
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
