package chatstate

import (
	"testing"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceCache(t *testing.T) {
	t.Run("set overwrites wholesale", func(t *testing.T) {
		cache := NewResourceCache()
		r1 := []domain.ResourceCitation{{DocumentName: "a"}, {DocumentName: "b"}}
		r2 := []domain.ResourceCitation{{DocumentName: "c"}}

		cache.Set("c1", r1)
		cache.Set("c1", r2)

		got, ok := cache.Get("c1")
		require.True(t, ok)
		assert.Equal(t, r2, got)
	})

	t.Run("absent entry", func(t *testing.T) {
		cache := NewResourceCache()
		got, ok := cache.Get("nope")
		assert.False(t, ok)
		assert.Nil(t, got)
	})

	t.Run("empty set is present", func(t *testing.T) {
		cache := NewResourceCache()
		cache.Set("c1", nil)
		got, ok := cache.Get("c1")
		assert.True(t, ok)
		assert.Empty(t, got)
	})

	t.Run("clear and rekey", func(t *testing.T) {
		cache := NewResourceCache()
		cache.Set("draft-1", []domain.ResourceCitation{{DocumentName: "a"}})

		cache.Rekey("draft-1", "c9")
		_, ok := cache.Get("draft-1")
		assert.False(t, ok)
		got, ok := cache.Get("c9")
		assert.True(t, ok)
		assert.Equal(t, "a", got[0].DocumentName)

		cache.Clear("c9")
		_, ok = cache.Get("c9")
		assert.False(t, ok)
	})
}

func TestExtractLatest(t *testing.T) {
	tests := []struct {
		name     string
		messages []domain.Message
		want     []domain.ResourceCitation
	}{
		{
			name:     "no messages",
			messages: nil,
			want:     []domain.ResourceCitation{},
		},
		{
			name: "no assistant resources",
			messages: []domain.Message{
				{Role: domain.RoleUser, Content: "q"},
				{Role: domain.RoleAssistant, Content: "a"},
			},
			want: []domain.ResourceCitation{},
		},
		{
			name: "latest non-empty wins over trailing empty",
			messages: []domain.Message{
				{Role: domain.RoleAssistant, Resources: []domain.ResourceCitation{{DocumentName: "old"}}},
				{Role: domain.RoleAssistant, Resources: []domain.ResourceCitation{{DocumentName: "new"}}},
				{Role: domain.RoleUser, Content: "q"},
				{Role: domain.RoleAssistant, Content: "no citations"},
			},
			want: []domain.ResourceCitation{{DocumentName: "new"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractLatest(tt.messages))
		})
	}
}

func TestRegistry_Upsert(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("existing id moves to front with fresh timestamp", func(t *testing.T) {
		r := NewRegistry()
		r.SetAll([]domain.ConversationSummary{
			{ConversationID: "A", Title: "a", UpdatedAt: base.Add(3 * time.Minute)},
			{ConversationID: "B", Title: "b", UpdatedAt: base.Add(2 * time.Minute)},
			{ConversationID: "C", Title: "c", UpdatedAt: base.Add(1 * time.Minute)},
		})

		r.Upsert(domain.ConversationSummary{ConversationID: "C", Title: "c", UpdatedAt: base.Add(10 * time.Minute)})

		list := r.List()
		require.Len(t, list, 3)
		assert.Equal(t, []string{"C", "A", "B"}, ids(list))
	})

	t.Run("new id is inserted in order", func(t *testing.T) {
		r := NewRegistry()
		r.Upsert(domain.ConversationSummary{ConversationID: "A", UpdatedAt: base.Add(2 * time.Minute)})
		r.Upsert(domain.ConversationSummary{ConversationID: "B", UpdatedAt: base})

		assert.Equal(t, []string{"A", "B"}, ids(r.List()))
		assert.Equal(t, 2, r.Len())
	})

	t.Run("replacement is full", func(t *testing.T) {
		r := NewRegistry()
		r.Upsert(domain.ConversationSummary{ConversationID: "A", Title: "first", UpdatedAt: base})
		r.Upsert(domain.ConversationSummary{ConversationID: "A", Title: "second", UpdatedAt: base})

		got, ok := r.Get("A")
		require.True(t, ok)
		assert.Equal(t, "second", got.Title)
		assert.Equal(t, 1, r.Len())
	})
}

func ids(list []domain.ConversationSummary) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ConversationID
	}
	return out
}
