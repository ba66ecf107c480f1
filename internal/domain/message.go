package domain

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

// MessageRole represents the sender of a message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one entry of a conversation timeline
type Message struct {
	ID          string             `json:"id"`
	Role        MessageRole        `json:"role"`
	Content     string             `json:"content"`
	Resources   []ResourceCitation `json:"resources,omitempty"`
	Attachments []Attachment       `json:"attachments,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Clone returns a deep copy so callers never share slices with a timeline.
func (m Message) Clone() Message {
	out := m
	if m.Resources != nil {
		out.Resources = make([]ResourceCitation, len(m.Resources))
		copy(out.Resources, m.Resources)
	}
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		copy(out.Attachments, m.Attachments)
	}
	return out
}

// Attachment is a file attached to a user message.
// LocalID is assigned when the file is staged; PersistentID and URL are
// filled in once the provider confirms the upload.
type Attachment struct {
	LocalID      string `json:"local_id"`
	PersistentID string `json:"persistent_id,omitempty"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	FileType     string `json:"file_type"`
	URL          string `json:"url,omitempty"`
}

// Reconciled reports whether the provider has confirmed this attachment
func (a Attachment) Reconciled() bool {
	return a.PersistentID != ""
}

// ResourceCitation is a retrieved knowledge-base excerpt backing an answer
type ResourceCitation struct {
	DocumentName    string  `json:"document_name"`
	SegmentPosition int     `json:"segment_position"`
	Content         string  `json:"content"`
	Score           float64 `json:"score"`
	DatasetName     string  `json:"dataset_name,omitempty"`
	DocumentID      string  `json:"document_id,omitempty"`
	SegmentID       string  `json:"segment_id,omitempty"`
}

// DisplayScore clamps the raw score into [0,1]. The stored score is never modified.
func (r ResourceCitation) DisplayScore() float64 {
	switch {
	case math.IsNaN(r.Score) || r.Score < 0:
		return 0
	case r.Score > 1:
		return 1
	default:
		return r.Score
	}
}

// ScorePercent returns the display score as a rounded percentage
func (r ResourceCitation) ScorePercent() int {
	return int(math.Round(r.DisplayScore() * 100))
}

// StoredMessage is a message row in the relational store
type StoredMessage struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Role           MessageRole     `json:"role"`
	Content        string          `json:"content"`
	Metadata       MessageMetadata `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MessageMetadata is the JSON document kept next to a stored message
type MessageMetadata struct {
	ProviderMessageID string             `json:"provider_message_id,omitempty"`
	Usage             *Usage             `json:"usage,omitempty"`
	Resources         []ResourceCitation `json:"resources,omitempty"`
	Attachments       []Attachment       `json:"attachments,omitempty"`
}

// ToMessage converts a stored row into a timeline message
func (m StoredMessage) ToMessage() Message {
	return Message{
		ID:          m.ID.String(),
		Role:        m.Role,
		Content:     m.Content,
		Resources:   m.Metadata.Resources,
		Attachments: m.Metadata.Attachments,
		CreatedAt:   m.CreatedAt,
	}
}

// MessageRepository defines the interface for message storage
type MessageRepository interface {
	ListByConversation(ctx context.Context, conversationID uuid.UUID, limit int) ([]StoredMessage, error)
}
