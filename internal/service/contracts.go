package service

import (
	"context"

	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
)

// TransferLocalFile marks an attachment uploaded to the provider beforehand
const TransferLocalFile = "local_file"

// AttachmentRef is one attachment of a reply request. UploadRef is empty
// when the upload failed; position still matches the staged attachment.
type AttachmentRef struct {
	Category       chatstate.FileCategory `json:"category"`
	TransferMethod string                 `json:"transfer_method"`
	UploadRef      string                 `json:"upload_ref,omitempty"`
	URL            string                 `json:"url,omitempty"`
	FileName       string                 `json:"file_name,omitempty"`
	MimeType       string                 `json:"mime_type,omitempty"`
	FileSize       int64                  `json:"file_size,omitempty"`
}

// ReplyRequest is one user turn sent to the remote assistant
type ReplyRequest struct {
	Text           string
	ConversationID string
	UserID         string
	Attachments    []AttachmentRef
}

// ReplyResult is the assistant's answer to a ReplyRequest
type ReplyResult struct {
	MessageID            string
	AnswerText           string
	ConversationID       string
	Resources            []domain.ResourceCitation
	ConfirmedAttachments []chatstate.ConfirmedAttachment
	Usage                domain.Usage
	// PersistError is set when the reply succeeded but could not be stored
	PersistError string
}

// Replier answers a user turn in one round trip
type Replier interface {
	Reply(ctx context.Context, req ReplyRequest) (*ReplyResult, error)
}

// StreamReplier answers a user turn incrementally. onChunk receives the
// cumulative answer text.
type StreamReplier interface {
	ReplyStream(ctx context.Context, req ReplyRequest, onChunk func(cumulative string)) (*ReplyResult, error)
}

// Uploader hands a staged file to the provider. A result with an empty ID
// is a valid, non-fatal outcome.
type Uploader interface {
	Upload(ctx context.Context, file llm.FileUpload) (*llm.UploadedFile, error)
}

// ConversationLister lists the user's known conversations
type ConversationLister interface {
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
}

// HistoryLoader loads a conversation's stored messages
type HistoryLoader interface {
	LoadHistory(ctx context.Context, userID, conversationID string) ([]domain.Message, error)
}

// UsageDecision is the verdict of a usage check
type UsageDecision struct {
	Allowed         bool   `json:"allowed"`
	UploadsDisabled bool   `json:"uploads_disabled"`
	Reason          string `json:"reason,omitempty"`
}

// UsageGate decides whether a user may submit now
type UsageGate interface {
	CanSend(ctx context.Context, userID string, fileCount int) (UsageDecision, error)
}

// UsageRecorder counts consumed allowance
type UsageRecorder interface {
	RecordMessage(ctx context.Context, userID string, tokens int64) error
	RecordUploads(ctx context.Context, userID string, count int) error
}
