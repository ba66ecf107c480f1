package llm

import (
	"context"
	"fmt"
	"io"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
)

// FileRef points the provider at a previously uploaded file
type FileRef struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
	URL            string `json:"url,omitempty"`
}

// Request contains chat generation parameters
type Request struct {
	Query          string
	ConversationID string
	UserID         string
	Files          []FileRef
	Inputs         map[string]any
	// History is used by providers that do not keep server-side conversations
	History []domain.Message
}

// Response contains the chat generation result
type Response struct {
	MessageID      string
	ConversationID string
	Answer         string
	Resources      []domain.ResourceCitation
	Usage          domain.Usage
	Model          string
	LatencyMs      int64
}

// Provider defines the interface for chat providers
type Provider interface {
	// Name returns the provider identifier
	Name() string

	// AvailableModels returns list of supported models
	AvailableModels() []string

	// DefaultModel returns the default model
	DefaultModel() string

	// IsConfigured checks if provider has valid credentials
	IsConfigured() bool

	// Chat sends one user turn and waits for the full answer
	Chat(ctx context.Context, req Request, model string) (*Response, error)
}

// StreamProvider is implemented by providers that can stream answers.
// onAnswer receives the cumulative answer text after every chunk.
type StreamProvider interface {
	Provider
	ChatStream(ctx context.Context, req Request, model string, onAnswer func(answer string)) (*Response, error)
}

// ConversationKeeper is implemented by providers that store conversation
// history themselves, so callers need not replay it in Request.History.
type ConversationKeeper interface {
	KeepsConversations() bool
}

// FileUpload is a file to hand to the provider
type FileUpload struct {
	UserID   string
	FileName string
	MimeType string
	Data     []byte
}

// UploadedFile is the provider's record of an uploaded file
type UploadedFile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	URL       string `json:"url,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// FileUploader is implemented by providers that accept file attachments
type FileUploader interface {
	UploadFile(ctx context.Context, file FileUpload) (*UploadedFile, error)
}

// WorkflowRunner is implemented by providers that host runnable workflows
type WorkflowRunner interface {
	// RunWorkflow starts a streaming run and returns the raw event stream
	RunWorkflow(ctx context.Context, inputs map[string]any, userID string) (io.ReadCloser, error)
	// RunWorkflowBlocking waits for the run to finish and returns its outputs
	RunWorkflowBlocking(ctx context.Context, inputs map[string]any, userID string) (*WorkflowResult, error)
	StopWorkflow(ctx context.Context, taskID, userID string) error
}

// WorkflowResult is a finished workflow run
type WorkflowResult struct {
	WorkflowRunID string         `json:"workflow_run_id"`
	TaskID        string         `json:"task_id"`
	Status        string         `json:"status"`
	Outputs       map[string]any `json:"outputs"`
	// Output is the conventional "output" variable, when the workflow sets one
	Output      string  `json:"output"`
	Error       string  `json:"error,omitempty"`
	ElapsedTime float64 `json:"elapsed_time"`
	TotalTokens int64   `json:"total_tokens"`
}

// ProviderError is a non-2xx answer from a provider API
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}
