package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
	"github.com/rs/zerolog/log"
)

// ApologyText replaces the answer when the remote assistant fails
const ApologyText = "An error occurred while sending your message. Please try again."

// Outcome is the terminal state of a submission
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// SubmitResult describes a finished submission
type SubmitResult struct {
	Outcome            Outcome `json:"outcome"`
	ConversationID     string  `json:"conversation_id"`
	UserMessageID      string  `json:"user_message_id"`
	AssistantMessageID string  `json:"assistant_message_id"`
	// Navigated is true when the submission adopted a new conversation that is now shown
	Navigated bool `json:"navigated"`
}

// PipelineOption configures a SendPipeline
type PipelineOption func(*SendPipeline)

// WithStreaming answers through s instead of the blocking replier
func WithStreaming(s StreamReplier) PipelineOption {
	return func(p *SendPipeline) { p.streamer = s }
}

// WithUploader sends staged files to the provider before the reply
func WithUploader(u Uploader) PipelineOption {
	return func(p *SendPipeline) { p.uploader = u }
}

// WithUsageGate refuses submissions over the user's plan limits
func WithUsageGate(g UsageGate) PipelineOption {
	return func(p *SendPipeline) { p.gate = g }
}

// WithFileLimits replaces the default attachment count and size limits
func WithFileLimits(l chatstate.FileLimits) PipelineOption {
	return func(p *SendPipeline) { p.limits = l }
}

// WithPipelineClock overrides the time source for local ids and summaries
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *SendPipeline) { p.now = now }
}

// SendPipeline turns one user submission into an optimistic user message,
// a remote reply and the resulting assistant message, for one user's store.
type SendPipeline struct {
	store    *chatstate.Store
	replier  Replier
	streamer StreamReplier
	uploader Uploader
	gate     UsageGate
	limits   chatstate.FileLimits
	now      func() time.Time

	mu     sync.Mutex
	input  string
	staged []chatstate.LocalFile

	inFlight atomic.Int32
}

// NewSendPipeline creates a pipeline writing into store
func NewSendPipeline(store *chatstate.Store, replier Replier, opts ...PipelineOption) *SendPipeline {
	p := &SendPipeline{
		store:   store,
		replier: replier,
		limits:  chatstate.DefaultFileLimits,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetInput replaces the composer text
func (p *SendPipeline) SetInput(text string) {
	p.mu.Lock()
	p.input = text
	p.mu.Unlock()
}

func (p *SendPipeline) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input
}

// Stage adds files to the next submission
func (p *SendPipeline) Stage(files ...chatstate.LocalFile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := append(append([]chatstate.LocalFile{}, p.staged...), files...)
	if err := chatstate.ValidateLocalFiles(next, p.limits); err != nil {
		return err
	}
	p.staged = next
	return nil
}

// Staged returns the files waiting for the next submission
func (p *SendPipeline) Staged() []chatstate.LocalFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chatstate.LocalFile{}, p.staged...)
}

// InFlight is the number of submissions awaiting their reply
func (p *SendPipeline) InFlight() int {
	return int(p.inFlight.Load())
}

// Submit sends the composer contents
func (p *SendPipeline) Submit(ctx context.Context) (*SubmitResult, error) {
	p.mu.Lock()
	text, files := p.input, append([]chatstate.LocalFile{}, p.staged...)
	p.mu.Unlock()
	return p.send(ctx, text, files, true)
}

// Send submits text and files directly, bypassing the composer buffer
func (p *SendPipeline) Send(ctx context.Context, text string, files []chatstate.LocalFile) (*SubmitResult, error) {
	return p.send(ctx, text, files, false)
}

func (p *SendPipeline) send(ctx context.Context, text string, files []chatstate.LocalFile, fromComposer bool) (*SubmitResult, error) {
	if strings.TrimSpace(text) == "" && len(files) == 0 {
		return nil, domain.ErrEmptySubmission
	}
	if err := chatstate.ValidateLocalFiles(files, p.limits); err != nil {
		return nil, err
	}
	userID := p.store.UserID()
	if err := p.checkUsage(ctx, userID, len(files)); err != nil {
		return nil, err
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	// the reply must land even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	key := p.store.Active()
	startedWith := ""
	if !chatstate.IsDraft(key) {
		startedWith = key
	}
	tl := p.store.Timeline(key)

	staged := chatstate.StageLocalFiles(files, p.now())
	userMsgID := tl.Append(domain.Message{
		Role:        domain.RoleUser,
		Content:     text,
		Attachments: staged,
	})
	tl.Hold(userMsgID)
	defer tl.Release(userMsgID)
	if fromComposer {
		p.clearComposer()
	}

	req := ReplyRequest{
		Text:           text,
		ConversationID: startedWith,
		UserID:         userID,
		Attachments:    p.upload(ctx, userID, files),
	}

	logger := log.With().Str("user_id", userID).Str("conversation_key", key).Logger()

	var placeholderID string
	var result *ReplyResult
	var err error
	if p.streamer != nil {
		result, err = p.streamer.ReplyStream(ctx, req, func(cumulative string) {
			if placeholderID == "" {
				placeholderID = tl.Append(domain.Message{Role: domain.RoleAssistant, Content: cumulative})
				tl.Hold(placeholderID)
				return
			}
			tl.UpdateContent(placeholderID, cumulative)
		})
	} else {
		result, err = p.replier.Reply(ctx, req)
	}
	if placeholderID != "" {
		defer tl.Release(placeholderID)
	}
	if err == nil && result == nil {
		err = errors.New("empty reply")
	}

	if err != nil {
		logger.Error().Err(err).Msg("reply failed")
		assistantID := placeholderID
		if assistantID != "" {
			tl.UpdateContent(assistantID, ApologyText)
		} else {
			assistantID = tl.Append(domain.Message{Role: domain.RoleAssistant, Content: ApologyText})
		}
		return &SubmitResult{
			Outcome:            OutcomeFailure,
			ConversationID:     tl.ConversationID(),
			UserMessageID:      userMsgID,
			AssistantMessageID: assistantID,
		}, nil
	}

	if len(staged) > 0 && len(result.ConfirmedAttachments) > 0 {
		tl.ReconcileAttachments(userMsgID, result.ConfirmedAttachments)
	}

	resources := result.Resources
	if resources == nil {
		resources = []domain.ResourceCitation{}
	}
	assistantID := placeholderID
	if assistantID != "" {
		tl.UpdateContent(assistantID, result.AnswerText)
		tl.SetResources(assistantID, resources)
	} else {
		assistantID = tl.Append(domain.Message{
			Role:      domain.RoleAssistant,
			Content:   result.AnswerText,
			Resources: resources,
		})
		tl.Hold(assistantID)
		defer tl.Release(assistantID)
	}

	conversationID, navigated := p.settle(key, startedWith, result.ConversationID, text)
	if result.PersistError != "" {
		logger.Warn().Str("error", result.PersistError).Msg("reply delivered but not stored")
	}

	return &SubmitResult{
		Outcome:            OutcomeSuccess,
		ConversationID:     conversationID,
		UserMessageID:      userMsgID,
		AssistantMessageID: assistantID,
		Navigated:          navigated,
	}, nil
}

func (p *SendPipeline) checkUsage(ctx context.Context, userID string, fileCount int) error {
	if p.gate == nil {
		return nil
	}
	decision, err := p.gate.CanSend(ctx, userID, fileCount)
	if err != nil {
		// an unreachable usage store must not block chatting
		log.Warn().Err(err).Str("user_id", userID).Msg("usage check failed, allowing submission")
		return nil
	}
	if !decision.Allowed || (fileCount > 0 && decision.UploadsDisabled) {
		return fmt.Errorf("%w: %s", domain.ErrUsageLimit, decision.Reason)
	}
	return nil
}

func (p *SendPipeline) clearComposer() {
	p.mu.Lock()
	p.input = ""
	p.staged = nil
	p.mu.Unlock()
}

// upload sends each file to the provider. The result is positional: a
// failed upload leaves an entry with an empty UploadRef.
func (p *SendPipeline) upload(ctx context.Context, userID string, files []chatstate.LocalFile) []AttachmentRef {
	if len(files) == 0 {
		return nil
	}
	refs := make([]AttachmentRef, len(files))
	for i, f := range files {
		refs[i] = newAttachmentRef(f)
		if p.uploader == nil {
			continue
		}
		up, err := p.uploader.Upload(ctx, llm.FileUpload{
			UserID:   userID,
			FileName: f.Name,
			MimeType: f.Type,
			Data:     f.Data,
		})
		if err != nil {
			log.Warn().Err(err).Str("file", f.Name).Msg("file upload failed")
			continue
		}
		if up != nil {
			refs[i].UploadRef = up.ID
			refs[i].URL = up.URL
		}
	}
	return refs
}

// settle records the conversation in the registry and adopts a draft that
// received its provider id. It returns the conversation's key and whether
// observers were sent to it.
func (p *SendPipeline) settle(key, startedWith, returned, text string) (string, bool) {
	now := p.now()
	registry := p.store.Registry()

	if startedWith == "" {
		if returned == "" {
			return key, false
		}
		becameActive := p.store.Adopt(key, returned)
		summary, ok := registry.Get(returned)
		if !ok {
			// the title is derived once, from the submission that created the conversation
			summary = domain.ConversationSummary{ConversationID: returned, Title: domain.DeriveTitle(text)}
		}
		summary.UpdatedAt = now
		registry.Upsert(summary)
		if becameActive {
			p.store.Navigate("/chat/" + returned)
		}
		return returned, becameActive
	}

	summary, ok := registry.Get(startedWith)
	if !ok {
		summary = domain.ConversationSummary{ConversationID: startedWith, Title: domain.DeriveTitle(text)}
	}
	summary.UpdatedAt = now
	registry.Upsert(summary)
	return startedWith, false
}

func newAttachmentRef(f chatstate.LocalFile) AttachmentRef {
	size := f.Size
	if size == 0 {
		size = int64(len(f.Data))
	}
	return AttachmentRef{
		Category:       chatstate.Categorize(f.Type),
		TransferMethod: TransferLocalFile,
		FileName:       f.Name,
		MimeType:       f.Type,
		FileSize:       size,
	}
}
