package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 100
	defaultListLimit    = 50
)

// ChatInput is a direct chat request
type ChatInput struct {
	Query          string
	ConversationID string
	Files          []chatstate.LocalFile
}

// ChatOutput is the answer to a direct chat request
type ChatOutput struct {
	MessageID      string                    `json:"message_id"`
	ConversationID string                    `json:"conversation_id"`
	Answer         string                    `json:"answer"`
	Resources      []domain.ResourceCitation `json:"resources"`
	Files          []llm.UploadedFile        `json:"files"`
	Usage          domain.Usage              `json:"usage"`
	PersistError   string                    `json:"persist_error,omitempty"`
}

// ChatService connects chat requests to the provider and stores each turn
type ChatService struct {
	llmRouter     *llm.Router
	providerName  string
	conversations domain.ConversationRepository
	messages      domain.MessageRepository
	usage         UsageRecorder
	historyLimit  int
	listLimit     int
	now           func() time.Time
}

// NewChatService creates a new chat service. conversations, messages and
// usage may be nil, in which case nothing is stored or counted.
func NewChatService(
	llmRouter *llm.Router,
	providerName string,
	conversations domain.ConversationRepository,
	messages domain.MessageRepository,
	usage UsageRecorder,
	historyLimit, listLimit int,
) *ChatService {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	if listLimit <= 0 {
		listLimit = defaultListLimit
	}
	return &ChatService{
		llmRouter:     llmRouter,
		providerName:  providerName,
		conversations: conversations,
		messages:      messages,
		usage:         usage,
		historyLimit:  historyLimit,
		listLimit:     listLimit,
		now:           time.Now,
	}
}

// Chat uploads the files, asks the provider and stores the turn.
// A storage failure does not fail the reply.
func (s *ChatService) Chat(ctx context.Context, userID string, in ChatInput) (*ChatOutput, error) {
	if strings.TrimSpace(in.Query) == "" && len(in.Files) == 0 {
		return nil, domain.ErrEmptySubmission
	}

	uploaded := make([]llm.UploadedFile, 0, len(in.Files))
	refs := make([]AttachmentRef, 0, len(in.Files))
	for _, f := range in.Files {
		up, err := s.Upload(ctx, llm.FileUpload{UserID: userID, FileName: f.Name, MimeType: f.Type, Data: f.Data})
		if err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", f.Name, err)
		}
		uploaded = append(uploaded, *up)
		ref := newAttachmentRef(f)
		ref.UploadRef = up.ID
		ref.URL = up.URL
		refs = append(refs, ref)
	}

	staged := chatstate.StageLocalFiles(in.Files, s.now())
	result, err := s.generate(ctx, ReplyRequest{
		Text:           in.Query,
		ConversationID: in.ConversationID,
		UserID:         userID,
		Attachments:    refs,
	}, staged, nil)
	if err != nil {
		return nil, err
	}

	return &ChatOutput{
		MessageID:      result.MessageID,
		ConversationID: result.ConversationID,
		Answer:         result.AnswerText,
		Resources:      result.Resources,
		Files:          uploaded,
		Usage:          result.Usage,
		PersistError:   result.PersistError,
	}, nil
}

// Reply implements Replier
func (s *ChatService) Reply(ctx context.Context, req ReplyRequest) (*ReplyResult, error) {
	return s.generate(ctx, req, nil, nil)
}

// ReplyStream implements StreamReplier. Providers without streaming answer
// in one chunk.
func (s *ChatService) ReplyStream(ctx context.Context, req ReplyRequest, onChunk func(cumulative string)) (*ReplyResult, error) {
	if onChunk == nil {
		onChunk = func(string) {}
	}
	return s.generate(ctx, req, nil, onChunk)
}

func (s *ChatService) generate(ctx context.Context, req ReplyRequest, staged []domain.Attachment, onChunk func(string)) (*ReplyResult, error) {
	provider, err := s.llmRouter.GetProvider(s.providerName)
	if err != nil {
		return nil, err
	}

	llmReq := llm.Request{
		Query:          req.Text,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
	}
	for _, a := range req.Attachments {
		if a.UploadRef == "" {
			continue
		}
		llmReq.Files = append(llmReq.Files, llm.FileRef{
			Type:           string(a.Category),
			TransferMethod: a.TransferMethod,
			UploadFileID:   a.UploadRef,
		})
	}
	if req.ConversationID != "" && !keepsConversations(provider) {
		llmReq.History = s.replayHistory(ctx, req.UserID, req.ConversationID)
	}

	var resp *llm.Response
	if sp, ok := provider.(llm.StreamProvider); ok && onChunk != nil {
		resp, err = sp.ChatStream(ctx, llmReq, "", onChunk)
	} else {
		resp, err = provider.Chat(ctx, llmReq, "")
		if err == nil && onChunk != nil {
			onChunk(resp.Answer)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reply: %w", err)
	}

	result := &ReplyResult{
		MessageID:      resp.MessageID,
		AnswerText:     resp.Answer,
		ConversationID: resp.ConversationID,
		Resources:      resp.Resources,
		Usage:          resp.Usage,
	}
	if result.ConversationID == "" {
		result.ConversationID = req.ConversationID
	}
	if len(req.Attachments) > 0 {
		result.ConfirmedAttachments = make([]chatstate.ConfirmedAttachment, len(req.Attachments))
		for i, a := range req.Attachments {
			result.ConfirmedAttachments[i] = chatstate.ConfirmedAttachment{PersistentID: a.UploadRef, URL: a.URL}
		}
	}

	if staged == nil {
		staged = attachmentsFromRefs(req.Attachments)
	}
	if err := s.persist(ctx, req, staged, result); err != nil {
		log.Error().Err(err).
			Str("user_id", req.UserID).
			Str("conversation_id", result.ConversationID).
			Msg("failed to store chat turn")
		result.PersistError = err.Error()
	}

	if s.usage != nil {
		if err := s.usage.RecordMessage(ctx, req.UserID, resp.Usage.TotalTokens); err != nil {
			log.Error().Err(err).Str("user_id", req.UserID).Msg("failed to record message usage")
		}
	}

	log.Info().
		Str("user_id", req.UserID).
		Str("provider", provider.Name()).
		Str("conversation_id", result.ConversationID).
		Int64("tokens", resp.Usage.TotalTokens).
		Int64("latency_ms", resp.LatencyMs).
		Msg("reply generated")

	return result, nil
}

func (s *ChatService) persist(ctx context.Context, req ReplyRequest, staged []domain.Attachment, result *ReplyResult) error {
	if s.conversations == nil || result.ConversationID == "" {
		return nil
	}
	attachments := staged
	if len(result.ConfirmedAttachments) > 0 {
		attachments = chatstate.MergeServerResult(staged, result.ConfirmedAttachments)
	}
	_, err := s.conversations.SaveTurn(ctx, &domain.Turn{
		UserID:                 req.UserID,
		ProviderConversationID: result.ConversationID,
		ProviderMessageID:      result.MessageID,
		Title:                  domain.DeriveTitle(req.Text),
		Query:                  req.Text,
		Attachments:            attachments,
		Answer:                 result.AnswerText,
		Resources:              result.Resources,
		Usage:                  result.Usage,
		At:                     s.now(),
	})
	return err
}

func (s *ChatService) replayHistory(ctx context.Context, userID, conversationID string) []domain.Message {
	history, err := s.LoadHistory(ctx, userID, conversationID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to load history for replay")
	}
	return history
}

// Upload implements Uploader
func (s *ChatService) Upload(ctx context.Context, file llm.FileUpload) (*llm.UploadedFile, error) {
	provider, err := s.llmRouter.GetProvider(s.providerName)
	if err != nil {
		return nil, err
	}
	uploader, ok := provider.(llm.FileUploader)
	if !ok {
		return nil, domain.ErrUploadUnsupported
	}

	up, err := uploader.UploadFile(ctx, file)
	if err != nil {
		return nil, err
	}
	if s.usage != nil && up.ID != "" {
		if err := s.usage.RecordUploads(ctx, file.UserID, 1); err != nil {
			log.Error().Err(err).Str("user_id", file.UserID).Msg("failed to record upload usage")
		}
	}
	return up, nil
}

// ListConversations implements ConversationLister
func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	if s.conversations == nil {
		return []domain.ConversationSummary{}, nil
	}
	conversations, err := s.conversations.ListByUser(ctx, userID, s.listLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	out := make([]domain.ConversationSummary, len(conversations))
	for i, c := range conversations {
		out[i] = c.Summary()
	}
	return out, nil
}

// LoadHistory implements HistoryLoader
func (s *ChatService) LoadHistory(ctx context.Context, userID, conversationID string) ([]domain.Message, error) {
	if s.conversations == nil || s.messages == nil {
		return []domain.Message{}, nil
	}
	conv, err := s.conversations.GetByProviderID(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	stored, err := s.messages.ListByConversation(ctx, conv.ID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	out := make([]domain.Message, len(stored))
	for i, m := range stored {
		out[i] = m.ToMessage()
	}
	return out, nil
}

// ProvidersInfo lists the registered providers
func (s *ChatService) ProvidersInfo() []llm.ProviderInfo {
	return s.llmRouter.GetProvidersInfo()
}

// Workflow returns the workflow runner of the configured provider
func (s *ChatService) Workflow() (llm.WorkflowRunner, error) {
	provider, err := s.llmRouter.GetProvider(s.providerName)
	if err != nil {
		return nil, err
	}
	runner, ok := provider.(llm.WorkflowRunner)
	if !ok {
		return nil, fmt.Errorf("provider %s does not run workflows", provider.Name())
	}
	return runner, nil
}

func keepsConversations(p llm.Provider) bool {
	k, ok := p.(llm.ConversationKeeper)
	return ok && k.KeepsConversations()
}

func attachmentsFromRefs(refs []AttachmentRef) []domain.Attachment {
	if len(refs) == 0 {
		return nil
	}
	out := make([]domain.Attachment, len(refs))
	for i, r := range refs {
		out[i] = domain.Attachment{
			PersistentID: r.UploadRef,
			FileName:     r.FileName,
			FileSize:     r.FileSize,
			FileType:     r.MimeType,
			URL:          r.URL,
		}
	}
	return out
}
