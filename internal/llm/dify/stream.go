package dify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/llm"
)

const maxEventSize = 1 << 20

type streamEvent struct {
	Event          string          `json:"event"`
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	Answer         string          `json:"answer"`
	Metadata       metadataPayload `json:"metadata"`
	Status         int             `json:"status"`
	Code           string          `json:"code"`
	Message        string          `json:"message"`
}

// ChatStream sends a streaming chat-messages request. onAnswer is called
// with the cumulative answer after every message chunk.
func (p *Provider) ChatStream(ctx context.Context, req llm.Request, model string, onAnswer func(answer string)) (*llm.Response, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("dify provider is not configured (missing API key)")
	}

	start := time.Now()
	resp, err := p.postChat(ctx, req, responseModeStreaming)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &llm.Response{Model: appModel}
	var answer strings.Builder
	ended := false

	err = readEvents(resp.Body, func(data []byte) error {
		var ev streamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("failed to decode stream event: %w", err)
		}
		if ev.MessageID != "" {
			out.MessageID = ev.MessageID
		}
		if ev.ConversationID != "" {
			out.ConversationID = ev.ConversationID
		}

		switch ev.Event {
		case "message", "agent_message":
			answer.WriteString(ev.Answer)
			if onAnswer != nil {
				onAnswer(answer.String())
			}
		case "message_replace":
			answer.Reset()
			answer.WriteString(ev.Answer)
			if onAnswer != nil {
				onAnswer(answer.String())
			}
		case "message_end":
			applyMetadata(out, ev.Metadata)
			ended = true
		case "error":
			return &llm.ProviderError{
				Provider:   providerName,
				StatusCode: ev.Status,
				Body:       strings.TrimSpace(ev.Code + " " + ev.Message),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ended {
		return nil, fmt.Errorf("stream closed before message_end")
	}

	out.Answer = answer.String()
	out.LatencyMs = time.Since(start).Milliseconds()
	return out, nil
}

// readEvents calls fn with the payload of every "data:" line of an SSE stream
func readEvents(r io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 {
			continue
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return nil
}
