package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/aokitashipro/pre-next-dify/internal/llm"
)

type uploadResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	MimeType  string `json:"mime_type"`
	CreatedAt int64  `json:"created_at"`
	// only returned by newer Dify versions
	PreviewURL *string `json:"preview_url"`
}

// UploadFile uploads a file for use in a later chat message
func (p *Provider) UploadFile(ctx context.Context, file llm.FileUpload) (*llm.UploadedFile, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("dify provider is not configured (missing API key)")
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.FileName))
	header.Set("Content-Type", file.MimeType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, fmt.Errorf("failed to write form file: %w", err)
	}
	if err := w.WriteField("user", file.UserID); err != nil {
		return nil, fmt.Errorf("failed to write user field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/files/upload", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var up uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}

	out := &llm.UploadedFile{
		ID:        up.ID,
		Name:      up.Name,
		Size:      up.Size,
		MimeType:  up.MimeType,
		CreatedAt: up.CreatedAt,
	}
	if up.PreviewURL != nil {
		out.URL = *up.PreviewURL
	}
	return out, nil
}
