package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/aokitashipro/pre-next-dify/internal/api/response"
	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// multipartOverhead covers form fields and part headers on top of the files
const multipartOverhead = 1 << 20

// submission is the body shared by the chat and workspace send endpoints
type submission struct {
	Query          string                `json:"query" validate:"max=32000"`
	ConversationID string                `json:"conversation_id" validate:"omitempty,max=128"`
	Files          []chatstate.LocalFile `json:"-"`
}

// readSubmission accepts either a JSON body or a multipart form with
// query, conversation_id and repeated files parts.
func readSubmission(w http.ResponseWriter, r *http.Request, limits chatstate.FileLimits) (*submission, error) {
	var sub submission

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		maxBody := int64(limits.MaxFiles)*limits.MaxFileSize + multipartOverhead
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		if err := r.ParseMultipartForm(maxBody); err != nil {
			return nil, fmt.Errorf("invalid multipart form: %w", err)
		}
		defer r.MultipartForm.RemoveAll()

		sub.Query = r.FormValue("query")
		sub.ConversationID = r.FormValue("conversation_id")
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
			}
			sub.Files = append(sub.Files, chatstate.LocalFile{
				Name: fh.Filename,
				Size: fh.Size,
				Type: fh.Header.Get("Content-Type"),
				Data: data,
			})
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.New("invalid request body")
		}
	}

	sub.Query = strings.TrimRight(sub.Query, "\r\n")
	if err := validate.Struct(sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// badRequest writes validator errors as a field map, like every other 400
func badRequest(w http.ResponseWriter, err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		response.BadRequest(w, err.Error())
		return
	}

	fields := make(map[string]string, len(validationErrors))
	for _, e := range validationErrors {
		switch e.Tag() {
		case "required":
			fields[e.Field()] = "field is required"
		case "max":
			fields[e.Field()] = "must be at most " + e.Param() + " characters"
		default:
			fields[e.Field()] = "validation failed on " + e.Tag()
		}
	}
	response.BadRequest(w, fields)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid request body")
	}
	return validate.Struct(v)
}
