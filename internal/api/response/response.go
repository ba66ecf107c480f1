package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
	"github.com/rs/zerolog/log"
)

// Response represents a standard API response
type Response struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   any  `json:"error,omitempty"`
}

func write(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, status int, data any) {
	write(w, status, Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

// Error sends an error response
func Error(w http.ResponseWriter, status int, message any) {
	write(w, status, Response{Success: false, Error: message})
}

// FromError maps a service error onto a status code
func FromError(w http.ResponseWriter, err error) {
	var perr *llm.ProviderError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		NotFound(w, err.Error())
	case errors.Is(err, domain.ErrEmptySubmission),
		errors.Is(err, domain.ErrInvalidFile),
		errors.Is(err, domain.ErrUploadUnsupported),
		errors.Is(err, domain.ErrNoCustomer):
		BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrUsageLimit):
		Forbidden(w, err.Error())
	case errors.Is(err, llm.ErrProviderUnavailable):
		ServiceUnavailable(w, err.Error())
	case errors.As(err, &perr):
		status := http.StatusBadGateway
		if perr.StatusCode == http.StatusTooManyRequests {
			status = http.StatusTooManyRequests
		}
		Error(w, status, err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		InternalError(w, "internal server error")
	}
}

// NoContent sends a 204 No Content response
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// OK sends a 200 OK response with data
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// BadRequest sends a 400 Bad Request response
func BadRequest(w http.ResponseWriter, message any) {
	Error(w, http.StatusBadRequest, message)
}

// Unauthorized sends a 401 Unauthorized response
func Unauthorized(w http.ResponseWriter, message any) {
	Error(w, http.StatusUnauthorized, message)
}

// Forbidden sends a 403 Forbidden response
func Forbidden(w http.ResponseWriter, message any) {
	Error(w, http.StatusForbidden, message)
}

// NotFound sends a 404 Not Found response
func NotFound(w http.ResponseWriter, message any) {
	Error(w, http.StatusNotFound, message)
}

// ServiceUnavailable sends a 503 response
func ServiceUnavailable(w http.ResponseWriter, message any) {
	Error(w, http.StatusServiceUnavailable, message)
}

// InternalError sends a 500 Internal Server Error response
func InternalError(w http.ResponseWriter, message any) {
	Error(w, http.StatusInternalServerError, message)
}
