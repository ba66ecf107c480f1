package chatstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/domain"
)

// FileCategory is the provider-facing class of an attached file
type FileCategory string

const (
	CategoryImage    FileCategory = "image"
	CategoryAudio    FileCategory = "audio"
	CategoryVideo    FileCategory = "video"
	CategoryDocument FileCategory = "document"
)

// LocalFile is a file the user staged for the next submission
type LocalFile struct {
	Name string
	Size int64
	Type string
	Data []byte
}

// ConfirmedAttachment is the provider's record of an uploaded file
type ConfirmedAttachment struct {
	PersistentID string `json:"persistent_id"`
	URL          string `json:"url,omitempty"`
}

// FileLimits bound what may be staged in one submission
type FileLimits struct {
	MaxFiles    int
	MaxFileSize int64
}

// DefaultFileLimits matches the upload widget: five files of up to 10 MB each.
var DefaultFileLimits = FileLimits{
	MaxFiles:    5,
	MaxFileSize: 10 << 20,
}

var acceptedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"text/plain":      true,
	"text/csv":        true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"audio/mpeg": true,
	"audio/wav":  true,
	"audio/ogg":  true,
	"video/mp4":  true,
	"video/webm": true,
	"video/ogg":  true,
}

// Categorize classifies a MIME type. It never fails; unknown types are documents.
func Categorize(mime string) FileCategory {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return CategoryImage
	case strings.HasPrefix(mime, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mime, "video/"):
		return CategoryVideo
	default:
		return CategoryDocument
	}
}

// StageLocalFiles builds optimistic attachment records for staged files.
func StageLocalFiles(files []LocalFile, now time.Time) []domain.Attachment {
	if len(files) == 0 {
		return nil
	}
	stamp := now.UnixMilli()
	out := make([]domain.Attachment, len(files))
	for i, f := range files {
		out[i] = domain.Attachment{
			LocalID:  fmt.Sprintf("local-%d-%d", stamp, i),
			FileName: f.Name,
			FileSize: f.size(),
			FileType: f.Type,
		}
	}
	return out
}

// MergeServerResult copies provider ids and URLs onto attachments by position.
// Records beyond the attachment list are ignored; attachments beyond the
// record list stay unreconciled. Empty record fields keep the local value.
func MergeServerResult(attachments []domain.Attachment, records []ConfirmedAttachment) []domain.Attachment {
	out := append([]domain.Attachment(nil), attachments...)
	for i := range out {
		if i >= len(records) {
			break
		}
		if records[i].PersistentID != "" {
			out[i].PersistentID = records[i].PersistentID
		}
		if records[i].URL != "" {
			out[i].URL = records[i].URL
		}
	}
	return out
}

// ValidateLocalFiles checks a staged batch against the accepted types and limits
func ValidateLocalFiles(files []LocalFile, limits FileLimits) error {
	if limits.MaxFiles > 0 && len(files) > limits.MaxFiles {
		return fmt.Errorf("%w: at most %d files per message", domain.ErrInvalidFile, limits.MaxFiles)
	}
	for _, f := range files {
		if limits.MaxFileSize > 0 && f.size() > limits.MaxFileSize {
			return fmt.Errorf("%w: %s exceeds %d MB", domain.ErrInvalidFile, f.Name, limits.MaxFileSize>>20)
		}
		if !acceptedTypes[strings.ToLower(f.Type)] {
			return fmt.Errorf("%w: %s has unsupported type %q", domain.ErrInvalidFile, f.Name, f.Type)
		}
	}
	return nil
}

func (f LocalFile) size() int64 {
	if f.Size > 0 {
		return f.Size
	}
	return int64(len(f.Data))
}
