package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrEmptySubmission   = errors.New("nothing to send")
	ErrUsageLimit        = errors.New("usage limit reached")
	ErrUploadUnsupported = errors.New("provider does not support file uploads")
	ErrInvalidFile       = errors.New("invalid file")
	ErrNoCustomer        = errors.New("no billing customer for user")
)
