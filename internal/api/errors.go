package api

import "codeberg.org/mutker/hdrvideo/internal/errors"

const (
	ErrInvalidArgument = errors.ErrInvalidArgument
	ErrShutdownFailed  = errors.ErrShutdownFailed

	ErrServeFailed = errors.ErrorCode("api_serve_failed")
)
