package recorder

import "codeberg.org/mutker/hdrvideo/internal/errors"

const (
	ErrRecordingFailed = errors.ErrRecordingFailed
	ErrInvalidConfig   = errors.ErrInvalidConfig

	ErrAlreadyRecording = errors.ErrorCode("recorder_already_recording")
	ErrNotRecording     = errors.ErrorCode("recorder_not_recording")
	ErrNoFrames         = errors.ErrorCode("recorder_no_frames")
)
