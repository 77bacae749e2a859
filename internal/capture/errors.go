package capture

import "codeberg.org/mutker/hdrvideo/internal/errors"

const (
	ErrInvalidTransition = errors.ErrInvalidTransition
	ErrDeviceClosed      = errors.ErrDeviceClosed
	ErrRecordingFailed   = errors.ErrRecordingFailed
	ErrTimeout           = errors.ErrTimeout

	ErrNotOpen      = errors.ErrorCode("capture_not_open")
	ErrAlreadyOpen  = errors.ErrorCode("capture_already_open")
	ErrNoSink       = errors.ErrorCode("capture_no_recording_sink")
	ErrUnknownFrame = errors.ErrorCode("capture_unknown_frame_format")
)
