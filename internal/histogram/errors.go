package histogram

import "codeberg.org/mutker/hdrvideo/internal/errors"

const (
	ErrInvalidGeometry = errors.ErrInvalidArgument
	ErrShortFrame      = errors.ErrBufferStarvation
	ErrClosed          = errors.ErrorCode("histogram_producer_closed")
)
