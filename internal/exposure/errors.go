package exposure

import "codeberg.org/mutker/hdrvideo/internal/errors"

const (
	ErrInvalidLimits      = errors.ErrorCode("exposure_invalid_limits")
	ErrInvalidTuning      = errors.ErrorCode("exposure_invalid_tuning")
	ErrInvalidParameters  = errors.ErrorCode("exposure_invalid_parameters")
	ErrInvariantViolation = errors.ErrInvariantViolation
	ErrInvalidOperation   = errors.ErrInvalidOperation
)
