package camera

import "codeberg.org/mutker/hdrvideo/internal/errors"

const (
	ErrDeviceAccess          = errors.ErrDeviceAccess
	ErrConfigurationRejected = errors.ErrConfigurationRejected
	ErrDeviceClosed          = errors.ErrDeviceClosed

	ErrOpenFailed      = errors.ErrorCode("camera_open_failed")
	ErrStreamFailed    = errors.ErrorCode("camera_stream_failed")
	ErrSetControl      = errors.ErrorCode("camera_set_control_failed")
	ErrSessionInUse    = errors.ErrorCode("camera_session_in_use")
	ErrEmptyBurst      = errors.ErrorCode("camera_empty_burst")
	ErrNoTargets       = errors.ErrorCode("camera_no_targets")
	ErrSessionClosed   = errors.ErrorCode("camera_session_closed")
	ErrUnsupportedMode = errors.ErrorCode("camera_unsupported_mode")
)

// IsFatal reports whether err must close the device.
func IsFatal(err error) bool {
	return errors.HasCode(err, ErrDeviceAccess) ||
		errors.HasCode(err, ErrConfigurationRejected) ||
		errors.HasCode(err, ErrDeviceClosed)
}
