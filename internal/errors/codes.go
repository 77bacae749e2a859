package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"
	ErrAlreadyRunning  ErrorCode = "already_running"

	// Configuration errors
	ErrInvalidConfig ErrorCode = "invalid_configuration"
	ErrBindFlags     ErrorCode = "bind_flags_failed"
	ErrReadConfig    ErrorCode = "read_config_failed"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"

	// Device errors
	ErrDeviceAccess          ErrorCode = "device_access_failed"
	ErrConfigurationRejected ErrorCode = "configuration_rejected"
	ErrDeviceClosed          ErrorCode = "device_closed"

	// Pipeline errors
	ErrBufferStarvation   ErrorCode = "buffer_starvation"
	ErrInvariantViolation ErrorCode = "invariant_violation"

	// Operation errors
	ErrOperationFailed   ErrorCode = "operation_failed"
	ErrTimeout           ErrorCode = "operation_timeout"
	ErrInvalidOperation  ErrorCode = "invalid_operation"
	ErrInvalidTransition ErrorCode = "invalid_transition"
	ErrRecordingFailed   ErrorCode = "recording_failed"

	// Metrics errors
	ErrInitMetrics    ErrorCode = "init_metrics_failed"
	ErrCollectMetrics ErrorCode = "collect_metrics_failed"
	ErrCloseMetrics   ErrorCode = "close_metrics_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:              "Internal error occurred",
	ErrInvalidArgument:       "Invalid argument provided",
	ErrUnavailable:           "Service unavailable",
	ErrAlreadyRunning:        "Another instance is already running",
	ErrInvalidConfig:         "Invalid configuration",
	ErrBindFlags:             "Failed to bind flags",
	ErrReadConfig:            "Failed to read config file",
	ErrInvalidLogLevel:       "Invalid log level",
	ErrInitFailed:            "Initialization failed",
	ErrShutdownFailed:        "Shutdown failed",
	ErrDeviceAccess:          "Camera device refused the operation",
	ErrConfigurationRejected: "Capture session configuration rejected",
	ErrDeviceClosed:          "Camera device is closed",
	ErrBufferStarvation:      "No frame data available",
	ErrInvariantViolation:    "Exposure parameters out of range",
	ErrOperationFailed:       "Operation failed",
	ErrTimeout:               "Operation timed out",
	ErrInvalidOperation:      "Invalid operation",
	ErrInvalidTransition:     "Invalid capture mode transition",
	ErrRecordingFailed:       "Recording failed",
	ErrInitMetrics:           "Failed to initialize metrics",
	ErrCollectMetrics:        "Failed to collect metrics data",
	ErrCloseMetrics:          "Failed to close metrics connection",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
