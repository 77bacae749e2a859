package errors

// ErrorCode identifies a failure independently of its message.
type ErrorCode string

// Coder is anything that carries an ErrorCode.
type Coder interface {
	Code() ErrorCode
}

// Error is a coded error with optional message, payload and cause.
type Error interface {
	error
	Coder
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
