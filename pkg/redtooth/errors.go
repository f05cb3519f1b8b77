package redtooth

import "errors"

// ErrorCode is the numeric error classification exposed at the boundary.
// Values match the codes the host application expects.
type ErrorCode int

const (
	CodeSuccess          ErrorCode = 0
	CodeNotInitialized   ErrorCode = 1
	CodeInvalidParameter ErrorCode = 2
	CodeOperationFailed  ErrorCode = 3
	CodeDeviceNotFound   ErrorCode = 4
	CodeConnectionFailed ErrorCode = 5
	CodeAudioInitFailed  ErrorCode = 6
	CodeUnknownError     ErrorCode = 255
)

var (
	ErrNotInitialized   = errors.New("not initialized")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrOperationFailed  = errors.New("operation failed")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrConnectionFailed = errors.New("connection failed")
	ErrAudioInitFailed  = errors.New("audio initialization failed")

	// ErrAlreadyRunning is returned when starting an already-running capture session
	ErrAlreadyRunning = errors.New("already running")

	// ErrAlreadyPresent is returned when adding a sink for an address that already has one
	ErrAlreadyPresent = errors.New("sink already present")

	// ErrBufferFull is transient: the sink's hardware queue momentarily cannot
	// accept the offered frames. The frame is dropped, nothing is torn down.
	ErrBufferFull = errors.New("sink buffer full")

	// ErrFormatRejected is returned when a device cannot accept the exact capture format
	ErrFormatRejected = errors.New("format rejected by device")
)

// CodeOf classifies an error chain into a boundary error code.
// Anything unrecognized converts to CodeUnknownError instead of propagating raw.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, ErrInvalidParameter):
		return CodeInvalidParameter
	case errors.Is(err, ErrDeviceNotFound):
		return CodeDeviceNotFound
	case errors.Is(err, ErrConnectionFailed):
		return CodeConnectionFailed
	case errors.Is(err, ErrAudioInitFailed), errors.Is(err, ErrFormatRejected):
		return CodeAudioInitFailed
	case errors.Is(err, ErrOperationFailed),
		errors.Is(err, ErrAlreadyRunning),
		errors.Is(err, ErrAlreadyPresent),
		errors.Is(err, ErrBufferFull):
		return CodeOperationFailed
	default:
		return CodeUnknownError
	}
}

// ErrorEvent is what asynchronous failure reporting carries to subscribers.
type ErrorEvent struct {
	Code    ErrorCode
	Message string
}

// ErrorReporter receives failures that have no synchronous caller to return to
// (a sink failing mid-fanout, a scan cycle erroring, a watchdog reconnect attempt).
type ErrorReporter interface {
	ReportError(err error)
}
