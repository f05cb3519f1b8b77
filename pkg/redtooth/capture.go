package redtooth

import (
	"fmt"
	"time"
)

// CaptureSource owns the system's loopback stream: the audio the machine is
// currently outputting, recorded rather than a microphone.
type CaptureSource interface {
	// Start begins continuous capture and invokes onFrames once per available
	// packet on a dedicated goroutine. Starting while already running fails
	// with ErrAlreadyRunning; capture failures are surfaced to the caller and
	// never retried automatically.
	Start(onFrames FrameCallback) error

	// Stop halts capture and blocks until the capture goroutine has exited.
	Stop()

	// Format reports the negotiated capture format. Valid after a successful
	// Start and fixed until the next one.
	Format() AudioFormat
}

// captureIdleInterval bounds the sleep between packet polls. Short enough
// that loopback buffers never overflow under default OS buffer sizing.
const captureIdleInterval = 5 * time.Millisecond

// captureLoopFailure classifies an error that killed a running capture loop.
// Setup problems surface from Start as ErrAudioInitFailed; a loop that was
// already delivering frames died operationally, and subscribers on the error
// feed need to hear about it since Start returned long ago.
func captureLoopFailure(what string, err error) error {
	return fmt.Errorf("%s: %v: %w", what, err, ErrOperationFailed)
}
