package redtooth

// sinkState tracks a render session's lifecycle. Transitions only move
// forward: Uninitialized → Ready → Feeding → Closed.
type sinkState int

const (
	sinkUninitialized sinkState = iota
	sinkReady
	sinkFeeding
	sinkClosed
)

func (s sinkState) String() string {
	switch s {
	case sinkUninitialized:
		return "uninitialized"
	case sinkReady:
		return "ready"
	case sinkFeeding:
		return "feeding"
	case sinkClosed:
		return "closed"
	}

	return "unknown"
}

// RenderSink is one output session bound to a single device. It accepts
// buffers in the capture's native format and pushes them into that device's
// hardware queue. Sinks are owned exclusively by the Router.
type RenderSink interface {
	// Initialize binds to the device's output endpoint. Fails with
	// ErrDeviceNotFound when no endpoint resolves from the address and with
	// ErrFormatRejected when the device cannot take the exact format.
	Initialize(format AudioFormat) error

	// Feed copies frames into the device's hardware queue. Fails with
	// ErrBufferFull when the queue momentarily cannot accept frameCount
	// frames; the caller decides whether to drop or backpressure.
	Feed(data []byte, frames uint32) error

	// ChannelCount is valid only after a successful Initialize.
	ChannelCount() int

	// Close releases the session on every path; safe to call more than once.
	Close()
}

// sinkFactory constructs an uninitialized RenderSink for an address.
// Injected into the Router so sessions can be faked out in tests.
type sinkFactory func(addr DeviceAddress) (RenderSink, error)
