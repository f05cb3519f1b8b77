package redtooth

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// managedSink pairs a render session with the lock serializing access to it.
// The per-sink lock is deliberately separate from the Router's membership
// lock: a device blocking inside Feed must not stall AddSink/RemoveSink
// callers or delivery to the other sinks.
type managedSink struct {
	addr DeviceAddress
	sink RenderSink

	mu     sync.Mutex
	closed bool

	feedErrors   uint64
	droppedFull  uint64
	deliveredOK  uint64
	lastFeedFail error
}

// Router owns the set of active render sinks and fans every captured buffer
// out to all of them. Sink membership is mutated only through it.
type Router struct {
	logger   *zap.SugaredLogger
	reporter ErrorReporter
	newSink  sinkFactory

	lock  sync.Mutex
	sinks map[DeviceAddress]*managedSink
}

func newRouter(logger *zap.SugaredLogger, reporter ErrorReporter, newSink sinkFactory) *Router {
	r := &Router{
		logger:   logger.Named("router"),
		reporter: reporter,
		newSink:  newSink,
		sinks:    make(map[DeviceAddress]*managedSink),
	}

	r.logger.Debug("Created router instance")

	return r
}

// AddSink creates and initializes a render session for the address against
// the capture's format. A sink already present for the address fails with
// ErrAlreadyPresent; at most one sink per address ever exists.
func (r *Router) AddSink(addr DeviceAddress, format AudioFormat) error {
	r.lock.Lock()
	if _, ok := r.sinks[addr]; ok {
		r.lock.Unlock()
		return fmt.Errorf("add sink for %s: %w", addr, ErrAlreadyPresent)
	}
	r.lock.Unlock()

	// session construction touches audio hardware and may block; keep it
	// outside the membership lock so fan-out and other callers proceed
	sink, err := r.newSink(addr)
	if err != nil {
		r.logger.Warnw("Failed to construct sink", "address", addr, "error", err)
		return fmt.Errorf("construct sink for %s: %w", addr, err)
	}

	if err := sink.Initialize(format); err != nil {
		sink.Close()
		r.logger.Warnw("Failed to initialize sink", "address", addr, "format", format, "error", err)
		return fmt.Errorf("initialize sink for %s: %w", addr, err)
	}

	r.lock.Lock()
	if _, ok := r.sinks[addr]; ok {
		// lost the race to a concurrent AddSink for the same address
		r.lock.Unlock()
		sink.Close()
		return fmt.Errorf("add sink for %s: %w", addr, ErrAlreadyPresent)
	}
	r.sinks[addr] = &managedSink{addr: addr, sink: sink}
	r.lock.Unlock()

	r.logger.Infow("Sink added", "address", addr, "format", format, "channels", sink.ChannelCount())

	return nil
}

// RemoveSink tears the session down. Once it returns, no further Feed call
// reaches the sink. A missing sink reports ErrDeviceNotFound, which callers
// treat as non-fatal.
func (r *Router) RemoveSink(addr DeviceAddress) error {
	r.lock.Lock()
	ms, ok := r.sinks[addr]
	if !ok {
		r.lock.Unlock()
		r.logger.Debugw("Sink to remove not present", "address", addr)
		return fmt.Errorf("remove sink for %s: %w", addr, ErrDeviceNotFound)
	}
	delete(r.sinks, addr)
	r.lock.Unlock()

	// taking the feed lock waits out any in-flight Feed before closing
	ms.mu.Lock()
	ms.closed = true
	ms.sink.Close()
	ms.mu.Unlock()

	r.logger.Infow("Sink removed", "address", addr, "delivered", ms.deliveredOK, "dropped", ms.droppedFull)

	return nil
}

// OnFrames is the capture thread's entry point. Every live sink gets exactly
// one Feed per buffer; one sink's failure neither skips the others nor
// unwinds the capture thread.
func (r *Router) OnFrames(data []byte, frames uint32) {
	// snapshot membership, then feed outside the membership lock
	r.lock.Lock()
	snapshot := make([]*managedSink, 0, len(r.sinks))
	for _, ms := range r.sinks {
		snapshot = append(snapshot, ms)
	}
	r.lock.Unlock()

	for _, ms := range snapshot {
		ms.mu.Lock()
		if ms.closed {
			ms.mu.Unlock()
			continue
		}

		err := ms.sink.Feed(data, frames)
		switch {
		case err == nil:
			ms.deliveredOK++
		case errors.Is(err, ErrBufferFull):
			// transient saturation; the frame is dropped for this sink only
			ms.droppedFull++
		default:
			ms.feedErrors++
			first := ms.lastFeedFail == nil || ms.lastFeedFail.Error() != err.Error()
			ms.lastFeedFail = err
			ms.mu.Unlock()

			if first {
				r.logger.Warnw("Sink feed failed", "address", ms.addr, "error", err)
				r.reporter.ReportError(fmt.Errorf("feed sink %s: %w", ms.addr, err))
			}
			continue
		}
		ms.mu.Unlock()
	}
}

// ChannelCount reports the device channel count of an active sink.
func (r *Router) ChannelCount(addr DeviceAddress) (int, error) {
	r.lock.Lock()
	ms, ok := r.sinks[addr]
	r.lock.Unlock()

	if !ok {
		return 0, fmt.Errorf("channel count for %s: %w", addr, ErrDeviceNotFound)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return 0, fmt.Errorf("channel count for %s: %w", addr, ErrDeviceNotFound)
	}

	return ms.sink.ChannelCount(), nil
}

// Addresses returns the addresses with a live sink.
func (r *Router) Addresses() []DeviceAddress {
	r.lock.Lock()
	defer r.lock.Unlock()

	addrs := make([]DeviceAddress, 0, len(r.sinks))
	for addr := range r.sinks {
		addrs = append(addrs, addr)
	}

	return addrs
}

// release closes every sink. Only called after capture has fully stopped, so
// no in-flight Feed can touch a freed session.
func (r *Router) release() {
	r.lock.Lock()
	remaining := make([]*managedSink, 0, len(r.sinks))
	for _, ms := range r.sinks {
		remaining = append(remaining, ms)
	}
	r.sinks = make(map[DeviceAddress]*managedSink)
	r.lock.Unlock()

	for _, ms := range remaining {
		ms.mu.Lock()
		ms.closed = true
		ms.sink.Close()
		ms.mu.Unlock()
	}

	if len(remaining) > 0 {
		r.logger.Debugw("Released all sinks", "count", len(remaining))
	}
}

func (r *Router) String() string {
	r.lock.Lock()
	defer r.lock.Unlock()

	return fmt.Sprintf("<%d active sinks>", len(r.sinks))
}
