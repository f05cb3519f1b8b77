package redtooth

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCapture struct {
	mu       sync.Mutex
	onFrames FrameCallback
	running  bool
	startErr error

	onStop func()
}

func (f *fakeCapture) Start(onFrames FrameCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return f.startErr
	}

	f.onFrames = onFrames
	f.running = true
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.running = false
	if f.onStop != nil {
		f.onStop()
	}
}

func (f *fakeCapture) Format() AudioFormat {
	return testFormat
}

// emit pushes a buffer through the registered callback, standing in for the
// capture goroutine.
func (f *fakeCapture) emit(frames uint32) {
	f.mu.Lock()
	cb := f.onFrames
	running := f.running
	f.mu.Unlock()

	if running && cb != nil {
		cb(make([]byte, int(frames)*testFormat.BytesPerFrame()), frames)
	}
}

func TestPipelineDeliversEveryBufferToEverySink(t *testing.T) {
	t.Parallel()

	addrA := DeviceAddress(0x0000000000A1)
	addrB := DeviceAddress(0x0000000000B2)
	sinks := map[DeviceAddress]*fakeSink{addrA: {}, addrB: {}}

	router, _ := testRouter(sinks)
	require.NoError(t, router.AddSink(addrA, testFormat))
	require.NoError(t, router.AddSink(addrB, testFormat))

	capture := &fakeCapture{}
	pipeline := newPipeline(zap.NewNop().Sugar(), &recordingReporter{}, capture, router)

	require.NoError(t, pipeline.Start())
	assert.True(t, pipeline.Running())

	for i := 0; i < 10; i++ {
		capture.emit(441)
	}

	assert.Equal(t, 10, sinks[addrA].feedCount())
	assert.Equal(t, 10, sinks[addrB].feedCount())
}

func TestPipelineRejectsDoubleStart(t *testing.T) {
	t.Parallel()

	router, _ := testRouter(nil)
	pipeline := newPipeline(zap.NewNop().Sugar(), &recordingReporter{}, &fakeCapture{}, router)

	require.NoError(t, pipeline.Start())
	assert.ErrorIs(t, pipeline.Start(), ErrAlreadyRunning)
}

func TestPipelineReportsCaptureStartFailure(t *testing.T) {
	t.Parallel()

	router, reporter := testRouter(nil)
	capture := &fakeCapture{startErr: ErrAudioInitFailed}
	pipeline := newPipeline(zap.NewNop().Sugar(), reporter, capture, router)

	err := pipeline.Start()
	require.ErrorIs(t, err, ErrAudioInitFailed)
	assert.False(t, pipeline.Running())
	assert.Equal(t, 1, reporter.count())
}

func TestPipelineResumeKeepsSinksAttached(t *testing.T) {
	t.Parallel()

	addr := DeviceAddress(0x0000000000A1)
	sink := &fakeSink{}
	router, _ := testRouter(map[DeviceAddress]*fakeSink{addr: sink})
	require.NoError(t, router.AddSink(addr, testFormat))

	capture := &fakeCapture{}
	pipeline := newPipeline(zap.NewNop().Sugar(), &recordingReporter{}, capture, router)

	require.NoError(t, pipeline.Start())
	capture.emit(441)
	require.Equal(t, 1, sink.feedCount())

	// pausing keeps the sink set; resuming delivers to the same devices
	pipeline.Stop()
	require.NoError(t, pipeline.Start())
	capture.emit(441)

	assert.Equal(t, 2, sink.feedCount())
	assert.Contains(t, router.Addresses(), addr)
}

func TestPipelineReleaseHaltsCaptureBeforeClosingSinks(t *testing.T) {
	t.Parallel()

	var (
		orderMu sync.Mutex
		order   []string
	)
	record := func(event string) {
		orderMu.Lock()
		defer orderMu.Unlock()
		order = append(order, event)
	}

	addr := DeviceAddress(0x0000000000A1)
	sink := &fakeSink{onClose: func() { record("sink-close") }}
	router, _ := testRouter(map[DeviceAddress]*fakeSink{addr: sink})
	require.NoError(t, router.AddSink(addr, testFormat))

	capture := &fakeCapture{onStop: func() { record("capture-stop") }}
	pipeline := newPipeline(zap.NewNop().Sugar(), &recordingReporter{}, capture, router)

	require.NoError(t, pipeline.Start())
	pipeline.release()

	assert.False(t, pipeline.Running())
	require.Equal(t, []string{"capture-stop", "sink-close"}, order,
		"audio must stop flowing before any sink is torn down")

	// releasing again is harmless
	pipeline.release()

	// and nothing reaches the sink afterwards
	capture.emit(441)
	assert.Zero(t, sink.feedCount())
}
