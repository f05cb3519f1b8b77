package redtooth

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSink struct {
	mu sync.Mutex

	initCalls  int
	initErr    error
	lastFormat AudioFormat
	feedErr    error
	feeds      int
	lastFrames uint32
	closed     bool
	channels   int

	onClose func()
}

func (f *fakeSink) Initialize(format AudioFormat) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.initCalls++
	f.lastFormat = format
	return f.initErr
}

func (f *fakeSink) Feed(data []byte, frames uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.feedErr != nil {
		return f.feedErr
	}

	f.feeds++
	f.lastFrames = frames
	return nil
}

func (f *fakeSink) ChannelCount() int {
	if f.channels == 0 {
		return 2
	}
	return f.channels
}

func (f *fakeSink) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	if f.onClose != nil {
		f.onClose()
	}
}

func (f *fakeSink) feedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.feeds
}

func (f *fakeSink) initFormat() AudioFormat {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lastFormat
}

type recordingReporter struct {
	mu     sync.Mutex
	errors []error
}

func (r *recordingReporter) ReportError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.errors)
}

func testRouter(sinks map[DeviceAddress]*fakeSink) (*Router, *recordingReporter) {
	reporter := &recordingReporter{}

	router := newRouter(zap.NewNop().Sugar(), reporter, func(addr DeviceAddress) (RenderSink, error) {
		sink, ok := sinks[addr]
		if !ok {
			return nil, ErrDeviceNotFound
		}
		return sink, nil
	})

	return router, reporter
}

var testFormat = AudioFormat{SampleRate: 44100, Channels: 2, BitsPerSample: 16}

func TestRouterFansOutToEverySink(t *testing.T) {
	t.Parallel()

	addrA := DeviceAddress(0x0000000000A1)
	addrB := DeviceAddress(0x0000000000B2)
	sinks := map[DeviceAddress]*fakeSink{
		addrA: {},
		addrB: {},
	}

	router, reporter := testRouter(sinks)
	require.NoError(t, router.AddSink(addrA, testFormat))
	require.NoError(t, router.AddSink(addrB, testFormat))

	buffer := make([]byte, 441*testFormat.BytesPerFrame())
	for i := 0; i < 10; i++ {
		router.OnFrames(buffer, 441)
	}

	assert.Equal(t, 10, sinks[addrA].feedCount(), "every buffer reaches sink A exactly once")
	assert.Equal(t, 10, sinks[addrB].feedCount(), "every buffer reaches sink B exactly once")
	assert.Zero(t, reporter.count())
}

func TestRouterAddSinkMidStream(t *testing.T) {
	t.Parallel()

	addrA := DeviceAddress(0x0000000000A1)
	addrB := DeviceAddress(0x0000000000B2)
	sinks := map[DeviceAddress]*fakeSink{addrA: {}, addrB: {}}

	router, _ := testRouter(sinks)
	require.NoError(t, router.AddSink(addrA, testFormat))

	buffer := make([]byte, 441*testFormat.BytesPerFrame())
	for i := 0; i < 4; i++ {
		router.OnFrames(buffer, 441)
	}

	require.NoError(t, router.AddSink(addrB, testFormat))

	for i := 0; i < 4; i++ {
		router.OnFrames(buffer, 441)
	}

	assert.Equal(t, 8, sinks[addrA].feedCount(), "the pre-existing sink misses nothing")
	assert.Equal(t, 4, sinks[addrB].feedCount(), "the new sink picks up from its attachment")
}

func TestRouterRejectsDuplicateSink(t *testing.T) {
	t.Parallel()

	addr := DeviceAddress(0x0000000000A1)
	router, _ := testRouter(map[DeviceAddress]*fakeSink{addr: {}})

	require.NoError(t, router.AddSink(addr, testFormat))
	assert.ErrorIs(t, router.AddSink(addr, testFormat), ErrAlreadyPresent)

	assert.Len(t, router.Addresses(), 1)
}

func TestRouterAddSinkClosesOnInitFailure(t *testing.T) {
	t.Parallel()

	addr := DeviceAddress(0x0000000000A1)
	sink := &fakeSink{initErr: ErrFormatRejected}
	router, _ := testRouter(map[DeviceAddress]*fakeSink{addr: sink})

	err := router.AddSink(addr, testFormat)
	assert.ErrorIs(t, err, ErrFormatRejected)
	assert.True(t, sink.closed, "a sink that failed to initialize must not leak")
	assert.Empty(t, router.Addresses())
}

func TestRouterIsolatesFailingSink(t *testing.T) {
	t.Parallel()

	healthy := DeviceAddress(0x0000000000A1)
	broken := DeviceAddress(0x0000000000B2)
	sinks := map[DeviceAddress]*fakeSink{
		healthy: {},
		broken:  {feedErr: errors.New("render session gone")},
	}

	router, reporter := testRouter(sinks)
	require.NoError(t, router.AddSink(healthy, testFormat))
	require.NoError(t, router.AddSink(broken, testFormat))

	buffer := make([]byte, 441*testFormat.BytesPerFrame())
	for i := 0; i < 5; i++ {
		router.OnFrames(buffer, 441)
	}

	assert.Equal(t, 5, sinks[healthy].feedCount(), "the healthy sink keeps receiving audio")
	// the same failure message is reported once, not once per buffer
	assert.Equal(t, 1, reporter.count())
}

func TestRouterDropsOnBufferFullWithoutReporting(t *testing.T) {
	t.Parallel()

	saturated := DeviceAddress(0x0000000000A1)
	healthy := DeviceAddress(0x0000000000B2)
	sinks := map[DeviceAddress]*fakeSink{
		saturated: {feedErr: ErrBufferFull},
		healthy:   {},
	}
	router, reporter := testRouter(sinks)

	require.NoError(t, router.AddSink(saturated, testFormat))
	require.NoError(t, router.AddSink(healthy, testFormat))

	buffer := make([]byte, 441*testFormat.BytesPerFrame())
	for i := 0; i < 8; i++ {
		router.OnFrames(buffer, 441)
	}

	assert.Zero(t, reporter.count(), "transient saturation is not an error event")
	assert.Len(t, router.Addresses(), 2, "a saturated sink stays attached")
	assert.Equal(t, 8, sinks[healthy].feedCount(), "the other sink still receives every buffer")
}

func TestRouterRemoveSinkStopsDelivery(t *testing.T) {
	t.Parallel()

	addr := DeviceAddress(0x0000000000A1)
	sink := &fakeSink{}
	router, _ := testRouter(map[DeviceAddress]*fakeSink{addr: sink})

	require.NoError(t, router.AddSink(addr, testFormat))

	buffer := make([]byte, 441*testFormat.BytesPerFrame())
	router.OnFrames(buffer, 441)

	require.NoError(t, router.RemoveSink(addr))
	assert.True(t, sink.closed)

	router.OnFrames(buffer, 441)
	assert.Equal(t, 1, sink.feedCount(), "no buffer may reach a removed sink")
}

func TestRouterRemoveMissingSink(t *testing.T) {
	t.Parallel()

	router, _ := testRouter(nil)

	err := router.RemoveSink(DeviceAddress(0x0000000000A1))
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRouterChannelCount(t *testing.T) {
	t.Parallel()

	addr := DeviceAddress(0x0000000000A1)
	router, _ := testRouter(map[DeviceAddress]*fakeSink{addr: {channels: 1}})

	require.NoError(t, router.AddSink(addr, testFormat))

	count, err := router.ChannelCount(addr)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = router.ChannelCount(DeviceAddress(0x0000000000B2))
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestRouterReleaseClosesEverything(t *testing.T) {
	t.Parallel()

	addrA := DeviceAddress(0x0000000000A1)
	addrB := DeviceAddress(0x0000000000B2)
	sinks := map[DeviceAddress]*fakeSink{addrA: {}, addrB: {}}

	router, _ := testRouter(sinks)
	require.NoError(t, router.AddSink(addrA, testFormat))
	require.NoError(t, router.AddSink(addrB, testFormat))

	router.release()

	assert.True(t, sinks[addrA].closed)
	assert.True(t, sinks[addrB].closed)
	assert.Empty(t, router.Addresses())
}
