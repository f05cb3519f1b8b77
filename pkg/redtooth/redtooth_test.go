package redtooth

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testRedTooth wires a RedTooth around fakes for everything that would touch
// the OS: profile client, capture source and render sinks.
func testRedTooth(sinks map[DeviceAddress]*fakeSink) (*RedTooth, *fakeCapture) {
	logger := zap.NewNop().Sugar()

	rt := &RedTooth{
		logger: logger,
		pool:   newConnectionPool(logger, newFakeProfileClient()),
	}

	rt.router = newRouter(logger, rt, func(addr DeviceAddress) (RenderSink, error) {
		sink, ok := sinks[addr]
		if !ok {
			return nil, fmt.Errorf("no sink for %s: %w", addr, ErrDeviceNotFound)
		}
		return sink, nil
	})

	capture := &fakeCapture{}
	rt.pipeline = newPipeline(logger, rt, capture, rt.router)

	return rt, capture
}

func TestStartPipelineAttachesSinksForConnectedDevices(t *testing.T) {
	t.Parallel()

	addr := DeviceAddress(0x0000000000A1)
	sink := &fakeSink{}
	rt, capture := testRedTooth(map[DeviceAddress]*fakeSink{addr: sink})

	// while the pipeline is down, adding a device only brings its link up;
	// the sink waits for the capture format
	require.NoError(t, rt.AddOutputDevice(addr))
	assert.Empty(t, rt.router.Addresses())

	require.NoError(t, rt.StartPipeline())
	require.Contains(t, rt.router.Addresses(), addr)

	capture.emit(441)
	assert.Equal(t, 1, sink.feedCount())
}

func TestAddOutputDeviceAttachesSinkWhileRunning(t *testing.T) {
	t.Parallel()

	addr := DeviceAddress(0x0000000000B2)
	sink := &fakeSink{}
	rt, capture := testRedTooth(map[DeviceAddress]*fakeSink{addr: sink})

	require.NoError(t, rt.StartPipeline())
	require.NoError(t, rt.AddOutputDevice(addr))

	capture.emit(441)
	assert.Equal(t, 1, sink.feedCount())
	assert.Equal(t, testFormat, sink.initFormat(), "the sink sees the live capture format, never a zero one")
}

func TestPipelinePauseResumeKeepsMirroring(t *testing.T) {
	t.Parallel()

	addr := DeviceAddress(0x0000000000C3)
	sink := &fakeSink{}
	rt, capture := testRedTooth(map[DeviceAddress]*fakeSink{addr: sink})

	require.NoError(t, rt.StartPipeline())
	require.NoError(t, rt.AddOutputDevice(addr))
	capture.emit(441)
	require.Equal(t, 1, sink.feedCount())

	rt.StopPipeline()
	require.NoError(t, rt.StartPipeline())
	capture.emit(441)

	assert.Equal(t, 2, sink.feedCount(), "a paused and resumed pipeline still mirrors to its devices")
}

func TestErrorFeedDeliversClassifiedEvents(t *testing.T) {
	t.Parallel()

	rt := &RedTooth{}

	events := rt.SubscribeToErrors()

	rt.ReportError(fmt.Errorf("reconnect AA:BB:CC:DD:EE:FF: %w", ErrConnectionFailed))

	select {
	case event := <-events:
		assert.Equal(t, CodeConnectionFailed, event.Code)
		assert.Contains(t, event.Message, "AA:BB:CC:DD:EE:FF")
	default:
		t.Fatal("expected an error event on the feed")
	}
}

func TestErrorFeedNeverBlocksOnSlowConsumers(t *testing.T) {
	t.Parallel()

	rt := &RedTooth{}

	events := rt.SubscribeToErrors()

	// overflow the subscriber buffer; delivery stays best-effort
	for i := 0; i < 100; i++ {
		rt.ReportError(ErrOperationFailed)
	}

	drained := 0
	for {
		select {
		case <-events:
			drained++
			continue
		default:
		}
		break
	}

	require.Greater(t, drained, 0)
	assert.LessOrEqual(t, drained, cap(events), "a slow consumer misses events instead of stalling reporters")
}
