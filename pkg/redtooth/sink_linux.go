package redtooth

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/smallnest/ringbuffer"
	"go.uber.org/zap"
)

// depth of the per-sink queue feeding the playback stream, in seconds of audio
const paSinkQueueSeconds = 1

// paRenderSink plays to the BlueZ sink PulseAudio creates for a connected
// A2DP device ("bluez_sink.<address>.a2dp_sink"). Feed pushes into a byte
// ring buffer; the playback stream's reader callback drains it on the pulse
// client goroutine, zero-filling on underrun.
type paRenderSink struct {
	logger *zap.SugaredLogger

	addr DeviceAddress

	state        sinkState
	format       AudioFormat
	channelCount int

	client *pulse.Client
	stream *pulse.PlaybackStream

	queueMu sync.Mutex
	queue   *ringbuffer.RingBuffer
}

func newRenderSink(logger *zap.SugaredLogger, addr DeviceAddress, _ string) RenderSink {
	return &paRenderSink{
		logger: logger.Named("sink"),
		addr:   addr,
		state:  sinkUninitialized,
	}
}

func (s *paRenderSink) Initialize(format AudioFormat) error {
	if s.state != sinkUninitialized {
		return fmt.Errorf("initialize sink in state %s: %w", s.state, ErrOperationFailed)
	}

	// the pipeline carries the capture format verbatim and this path only
	// speaks 16-bit interleaved PCM
	if format.BitsPerSample != 16 {
		s.logger.Warnw("Device session cannot take capture format",
			"address", s.addr,
			"format", format)
		return fmt.Errorf("pulse render session with %s: %w", format, ErrFormatRejected)
	}

	client, err := pulse.NewClient(pulse.ClientApplicationName("redtooth"))
	if err != nil {
		s.logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return fmt.Errorf("establish PulseAudio connection: %w", ErrAudioInitFailed)
	}

	sink, err := s.resolveSink(client)
	if err != nil {
		client.Close()
		return err
	}

	s.queue = ringbuffer.New(format.SampleRate * format.BytesPerFrame() * paSinkQueueSeconds)

	stream, err := client.NewPlayback(
		pulse.Int16Reader(s.fill),
		pulse.PlaybackSink(sink),
		pulse.PlaybackStereo,
		pulse.PlaybackSampleRate(format.SampleRate),
		pulse.PlaybackMediaName("redtooth"),
		pulse.PlaybackLatency(0.1),
	)
	if err != nil {
		client.Close()
		s.logger.Warnw("Failed to create playback stream", "address", s.addr, "error", err)
		return fmt.Errorf("create playback stream: %w", ErrAudioInitFailed)
	}

	stream.Start()

	s.client = client
	s.stream = stream
	s.format = format
	s.channelCount = format.Channels
	s.state = sinkReady

	s.logger.Infow("Render sink initialized", "address", s.addr, "format", format)

	return nil
}

// resolveSink looks for the BlueZ sink carrying this device's address in its
// name; PulseAudio only creates it once the A2DP link is actually up.
func (s *paRenderSink) resolveSink(client *pulse.Client) (*pulse.Sink, error) {
	sinks, err := client.ListSinks()
	if err != nil {
		s.logger.Warnw("Failed to list sinks", "error", err)
		return nil, fmt.Errorf("list sinks: %w", ErrAudioInitFailed)
	}

	want := "bluez_sink." + strings.ToLower(s.addr.Underscored())
	for _, sink := range sinks {
		if strings.Contains(strings.ToLower(sink.ID()), want) {
			s.logger.Debugw("Resolved BlueZ sink for device",
				"address", s.addr,
				"sink", sink.ID())
			return sink, nil
		}
	}

	s.logger.Warnw("No BlueZ sink matched device", "address", s.addr)

	return nil, fmt.Errorf("no BlueZ sink for %s: %w", s.addr, ErrDeviceNotFound)
}

func (s *paRenderSink) Feed(data []byte, frames uint32) error {
	if s.state != sinkReady && s.state != sinkFeeding {
		return fmt.Errorf("feed sink in state %s: %w", s.state, ErrNotInitialized)
	}

	packetBytes := int(frames) * s.format.BytesPerFrame()

	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if s.queue.Free() < packetBytes {
		return ErrBufferFull
	}

	if _, err := s.queue.Write(data[:packetBytes]); err != nil {
		return fmt.Errorf("queue sink data: %w", ErrOperationFailed)
	}

	s.state = sinkFeeding

	return nil
}

// fill drains the queue into the playback stream, zero-filling on underrun so
// the stream keeps running through momentary gaps.
func (s *paRenderSink) fill(p []int16) (int, error) {
	buf := make([]byte, len(p)*2)

	s.queueMu.Lock()
	n, _ := s.queue.Read(buf)
	s.queueMu.Unlock()

	samples := n / 2
	for i := 0; i < samples; i++ {
		p[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	for i := samples; i < len(p); i++ {
		p[i] = 0
	}

	return len(p), nil
}

func (s *paRenderSink) ChannelCount() int {
	return s.channelCount
}

func (s *paRenderSink) Close() {
	if s.state == sinkClosed {
		return
	}

	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
		s.stream = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}

	s.state = sinkClosed

	s.logger.Debugw("Render sink closed", "address", s.addr)
}
