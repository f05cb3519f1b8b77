package redtooth

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
	"go.uber.org/zap"
)

const (
	paCaptureSampleRate = 44100
	paCaptureChannels   = 2
	paCaptureBitDepth   = 16
)

// paCaptureSource records the monitor source of the default sink, which is
// PulseAudio's rendition of loopback capture. Packets arrive on the pulse
// client's own goroutine; Stop tears the stream down before closing the
// connection so no callback runs against released state.
type paCaptureSource struct {
	logger   *zap.SugaredLogger
	reporter ErrorReporter

	mu      sync.Mutex
	running bool
	client  *pulse.Client
	stream  *pulse.RecordStream

	format AudioFormat

	packetBuf []byte
}

func newCaptureSource(logger *zap.SugaredLogger, reporter ErrorReporter) (CaptureSource, error) {
	c := &paCaptureSource{
		logger:   logger.Named("capture"),
		reporter: reporter,
		format: AudioFormat{
			SampleRate:    paCaptureSampleRate,
			Channels:      paCaptureChannels,
			BitsPerSample: paCaptureBitDepth,
		},
	}

	c.logger.Debug("Created PA capture source instance")

	return c, nil
}

func (c *paCaptureSource) Start(onFrames FrameCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.logger.Warn("Capture session already running, refusing to start another")
		return ErrAlreadyRunning
	}

	client, err := pulse.NewClient(pulse.ClientApplicationName("redtooth"))
	if err != nil {
		c.logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return fmt.Errorf("establish PulseAudio connection: %w", ErrAudioInitFailed)
	}

	defaultSink, err := client.DefaultSink()
	if err != nil {
		client.Close()
		c.logger.Warnw("Failed to get default sink", "error", err)
		return fmt.Errorf("get default sink: %w", ErrAudioInitFailed)
	}

	// every sink exposes a monitor source named after it
	monitor, err := client.SourceByID(defaultSink.ID() + ".monitor")
	if err != nil {
		client.Close()
		c.logger.Warnw("Failed to resolve monitor source of default sink",
			"sink", defaultSink.ID(),
			"error", err)
		return fmt.Errorf("resolve monitor source: %w", ErrAudioInitFailed)
	}

	stream, err := client.NewRecord(
		pulse.Int16Writer(func(p []int16) (int, error) {
			c.deliver(onFrames, p)
			return len(p), nil
		}),
		pulse.RecordSource(monitor),
		pulse.RecordStereo,
		pulse.RecordSampleRate(paCaptureSampleRate),
		pulse.RecordMediaName("redtooth-loopback"),
	)
	if err != nil {
		client.Close()
		c.logger.Warnw("Failed to create record stream", "error", err)
		return fmt.Errorf("create record stream: %w", ErrAudioInitFailed)
	}

	stream.Start()

	c.client = client
	c.stream = stream
	c.running = true

	c.logger.Infow("Loopback capture started",
		"monitorSource", defaultSink.ID()+".monitor",
		"format", c.format)

	return nil
}

func (c *paCaptureSource) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		c.logger.Debug("Capture not running, nothing to stop")
		return
	}

	// a stream that died mid-run stopped delivering long before this Stop;
	// surface that on the error feed rather than losing it
	if err := c.stream.Error(); err != nil {
		c.logger.Errorw("Record stream had failed mid-run", "error", err)
		c.reporter.ReportError(captureLoopFailure("record stream", err))
	}

	// Stop blocks until the stream has drained, so no write callback is
	// in flight once the connection goes away
	c.stream.Stop()
	c.stream.Close()
	c.client.Close()

	c.stream = nil
	c.client = nil
	c.running = false

	c.logger.Info("Loopback capture stopped")
}

func (c *paCaptureSource) Format() AudioFormat {
	return c.format
}

func (c *paCaptureSource) deliver(onFrames FrameCallback, p []int16) {
	if len(p) == 0 {
		return
	}

	size := len(p) * 2
	if cap(c.packetBuf) < size {
		c.packetBuf = make([]byte, size)
	}
	buf := c.packetBuf[:size]

	for i, sample := range p {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}

	onFrames(buf, uint32(len(p)/paCaptureChannels))
}
