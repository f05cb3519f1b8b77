package redtooth

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

// wcaCaptureSource records the default render endpoint in WASAPI shared-mode
// loopback. All COM resources are acquired in Start and released on every
// exit path of the capture goroutine, after the loop has stopped touching them.
type wcaCaptureSource struct {
	logger   *zap.SugaredLogger
	reporter ErrorReporter

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	format AudioFormat

	silenceBuf []byte
}

func newCaptureSource(logger *zap.SugaredLogger, reporter ErrorReporter) (CaptureSource, error) {
	c := &wcaCaptureSource{
		logger:   logger.Named("capture"),
		reporter: reporter,
	}

	c.logger.Debug("Created WCA capture source instance")

	return c, nil
}

// initializeCOM enters the multithreaded apartment, tolerating the E_FALSE
// that signals a redundant invocation on this thread.
func initializeCOM(logger *zap.SugaredLogger) error {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		const eFalse = 1
		oleError := &ole.OleError{}

		if errors.As(err, &oleError) && oleError.Code() == eFalse {
			logger.Warn("CoInitializeEx failed with E_FALSE due to redundant invocation")
			return nil
		}

		logger.Warnw("Failed to call CoInitializeEx", "error", err)
		return fmt.Errorf("call CoInitializeEx: %w", err)
	}

	return nil
}

func (c *wcaCaptureSource) Start(onFrames FrameCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.logger.Warn("Capture session already running, refusing to start another")
		return ErrAlreadyRunning
	}

	if err := initializeCOM(c.logger); err != nil {
		return fmt.Errorf("capture session: %w", err)
	}

	var enumerator *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&enumerator,
	); err != nil {
		c.logger.Warnw("Failed to create device enumerator for capture", "error", err)
		return fmt.Errorf("create device enumerator: %w", ErrAudioInitFailed)
	}

	// loopback records from the default render endpoint
	var device *wca.IMMDevice
	if err := enumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &device); err != nil {
		enumerator.Release()
		c.logger.Warnw("Failed to get default render endpoint for loopback", "error", err)
		return fmt.Errorf("get default render endpoint: %w", ErrAudioInitFailed)
	}

	var audioClient *wca.IAudioClient
	if err := device.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &audioClient); err != nil {
		device.Release()
		enumerator.Release()
		c.logger.Warnw("Failed to activate IAudioClient for loopback", "error", err)
		return fmt.Errorf("activate audio client: %w", ErrAudioInitFailed)
	}

	release := func() {
		audioClient.Release()
		device.Release()
		enumerator.Release()
	}

	var wfx *wca.WAVEFORMATEX
	if err := audioClient.GetMixFormat(&wfx); err != nil {
		release()
		c.logger.Warnw("Failed to get mix format", "error", err)
		return fmt.Errorf("get mix format: %w", ErrAudioInitFailed)
	}

	var defaultPeriod, minimumPeriod wca.REFERENCE_TIME
	if err := audioClient.GetDevicePeriod(&defaultPeriod, &minimumPeriod); err != nil {
		release()
		c.logger.Warnw("Failed to get device period", "error", err)
		return fmt.Errorf("get device period: %w", ErrAudioInitFailed)
	}

	if err := audioClient.Initialize(
		wca.AUDCLNT_SHAREMODE_SHARED,
		wca.AUDCLNT_STREAMFLAGS_LOOPBACK,
		defaultPeriod,
		0,
		wfx,
		nil,
	); err != nil {
		release()
		c.logger.Warnw("Failed to initialize loopback audio client", "error", err)
		return fmt.Errorf("initialize loopback audio client: %w", ErrAudioInitFailed)
	}

	var captureClient *wca.IAudioCaptureClient
	if err := audioClient.GetService(wca.IID_IAudioCaptureClient, &captureClient); err != nil {
		release()
		c.logger.Warnw("Failed to get IAudioCaptureClient", "error", err)
		return fmt.Errorf("get capture client: %w", ErrAudioInitFailed)
	}

	if err := audioClient.Start(); err != nil {
		captureClient.Release()
		release()
		c.logger.Warnw("Failed to start loopback audio client", "error", err)
		return fmt.Errorf("start loopback audio client: %w", ErrAudioInitFailed)
	}

	c.format = AudioFormat{
		SampleRate:    int(wfx.NSamplesPerSec),
		Channels:      int(wfx.NChannels),
		BitsPerSample: int(wfx.WBitsPerSample),
	}

	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	c.logger.Infow("Loopback capture started", "format", c.format)

	go c.captureLoop(onFrames, enumerator, device, audioClient, captureClient)

	return nil
}

func (c *wcaCaptureSource) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		c.logger.Debug("Capture not running, nothing to stop")
		return
	}

	c.logger.Debug("Stopping capture, waiting for capture goroutine to exit")
	close(c.stop)
	<-c.done
	c.running = false

	c.logger.Info("Loopback capture stopped")
}

func (c *wcaCaptureSource) Format() AudioFormat {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.format
}

func (c *wcaCaptureSource) captureLoop(
	onFrames FrameCallback,
	enumerator *wca.IMMDeviceEnumerator,
	device *wca.IMMDevice,
	audioClient *wca.IAudioClient,
	captureClient *wca.IAudioCaptureClient,
) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer close(c.done)
	defer func() {
		_ = audioClient.Stop()
		captureClient.Release()
		audioClient.Release()
		device.Release()
		enumerator.Release()
	}()

	_ = initializeCOM(c.logger)
	defer ole.CoUninitialize()

	bytesPerFrame := c.format.BytesPerFrame()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		var packetLength uint32
		if err := captureClient.GetNextPacketSize(&packetLength); err != nil {
			c.loopDied("get next packet size", err)
			return
		}

		for packetLength != 0 {
			var (
				data           *byte
				frames         uint32
				flags          uint32
				devicePosition uint64
				qpcPosition    uint64
			)

			if err := captureClient.GetBuffer(&data, &frames, &flags, &devicePosition, &qpcPosition); err != nil {
				c.loopDied("get capture buffer", err)
				return
			}

			packetBytes := int(frames) * bytesPerFrame

			if flags&wca.AUDCLNT_BUFFERFLAGS_SILENT != 0 {
				// silence still gets delivered, as zeroed frames, so downstream
				// buffering and timing stay continuous
				onFrames(c.silence(packetBytes), frames)
			} else {
				onFrames(unsafe.Slice(data, packetBytes), frames)
			}

			if err := captureClient.ReleaseBuffer(frames); err != nil {
				c.loopDied("release capture buffer", err)
				return
			}

			if err := captureClient.GetNextPacketSize(&packetLength); err != nil {
				c.loopDied("get next packet size", err)
				return
			}
		}

		// idle briefly between packets instead of busy-spinning
		select {
		case <-c.stop:
			return
		case <-time.After(captureIdleInterval):
		}
	}
}

// loopDied publishes a mid-stream failure before the capture goroutine
// unwinds, so subscribers learn the audio path stopped flowing.
func (c *wcaCaptureSource) loopDied(what string, err error) {
	c.logger.Errorw("Capture loop exiting", "cause", what, "error", err)
	c.reporter.ReportError(captureLoopFailure(what, err))
}

func (c *wcaCaptureSource) silence(size int) []byte {
	if cap(c.silenceBuf) < size {
		c.silenceBuf = make([]byte, size)
	}

	return c.silenceBuf[:size]
}
