package redtooth

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"go.uber.org/zap"
)

// format tags for WAVEFORMATEX; shared-mode loopback usually mixes in 32-bit float
const (
	waveFormatPCM       = 0x0001
	waveFormatIEEEFloat = 0x0003
)

// hardware queue depth requested from the endpoint, in REFERENCE_TIME units
const renderBufferDuration = wca.REFERENCE_TIME(10000000) // 1s

// wcaRenderSink drives one WASAPI render endpoint resolved from a device
// address by friendly-name match. The Router serializes all calls on a sink,
// so no internal locking is needed here.
type wcaRenderSink struct {
	logger *zap.SugaredLogger

	addr       DeviceAddress
	deviceName string

	state        sinkState
	format       AudioFormat
	channelCount int
	bufferFrames uint32

	enumerator   *wca.IMMDeviceEnumerator
	device       *wca.IMMDevice
	audioClient  *wca.IAudioClient
	renderClient *wca.IAudioRenderClient
}

func newRenderSink(logger *zap.SugaredLogger, addr DeviceAddress, deviceName string) RenderSink {
	return &wcaRenderSink{
		logger:     logger.Named("sink"),
		addr:       addr,
		deviceName: deviceName,
		state:      sinkUninitialized,
	}
}

func (s *wcaRenderSink) Initialize(format AudioFormat) error {
	if s.state != sinkUninitialized {
		return fmt.Errorf("initialize sink in state %s: %w", s.state, ErrOperationFailed)
	}

	if err := initializeCOM(s.logger); err != nil {
		return fmt.Errorf("render session: %w", err)
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&s.enumerator,
	); err != nil {
		s.logger.Warnw("Failed to create device enumerator for render", "error", err)
		return fmt.Errorf("create device enumerator: %w", ErrAudioInitFailed)
	}

	endpoint, err := s.resolveEndpoint()
	if err != nil {
		s.Close()
		return err
	}
	s.device = endpoint

	if err := s.device.Activate(wca.IID_IAudioClient, wca.CLSCTX_ALL, nil, &s.audioClient); err != nil {
		s.Close()
		s.logger.Warnw("Failed to activate IAudioClient for render", "address", s.addr, "error", err)
		return fmt.Errorf("activate render audio client: %w", ErrAudioInitFailed)
	}

	var mixFormat *wca.WAVEFORMATEX
	if err := s.audioClient.GetMixFormat(&mixFormat); err != nil {
		s.Close()
		s.logger.Warnw("Failed to get render mix format", "address", s.addr, "error", err)
		return fmt.Errorf("get render mix format: %w", ErrAudioInitFailed)
	}
	s.channelCount = int(mixFormat.NChannels)

	// the session is opened with the capture's exact format; no conversion
	// happens anywhere in the pipeline, so a device that cannot take it is
	// rejected here rather than fed garbage
	wfx := waveFormatFor(format)
	if err := s.audioClient.Initialize(
		wca.AUDCLNT_SHAREMODE_SHARED,
		0,
		renderBufferDuration,
		0,
		wfx,
		nil,
	); err != nil {
		s.Close()
		s.logger.Warnw("Device rejected capture format",
			"address", s.addr,
			"format", format,
			"error", err)
		return fmt.Errorf("initialize render session with %s: %w", format, ErrFormatRejected)
	}

	if err := s.audioClient.GetBufferSize(&s.bufferFrames); err != nil {
		s.Close()
		s.logger.Warnw("Failed to get render buffer size", "address", s.addr, "error", err)
		return fmt.Errorf("get render buffer size: %w", ErrAudioInitFailed)
	}

	if err := s.audioClient.GetService(wca.IID_IAudioRenderClient, &s.renderClient); err != nil {
		s.Close()
		s.logger.Warnw("Failed to get IAudioRenderClient", "address", s.addr, "error", err)
		return fmt.Errorf("get render client: %w", ErrAudioInitFailed)
	}

	if err := s.audioClient.Start(); err != nil {
		s.Close()
		s.logger.Warnw("Failed to start render audio client", "address", s.addr, "error", err)
		return fmt.Errorf("start render audio client: %w", ErrAudioInitFailed)
	}

	s.format = format
	s.state = sinkReady

	s.logger.Infow("Render sink initialized",
		"address", s.addr,
		"format", format,
		"bufferFrames", s.bufferFrames)

	return nil
}

// resolveEndpoint walks the active render endpoints looking for the one whose
// friendly name carries the discovered device name, e.g.
// "Headphones (WH-1000XM4 Stereo)".
func (s *wcaRenderSink) resolveEndpoint() (*wca.IMMDevice, error) {
	if s.deviceName == "" {
		return nil, fmt.Errorf("no discovered name for %s: %w", s.addr, ErrDeviceNotFound)
	}

	var collection *wca.IMMDeviceCollection
	if err := s.enumerator.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &collection); err != nil {
		s.logger.Warnw("Failed to enumerate active render endpoints", "error", err)
		return nil, fmt.Errorf("enumerate render endpoints: %w", ErrAudioInitFailed)
	}

	var count uint32
	if err := collection.GetCount(&count); err != nil {
		s.logger.Warnw("Failed to get endpoint count", "error", err)
		return nil, fmt.Errorf("get endpoint count: %w", ErrAudioInitFailed)
	}

	for idx := uint32(0); idx < count; idx++ {
		var endpoint *wca.IMMDevice
		if err := collection.Item(idx, &endpoint); err != nil {
			s.logger.Warnw("Failed to get endpoint from collection", "endpointIdx", idx, "error", err)
			continue
		}

		var propertyStore *wca.IPropertyStore
		if err := endpoint.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
			endpoint.Release()
			continue
		}

		value := &wca.PROPVARIANT{}
		err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value)
		propertyStore.Release()
		if err != nil {
			endpoint.Release()
			continue
		}

		friendlyName := value.String()
		if strings.Contains(strings.ToLower(friendlyName), strings.ToLower(s.deviceName)) {
			s.logger.Debugw("Resolved render endpoint for device",
				"address", s.addr,
				"deviceName", s.deviceName,
				"endpointName", friendlyName)
			return endpoint, nil
		}

		endpoint.Release()
	}

	s.logger.Warnw("No render endpoint matched device",
		"address", s.addr,
		"deviceName", s.deviceName)

	return nil, fmt.Errorf("no render endpoint for %s (%s): %w", s.addr, s.deviceName, ErrDeviceNotFound)
}

func (s *wcaRenderSink) Feed(data []byte, frames uint32) error {
	if s.state != sinkReady && s.state != sinkFeeding {
		return fmt.Errorf("feed sink in state %s: %w", s.state, ErrNotInitialized)
	}

	var padding uint32
	if err := s.audioClient.GetCurrentPadding(&padding); err != nil {
		return fmt.Errorf("get render padding: %w", ErrOperationFailed)
	}

	if s.bufferFrames-padding < frames {
		return ErrBufferFull
	}

	var buf *byte
	if err := s.renderClient.GetBuffer(frames, &buf); err != nil {
		return fmt.Errorf("get render buffer: %w", ErrOperationFailed)
	}

	// size comes from the session's negotiated format, never a fixed frame-size guess
	packetBytes := int(frames) * s.format.BytesPerFrame()
	copy(unsafe.Slice(buf, packetBytes), data[:packetBytes])

	if err := s.renderClient.ReleaseBuffer(frames, 0); err != nil {
		return fmt.Errorf("release render buffer: %w", ErrOperationFailed)
	}

	s.state = sinkFeeding

	return nil
}

func (s *wcaRenderSink) ChannelCount() int {
	return s.channelCount
}

func (s *wcaRenderSink) Close() {
	if s.state == sinkClosed {
		return
	}

	if s.audioClient != nil && s.state != sinkUninitialized {
		_ = s.audioClient.Stop()
	}
	if s.renderClient != nil {
		s.renderClient.Release()
		s.renderClient = nil
	}
	if s.audioClient != nil {
		s.audioClient.Release()
		s.audioClient = nil
	}
	if s.device != nil {
		s.device.Release()
		s.device = nil
	}
	if s.enumerator != nil {
		s.enumerator.Release()
		s.enumerator = nil
	}

	s.state = sinkClosed

	s.logger.Debugw("Render sink closed", "address", s.addr)
}

func waveFormatFor(format AudioFormat) *wca.WAVEFORMATEX {
	tag := uint16(waveFormatPCM)
	if format.BitsPerSample == 32 {
		tag = waveFormatIEEEFloat
	}

	return &wca.WAVEFORMATEX{
		WFormatTag:      tag,
		NChannels:       uint16(format.Channels),
		NSamplesPerSec:  uint32(format.SampleRate),
		NAvgBytesPerSec: uint32(format.SampleRate * format.BytesPerFrame()),
		NBlockAlign:     uint16(format.BytesPerFrame()),
		WBitsPerSample:  uint16(format.BitsPerSample),
		CbSize:          0,
	}
}
