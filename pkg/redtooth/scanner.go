package redtooth

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// DiscoveredDevice is one entry of the discovery cache. Connected is filled
// in from the connection pool's view at query time. Authenticated and Class
// describe pairing state and class of device, which LE advertisements do not
// carry; both stay at their zero values until a transport that reports them
// is wired in.
type DiscoveredDevice struct {
	Address       DeviceAddress
	Name          string
	Connected     bool
	Authenticated bool
	RSSI          int
	Class         uint32
}

// DeviceFoundCallback fires once per newly sighted device, fire-and-forget.
type DeviceFoundCallback func(device DiscoveredDevice)

// Scanner supplies the stream of discovered-device events and the queryable
// device cache the rest of the system keys off. The core only consumes its
// callback and its cache; nothing else depends on how scanning works.
type Scanner struct {
	logger   *zap.SugaredLogger
	reporter ErrorReporter

	adapter *bluetooth.Adapter

	backoffFloor   time.Duration
	backoffCeiling time.Duration

	lock        sync.Mutex
	scanning    bool
	cache       []DiscoveredDevice
	onFound     DeviceFoundCallback
	stopChannel chan struct{}
	doneChannel chan struct{}
}

func newScanner(logger *zap.SugaredLogger, reporter ErrorReporter, backoffFloor, backoffCeiling time.Duration) (*Scanner, error) {
	s := &Scanner{
		logger:         logger.Named("scanner"),
		reporter:       reporter,
		adapter:        bluetooth.DefaultAdapter,
		backoffFloor:   backoffFloor,
		backoffCeiling: backoffCeiling,
	}

	s.logger.Debug("Created scanner instance")

	return s, nil
}

// SetOnDeviceFound registers the new-device callback. Only first sightings
// fire it; later scan cycles just refresh the cache entry.
func (s *Scanner) SetOnDeviceFound(cb DeviceFoundCallback) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.onFound = cb
}

// StartScanning begins continuous inquiry on a background goroutine.
// Starting an already-scanning scanner is a no-op success.
func (s *Scanner) StartScanning() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.scanning {
		s.logger.Debug("Already scanning")
		return nil
	}

	if err := s.adapter.Enable(); err != nil {
		s.logger.Warnw("Bluetooth radio is not ready", "error", err)
		return fmt.Errorf("enable bluetooth adapter: %w", ErrOperationFailed)
	}

	s.scanning = true
	s.stopChannel = make(chan struct{})
	s.doneChannel = make(chan struct{})

	go s.scanLoop()

	s.logger.Info("Device scanning started")

	return nil
}

// StopScanning halts inquiry and blocks until the scan goroutine has exited.
func (s *Scanner) StopScanning() {
	s.lock.Lock()
	if !s.scanning {
		s.lock.Unlock()
		s.logger.Debug("Not scanning, nothing to stop")
		return
	}
	s.scanning = false
	close(s.stopChannel)
	s.lock.Unlock()

	// unblock the in-flight Scan call
	_ = s.adapter.StopScan()
	<-s.doneChannel

	s.logger.Info("Device scanning stopped")
}

// DiscoveredDevices returns a snapshot of the device cache.
func (s *Scanner) DiscoveredDevices() []DiscoveredDevice {
	s.lock.Lock()
	defer s.lock.Unlock()

	snapshot := make([]DiscoveredDevice, len(s.cache))
	copy(snapshot, s.cache)

	return snapshot
}

// scanLoop runs inquiry cycles until stopped. Failed cycles retry on the
// shared backoff policy; the wait is interruptible so StopScanning is honored
// promptly.
func (s *Scanner) scanLoop() {
	defer close(s.doneChannel)

	retry := newBackoff(s.backoffFloor, s.backoffCeiling)

	for {
		select {
		case <-s.stopChannel:
			return
		default:
		}

		s.logger.Debug("Scanning cycle starting")

		// blocks until StopScan or a stack error
		err := s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			s.handleResult(result)
		})
		if err == nil {
			retry.Reset()
			continue
		}

		delay := retry.Next()
		s.logger.Warnw("Scan cycle failed, retrying", "error", err, "retryIn", delay)
		s.reporter.ReportError(fmt.Errorf("device scan: %w", err))

		select {
		case <-s.stopChannel:
			return
		case <-time.After(delay):
		}
	}
}

func (s *Scanner) handleResult(result bluetooth.ScanResult) {
	addr, err := ParseDeviceAddress(result.Address.String())
	if err != nil {
		s.logger.Debugw("Ignoring scan result with unusable address", "address", result.Address.String())
		return
	}

	s.recordSighting(addr, result.LocalName(), int(result.RSSI))
}

// recordSighting folds one advertisement into the cache. A first sighting
// appends and fires the found callback; a repeat sighting refreshes the
// existing entry in place and stays silent.
func (s *Scanner) recordSighting(addr DeviceAddress, name string, rssi int) {
	// LE advertisements carry neither a class of device nor the pairing
	// state, so Class and Authenticated stay zero here
	device := DiscoveredDevice{
		Address: addr,
		Name:    name,
		RSSI:    rssi,
	}

	s.lock.Lock()
	for i := range s.cache {
		if s.cache[i].Address == addr {
			// nameless advertisements must not wipe a name we already have
			if device.Name != "" {
				s.cache[i].Name = device.Name
			}
			s.cache[i].RSSI = device.RSSI
			s.lock.Unlock()
			return
		}
	}
	s.cache = append(s.cache, device)
	onFound := s.onFound
	s.lock.Unlock()

	s.logger.Debugw("Device found",
		"address", addr,
		"name", device.Name,
		"rssi", device.RSSI)

	if onFound != nil {
		onFound(device)
	}
}

// deviceName looks a discovered device's name up by address.
func (s *Scanner) deviceName(addr DeviceAddress) string {
	s.lock.Lock()
	defer s.lock.Unlock()

	for i := range s.cache {
		if s.cache[i].Address == addr {
			return s.cache[i].Name
		}
	}

	return ""
}
