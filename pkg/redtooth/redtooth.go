// Package redtooth implements a system-audio bridge that mirrors whatever
// the machine is currently playing to one or more Bluetooth audio sinks,
// keeping their links alive across dropouts.
package redtooth

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cryogenicdeadfrost/Project-RedTooth/pkg/redtooth/util"
)

// how long the initial discovery inquiry runs when fast_reconnect is off
const discoveryWarmupDuration = 30 * time.Second

// RedTooth is the main entity managing all subcomponents
type RedTooth struct {
	logger    *zap.SugaredLogger
	notifier  *ToastNotifier
	configMan *ConfigManager

	scanner  *Scanner
	profile  ProfileClient
	pool     *ConnectionPool
	watchdog *Watchdog
	router   *Router
	pipeline *Pipeline

	errorLock      sync.Mutex
	errorConsumers []chan ErrorEvent

	runningWithTray bool
	stopChannel     chan bool
	version         string
	verbose         bool
}

func NewRedTooth(logger *zap.SugaredLogger, verbose bool) (*RedTooth, error) {
	logger = logger.Named("redtooth")

	notifier, err := NewToastNotifier(logger, true)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	rt := &RedTooth{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	scanner, err := newScanner(logger, rt, defaultBackoffFloor, defaultBackoffCeiling)
	if err != nil {
		logger.Errorw("Failed to create Scanner", "error", err)
		return nil, fmt.Errorf("create new Scanner: %w", err)
	}

	rt.scanner = scanner

	profile, err := newProfileClient(logger)
	if err != nil {
		logger.Errorw("Failed to create ProfileClient", "error", err)
		return nil, fmt.Errorf("create new ProfileClient: %w", err)
	}

	rt.profile = profile
	rt.pool = newConnectionPool(logger, profile)

	capture, err := newCaptureSource(logger, rt)
	if err != nil {
		logger.Errorw("Failed to create CaptureSource", "error", err)
		return nil, fmt.Errorf("create new CaptureSource: %w", err)
	}

	// sinks resolve their OS endpoint by the name the scanner saw the device
	// under, so the factory closes over the scanner's cache
	rt.router = newRouter(logger, rt, func(addr DeviceAddress) (RenderSink, error) {
		return newRenderSink(logger, addr, rt.scanner.deviceName(addr)), nil
	})

	rt.pipeline = newPipeline(logger, rt, capture, rt.router)

	logger.Debug("Created redtooth instance")

	return rt, nil
}

func (rt *RedTooth) currConf() *Config {
	return &rt.configMan.current
}

// Initialize sets up components and starts to run in the background
func (rt *RedTooth) Initialize() error {
	rt.logger.Debug("Initializing")

	// load the config for the first time
	if err := rt.configMan.Load(); err != nil {
		rt.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	rt.notifier.SetEnabled(!rt.currConf().DisableNotifications)

	conf := rt.currConf()
	rt.watchdog = newWatchdog(rt.logger, rt.pool, rt, rt.notifier,
		conf.watchdogInterval(),
		conf.backoffFloor(),
		conf.backoffCeiling(),
		conf.suspectThreshold())

	// fast_reconnect keeps discovery running continuously so devices are
	// re-sighted the moment they come in range; otherwise an initial warmup
	// inquiry populates the cache and further scans are on-demand via the tray
	if err := rt.scanner.StartScanning(); err != nil {
		rt.logger.Warnw("Failed to start device scanning", "error", err)
	} else if !conf.FastReconnect {
		go func() {
			<-time.After(discoveryWarmupDuration)
			rt.logger.Debug("Warmup discovery window elapsed, stopping scan")
			rt.scanner.StopScanning()
		}()
	}

	// bring up the configured devices; failures here are not fatal, the
	// watchdog keeps working on anything that didn't come up. Their sinks
	// attach once the pipeline starts and the capture format is known
	for _, addr := range conf.outputAddresses(rt.logger) {
		if err := rt.AddOutputDevice(addr); err != nil {
			rt.logger.Warnw("Configured device didn't connect on startup", "address", addr, "error", err)
		}
	}

	rt.watchdog.Start()

	rt.setupInterruptHandler()

	if rt.currConf().DisableTray {
		rt.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		rt.run()
	} else {
		rt.runningWithTray = true
		rt.initializeTray(rt.run)
	}

	return nil
}

// StartPipeline begins mirroring system audio to the attached sinks. Devices
// connected while the pipeline was down get their sinks attached here, once
// the capture format is actually known.
func (rt *RedTooth) StartPipeline() error {
	if err := rt.pipeline.Start(); err != nil {
		return err
	}

	rt.attachDesiredSinks()

	return nil
}

// StopPipeline halts mirroring. The device links and the sink set stay up, so
// a later StartPipeline resumes delivery to the same devices.
func (rt *RedTooth) StopPipeline() {
	rt.pipeline.Stop()
}

// attachDesiredSinks brings the router's membership in line with the pool's
// desired set. Safe to call repeatedly; already-attached sinks are left alone.
func (rt *RedTooth) attachDesiredSinks() {
	format := rt.pipeline.Format()

	for _, addr := range rt.pool.DesiredAddresses() {
		if err := rt.router.AddSink(addr, format); err != nil && !errors.Is(err, ErrAlreadyPresent) {
			rt.logger.Warnw("Failed to attach render sink", "address", addr, "error", err)
			rt.ReportError(err)
		}
	}
}

// AddOutputDevice connects a device's audio profile and attaches its render
// sink to the router. While the pipeline is down the sink attachment is
// deferred to the next StartPipeline, which knows the capture format.
func (rt *RedTooth) AddOutputDevice(addr DeviceAddress) error {
	if err := rt.pool.Connect(addr); err != nil {
		rt.logger.Warnw("Failed to connect output device", "address", addr, "error", err)
		return fmt.Errorf("connect output device: %w", err)
	}

	if !rt.pipeline.Running() {
		rt.logger.Debugw("Pipeline not running, deferring sink attachment", "address", addr)
		return nil
	}

	if err := rt.router.AddSink(addr, rt.pipeline.Format()); err != nil && !errors.Is(err, ErrAlreadyPresent) {
		rt.logger.Warnw("Failed to attach render sink", "address", addr, "error", err)
		return fmt.Errorf("attach render sink: %w", err)
	}

	return nil
}

// RemoveOutputDevice detaches the device's sink, drops its link and stops
// supervising it.
func (rt *RedTooth) RemoveOutputDevice(addr DeviceAddress) error {
	if err := rt.router.RemoveSink(addr); err != nil {
		rt.logger.Debugw("No render sink to detach", "address", addr)
	}

	if err := rt.pool.Disconnect(addr); err != nil {
		rt.logger.Warnw("Failed to disconnect output device", "address", addr, "error", err)
		return fmt.Errorf("disconnect output device: %w", err)
	}

	return nil
}

// Connect brings a device's audio profile up without attaching a sink.
// Failures are returned and also published on the error feed for callers
// driving the boundary asynchronously.
func (rt *RedTooth) Connect(addr DeviceAddress) error {
	if err := rt.pool.Connect(addr); err != nil {
		rt.ReportError(err)
		return err
	}

	return nil
}

// Disconnect drops a device's audio profile.
func (rt *RedTooth) Disconnect(addr DeviceAddress) error {
	if err := rt.pool.Disconnect(addr); err != nil {
		rt.ReportError(err)
		return err
	}

	return nil
}

// IsConnected reports a device's actual link state.
func (rt *RedTooth) IsConnected(addr DeviceAddress) bool {
	return rt.pool.IsConnected(addr)
}

// ChannelCount returns the channel count of an attached sink's endpoint.
func (rt *RedTooth) ChannelCount(addr DeviceAddress) (int, error) {
	return rt.router.ChannelCount(addr)
}

// DiscoveredDevices returns a snapshot of everything the scanner has seen,
// with connection state filled in from the pool's view.
func (rt *RedTooth) DiscoveredDevices() []DiscoveredDevice {
	devices := rt.scanner.DiscoveredDevices()

	for i := range devices {
		devices[i].Connected = rt.pool.cachedConnected(devices[i].Address)
	}

	return devices
}

// SetOnDeviceFound registers a callback for newly discovered devices.
func (rt *RedTooth) SetOnDeviceFound(cb DeviceFoundCallback) {
	rt.scanner.SetOnDeviceFound(cb)
}

// SubscribeToErrors returns a channel carrying classified runtime errors.
// Delivery is best-effort; a slow consumer misses events rather than
// stalling the audio path.
func (rt *RedTooth) SubscribeToErrors() chan ErrorEvent {
	rt.errorLock.Lock()
	defer rt.errorLock.Unlock()

	c := make(chan ErrorEvent, 16)
	rt.errorConsumers = append(rt.errorConsumers, c)

	return c
}

// ReportError classifies an error and fans it out to subscribers.
func (rt *RedTooth) ReportError(err error) {
	event := ErrorEvent{
		Code:    CodeOf(err),
		Message: err.Error(),
	}

	rt.errorLock.Lock()
	defer rt.errorLock.Unlock()

	for _, consumer := range rt.errorConsumers {
		select {
		case consumer <- event:
		default:
		}
	}
}

// SetVersion causes redtooth to add a version string to its tray menu if called before Initialize
func (rt *RedTooth) SetVersion(version string) {
	rt.version = version
}

// Verbose returns a boolean indicating whether redtooth is running in verbose mode
func (rt *RedTooth) Verbose() bool {
	return rt.verbose
}

func (rt *RedTooth) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		rt.logger.Debugw("Interrupted", "signal", signal)
		rt.signalStop()
	}()
}

func (rt *RedTooth) run() {
	defer rt.recoverFromPanic()

	rt.logger.Info("Run loop starting")

	go rt.configMan.WatchConfigFileChanges()
	go rt.consumeConfigReloads()

	go func() {
		if err := rt.StartPipeline(); err != nil {
			rt.logger.Warnw("Failed to start audio pipeline", "error", err)
		}
	}()

	// wait until gracefully stopped
	<-rt.stopChannel
	rt.logger.Debug("Stop channel signaled, terminating")

	if err := rt.stop(); err != nil {
		rt.logger.Warnw("Failed to stop redtooth", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

// consumeConfigReloads reconciles the desired device set whenever the config
// file changes on disk.
func (rt *RedTooth) consumeConfigReloads() {
	reloads := rt.configMan.SubscribeToChanges()

	for range reloads {
		conf := rt.currConf()
		rt.notifier.SetEnabled(!conf.DisableNotifications)

		wanted := conf.outputAddresses(rt.logger)
		current := rt.pool.DesiredAddresses()

		for _, addr := range wanted {
			if !containsAddress(current, addr) {
				rt.logger.Infow("Config reload added device", "address", addr)
				if err := rt.AddOutputDevice(addr); err != nil {
					rt.logger.Warnw("New device didn't come up on reload", "address", addr, "error", err)
				}
			}
		}

		for _, addr := range current {
			if !containsAddress(wanted, addr) {
				rt.logger.Infow("Config reload removed device", "address", addr)
				if err := rt.RemoveOutputDevice(addr); err != nil {
					rt.logger.Warnw("Removed device didn't disconnect on reload", "address", addr, "error", err)
				}
			}
		}
	}
}

func containsAddress(addrs []DeviceAddress, addr DeviceAddress) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}

	return false
}

func (rt *RedTooth) signalStop() {
	rt.logger.Debug("Signalling stop channel")
	rt.stopChannel <- true
}

func (rt *RedTooth) stop() error {
	rt.logger.Info("Stopping")

	rt.configMan.StopWatchingConfigFile()

	// order matters here: stop feeding audio before sinks go away, stop the
	// watchdog before the pool tears its links down
	rt.pipeline.release()

	if rt.watchdog != nil {
		rt.watchdog.Stop()
	}

	rt.scanner.StopScanning()
	rt.pool.release()

	if rt.runningWithTray {
		rt.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = rt.logger.Sync()

	return nil
}
