package redtooth

import (
	"fmt"
	"time"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// linkHealth is the watchdog's view of one supervised address.
type linkHealth int

const (
	linkHealthy linkHealth = iota
	linkSuspect
	linkReconnecting
)

func (h linkHealth) String() string {
	switch h {
	case linkHealthy:
		return "healthy"
	case linkSuspect:
		return "suspect"
	case linkReconnecting:
		return "reconnecting"
	}

	return "unknown"
}

// supervisedPool is the slice of ConnectionPool the watchdog drives.
type supervisedPool interface {
	DesiredAddresses() []DeviceAddress
	IsConnected(addr DeviceAddress) bool
	Connect(addr DeviceAddress) error
}

// linkSupervision carries per-address retry state. Backoff is monotone
// non-decreasing across consecutive failures and resets to its floor on the
// first success.
type linkSupervision struct {
	health      linkHealth
	retry       *backoff
	nextAttempt time.Time
	failures    int
	notified    bool
}

// Watchdog periodically compares the pool's desired device set against actual
// connectivity and re-issues Connect for anything that should be up but is
// not. It never gives up on a desired address; only explicit removal from the
// pool ends supervision. After suspectThreshold consecutive failures it
// raises a one-shot notification so total unreachability is visible, then
// keeps retrying on the backoff schedule.
type Watchdog struct {
	logger   *zap.SugaredLogger
	pool     supervisedPool
	reporter ErrorReporter
	notifier Notifier

	interval         time.Duration
	backoffFloor     time.Duration
	backoffCeiling   time.Duration
	suspectThreshold int

	links map[DeviceAddress]*linkSupervision

	stopChannel chan struct{}
	doneChannel chan struct{}
	running     bool
}

func newWatchdog(
	logger *zap.SugaredLogger,
	pool supervisedPool,
	reporter ErrorReporter,
	notifier Notifier,
	interval time.Duration,
	backoffFloor time.Duration,
	backoffCeiling time.Duration,
	suspectThreshold int,
) *Watchdog {
	w := &Watchdog{
		logger:           logger.Named("watchdog"),
		pool:             pool,
		reporter:         reporter,
		notifier:         notifier,
		interval:         interval,
		backoffFloor:     backoffFloor,
		backoffCeiling:   backoffCeiling,
		suspectThreshold: suspectThreshold,
		links:            make(map[DeviceAddress]*linkSupervision),
	}

	w.logger.Debug("Created watchdog instance")

	return w
}

func (w *Watchdog) Start() {
	if w.running {
		w.logger.Debug("Watchdog already running")
		return
	}

	w.running = true
	w.stopChannel = make(chan struct{})
	w.doneChannel = make(chan struct{})

	go w.loop()

	w.logger.Infow("Watchdog started", "interval", w.interval)
}

// Stop blocks until the supervision goroutine has exited, so the pool can be
// torn down afterwards without racing a poll.
func (w *Watchdog) Stop() {
	if !w.running {
		w.logger.Debug("Watchdog not running, nothing to stop")
		return
	}

	close(w.stopChannel)
	<-w.doneChannel
	w.running = false

	w.logger.Info("Watchdog stopped")
}

func (w *Watchdog) loop() {
	defer close(w.doneChannel)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChannel:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll runs one supervisory pass. Exported behavior is driven purely through
// the pool; the links map is only touched from the supervision goroutine.
func (w *Watchdog) poll() {
	desired := w.pool.DesiredAddresses()

	// drop supervision for addresses no longer desired
	for addr := range w.links {
		if !funk.Contains(desired, addr) {
			delete(w.links, addr)
			w.logger.Debugw("Supervision ended", "address", addr)
		}
	}

	now := time.Now()

	for _, addr := range desired {
		link, ok := w.links[addr]
		if !ok {
			link = &linkSupervision{
				health: linkHealthy,
				retry:  newBackoff(w.backoffFloor, w.backoffCeiling),
			}
			w.links[addr] = link
		}

		if w.pool.IsConnected(addr) {
			if link.health != linkHealthy {
				w.logger.Infow("Device link recovered", "address", addr, "failures", link.failures)
				w.notify("Device reconnected", fmt.Sprintf("Audio device %s is back.", addr))
			}
			link.health = linkHealthy
			link.retry.Reset()
			link.failures = 0
			link.notified = false
			link.nextAttempt = time.Time{}

			continue
		}

		if link.health == linkHealthy {
			w.logger.Warnw("Desired device is not connected", "address", addr)
			link.health = linkSuspect
		}

		if now.Before(link.nextAttempt) {
			continue
		}

		link.health = linkReconnecting

		if err := w.pool.Connect(addr); err != nil {
			link.failures++
			delay := link.retry.Next()
			link.nextAttempt = now.Add(delay)
			link.health = linkSuspect

			w.logger.Warnw("Reconnect attempt failed",
				"address", addr,
				"consecutiveFailures", link.failures,
				"nextAttemptIn", delay)
			w.reporter.ReportError(fmt.Errorf("reconnect %s: %w", addr, err))

			// no give-up policy: keep retrying forever, but tell a human once
			if link.failures == w.suspectThreshold && !link.notified {
				link.notified = true
				w.notify("Device unreachable",
					fmt.Sprintf("Audio device %s keeps failing to reconnect; still retrying.", addr))
			}

			continue
		}

		w.logger.Infow("Device reconnected", "address", addr, "afterFailures", link.failures)
		link.health = linkHealthy
		link.retry.Reset()
		link.failures = 0
		link.notified = false
		link.nextAttempt = time.Time{}
	}
}

func (w *Watchdog) notify(title, message string) {
	if w.notifier != nil {
		w.notifier.Notify(title, message)
	}
}
