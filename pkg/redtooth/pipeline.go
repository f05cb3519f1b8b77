package redtooth

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Pipeline ties the loopback capture source to the router. It owns the
// start/stop ordering: sinks are attached before frames flow, and frame
// delivery is fully drained before any sink is torn down.
type Pipeline struct {
	logger   *zap.SugaredLogger
	capture  CaptureSource
	router   *Router
	reporter ErrorReporter

	lock    sync.Mutex
	running bool
}

func newPipeline(logger *zap.SugaredLogger, reporter ErrorReporter, capture CaptureSource, router *Router) *Pipeline {
	p := &Pipeline{
		logger:   logger.Named("pipeline"),
		capture:  capture,
		router:   router,
		reporter: reporter,
	}

	p.logger.Debug("Created pipeline instance")

	return p
}

// Start begins loopback capture and fan-out. Starting a running pipeline is
// an error; stop it first.
func (p *Pipeline) Start() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.running {
		p.logger.Warn("Pipeline already running")
		return fmt.Errorf("start pipeline: %w", ErrAlreadyRunning)
	}

	if err := p.capture.Start(p.router.OnFrames); err != nil {
		p.logger.Errorw("Failed to start loopback capture", "error", err)

		wrapped := fmt.Errorf("start loopback capture: %w", err)
		p.reporter.ReportError(wrapped)

		return wrapped
	}

	p.running = true
	p.logger.Infow("Pipeline started", "format", p.capture.Format())

	return nil
}

// Stop halts capture and joins the capture goroutine. The attached sinks
// stay in place so a later Start resumes delivery to them.
func (p *Pipeline) Stop() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.running {
		p.logger.Debug("Pipeline not running, nothing to stop")
		return
	}

	p.capture.Stop()
	p.running = false

	p.logger.Info("Pipeline stopped")
}

// release stops the pipeline and closes every attached sink. Capture is
// halted first, so no frame callback can be in flight when a sink is torn
// down.
func (p *Pipeline) release() {
	p.Stop()
	p.router.release()
}

// Running reports whether capture is active.
func (p *Pipeline) Running() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.running
}

// Format exposes the capture source's negotiated format.
func (p *Pipeline) Format() AudioFormat {
	return p.capture.Format()
}
