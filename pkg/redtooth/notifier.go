package redtooth

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier lets components raise user-facing notifications without caring how
// they are delivered.
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast-style notifications through the OS
type ToastNotifier struct {
	logger  *zap.SugaredLogger
	enabled bool
}

func NewToastNotifier(logger *zap.SugaredLogger, enabled bool) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	logger.Debug("Created toast notifier instance")

	return &ToastNotifier{logger: logger, enabled: enabled}, nil
}

// SetEnabled toggles delivery. The notifier is constructed before the config
// is loaded, so the disable_notifications setting is applied through this.
func (tn *ToastNotifier) SetEnabled(enabled bool) {
	tn.enabled = enabled
}

// Notify sends a toast notification (or logs it when notifications are off)
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if !tn.enabled {
		return
	}

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Warnw("Failed to send toast notification", "error", err)
	}
}
