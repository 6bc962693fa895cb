// Package notifier shows desktop notifications for script loads and failures
package notifier

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/poltergeist/prototype/pkg/logger"
)

// repeatWindow suppresses the same failure re-notified by every save.
const repeatWindow = 5 * time.Second

// ScriptNotifier handles script notifications
type ScriptNotifier struct {
	enabled     bool
	sound       bool
	notifyLoads bool
	logger      logger.Logger

	send func(title, message, icon string) error
	beep func(freq float64, duration int) error
	now  func() time.Time

	mu          sync.Mutex
	lastFailure string
	lastAt      time.Time
}

// Config represents notification configuration
type Config struct {
	Enabled bool
	// Sound beeps on failures.
	Sound bool
	// Loads also notifies successful loads, not just failures.
	Loads bool
}

// New creates a new script notifier
func New(config Config, log logger.Logger) *ScriptNotifier {
	if log == nil {
		log = logger.Discard()
	}
	return &ScriptNotifier{
		enabled:     config.Enabled,
		sound:       config.Sound,
		notifyLoads: config.Loads,
		logger:      log,
		send: func(title, message, icon string) error {
			return beeep.Notify(title, message, icon)
		},
		beep: func(freq float64, duration int) error {
			return beeep.Beep(freq, duration)
		},
		now: time.Now,
	}
}

// NotifyLoadSuccess notifies that a script compiled and is running
func (n *ScriptNotifier) NotifyLoadSuccess(engineName, path string) {
	if !n.enabled || !n.notifyLoads {
		return
	}

	n.mu.Lock()
	n.lastFailure = ""
	n.mu.Unlock()

	title := "🎛 Script Loaded"
	message := fmt.Sprintf("%s: %s", engineName, filepath.Base(path))
	n.sendNotification(title, message, false)
}

// NotifyFailure notifies that a script failed to load or failed while running
func (n *ScriptNotifier) NotifyFailure(engineName, path, message string) {
	if !n.enabled {
		return
	}

	key := engineName + "\x00" + path + "\x00" + message
	now := n.now()
	n.mu.Lock()
	if key == n.lastFailure && now.Sub(n.lastAt) < repeatWindow {
		n.mu.Unlock()
		return
	}
	n.lastFailure = key
	n.lastAt = now
	n.mu.Unlock()

	title := "❌ Script Failed"
	if engineName != "" {
		title = fmt.Sprintf("❌ %s Script Failed", engineName)
	}
	body := message
	if path != "" {
		body = fmt.Sprintf("%s: %s", filepath.Base(path), message)
	}
	n.sendNotification(title, body, n.sound)
}

func (n *ScriptNotifier) sendNotification(title, message string, withSound bool) {
	if err := n.send(title, message, ""); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithError(err))
		n.logger.Info(fmt.Sprintf("%s: %s", title, message))
	}

	if withSound {
		if err := n.beep(beeep.DefaultFreq, beeep.DefaultDuration); err != nil {
			n.logger.Debug("Failed to play sound", logger.WithError(err))
		}
	}
}
