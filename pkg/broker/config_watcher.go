package broker

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-relay/pkg/config"
	"github.com/polisai/polis-relay/pkg/logging"
)

// ConfigWatcher watches the broker configuration file and triggers a reload
// callback after changes settle.
type ConfigWatcher struct {
	configPath   string
	watcher      *fsnotify.Watcher
	reloadFunc   func(string) error
	logger       *slog.Logger
	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	debounceTime time.Duration
}

// NewConfigWatcher creates a watcher for configPath.
func NewConfigWatcher(configPath string, reloadFunc func(string) error, logger *slog.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigWatcher{
		configPath:   configPath,
		watcher:      watcher,
		reloadFunc:   reloadFunc,
		logger:       logger,
		stopCh:       make(chan struct{}),
		debounceTime: 500 * time.Millisecond,
	}, nil
}

// SetDebounce overrides the settle time before a reload runs.
func (cw *ConfigWatcher) SetDebounce(d time.Duration) {
	cw.mu.Lock()
	cw.debounceTime = d
	cw.mu.Unlock()
}

// Start begins watching. The directory is watched because editors often
// replace files by rename.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	if cw.running {
		cw.mu.Unlock()
		return nil
	}
	cw.running = true
	debounce := cw.debounceTime
	cw.mu.Unlock()

	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		cw.mu.Lock()
		cw.running = false
		cw.mu.Unlock()
		return err
	}

	cw.logger.Info("Config watcher started", "config_path", cw.configPath)

	go cw.watchLoop(ctx, debounce)
	return nil
}

// Stop stops the watcher.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if !cw.running {
		cw.mu.Unlock()
		return nil
	}
	cw.running = false
	cw.mu.Unlock()

	close(cw.stopCh)
	return cw.watcher.Close()
}

// IsRunning returns whether the watcher is currently running
func (cw *ConfigWatcher) IsRunning() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.running
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context, debounce time.Duration) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !cw.isConfigFileEvent(event) {
				continue
			}

			cw.logger.Debug("Config file event detected",
				"event", event.Op.String(),
				"file", event.Name)

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, cw.triggerReload)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("Config watcher error", "error", err)

		case <-cw.stopCh:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (cw *ConfigWatcher) isConfigFileEvent(event fsnotify.Event) bool {
	eventPath, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	configPath, err := filepath.Abs(cw.configPath)
	if err != nil {
		return false
	}
	return eventPath == configPath
}

func (cw *ConfigWatcher) triggerReload() {
	start := time.Now()
	if err := cw.reloadFunc(cw.configPath); err != nil {
		cw.logger.Error("Config reload failed",
			"error", err,
			"duration", time.Since(start))
		return
	}
	cw.logger.Info("Config reload completed",
		"duration", time.Since(start))
}

// LogLevelReloader returns a reload callback that re-reads the broker config
// and applies its log level to level. Other settings need a restart.
func LogLevelReloader(level *slog.LevelVar, metrics *Metrics, logger *slog.Logger) func(string) error {
	if logger == nil {
		logger = slog.Default()
	}
	return func(path string) error {
		cfg, err := config.LoadBroker(path)
		if err == nil {
			err = cfg.Logging.Validate()
		}
		if err != nil {
			metrics.RecordConfigReload(false)
			return err
		}

		parsed, _ := logging.ParseLevel(cfg.Logging.Level)
		if previous := level.Level(); previous != parsed {
			level.Set(parsed)
			logger.Info("Log level changed", "from", previous.String(), "to", parsed.String())
		}
		metrics.RecordConfigReload(true)
		return nil
	}
}
