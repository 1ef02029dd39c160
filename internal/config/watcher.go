package config

import (
	"context"
	"crypto/sha256"
	"os"
	"sync"
	"time"

	"fitsync/internal/constants"
	"fitsync/internal/models"

	"github.com/sirupsen/logrus"
)

// ConfigWatcher polls the configuration file and reloads it on change
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	logger     *logrus.Logger
	mu         sync.RWMutex
	config     *models.Config
	callbacks  []func(*models.Config)
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath: configPath,
		interval:   constants.ConfigWatchInterval * time.Second,
		logger:     logger,
		callbacks:  make([]func(*models.Config), 0),
	}
}

// Start loads the configuration and polls it until ctx is cancelled. A
// reload happens when the file content changes; touching the file alone does
// nothing.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}
	digest, err := fileDigest(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = config
	cw.mu.Unlock()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			current, err := fileDigest(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to read configuration file")
				continue
			}
			if current == digest {
				continue
			}

			cw.logger.Debug("Configuration file changed")
			digest = current
			cw.reloadConfig()
		}
	}
}

// fileDigest hashes the file so editors that preserve mtime, and filesystems
// with coarse clocks, still trigger a reload
func fileDigest(path string) ([sha256.Size]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path validated by LoadConfig
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// GetConfig returns the current configuration
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after every successful reload
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration, keeping the previous one")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")

	for _, callback := range callbacks {
		go func(cb func(*models.Config)) {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(newConfig)
		}(callback)
	}

	cw.logConfigChanges(oldConfig, newConfig)
}

// logConfigChanges logs changes that take effect without a restart and
// warns about the ones that need one
func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}

	if old.Sync.MaxAttempts != new.Sync.MaxAttempts {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Sync.MaxAttempts,
			"new": new.Sync.MaxAttempts,
		}).Warn("sync.maxAttempts changed; restart the agent to apply it")
	}

	if old.Database != new.Database {
		cw.logger.Warn("Database settings changed; restart the agent to apply them")
	}

	if old.Backend.BaseURL != new.Backend.BaseURL {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Backend.BaseURL,
			"new": new.Backend.BaseURL,
		}).Warn("Backend URL changed; restart the agent to apply it")
	}
}
