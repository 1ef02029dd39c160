package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fitsync/internal/constants"
	"fitsync/internal/models"
	"fitsync/internal/security"
	"fitsync/internal/validation"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingDBPath    = models.ConfigError{Message: "missing database path"}
	ErrMissingRedisAddr = models.ConfigError{Message: "missing redis address for the redis queue driver"}
	ErrUnknownDriver    = models.ConfigError{Message: "unknown queue driver (use sqlite or redis)"}
)

// Environment variables
const (
	EnvPrefix = "FITSYNC_"

	envMode = EnvPrefix + "ENV"
)

// LoadConfig reads a JSON or YAML (by extension) config file, applies
// FITSYNC_* environment overrides and defaults, and validates the result
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := decode(path, file, &config); err != nil {
		return nil, err
	}

	return finish(&config)
}

// LoadFromEnv builds a config from defaults and FITSYNC_* variables only
func LoadFromEnv() (*models.Config, error) {
	return finish(&models.Config{})
}

// Load reads path when set and falls back to the environment otherwise
func Load(path string) (*models.Config, error) {
	if path == "" {
		return LoadFromEnv()
	}
	return LoadConfig(path)
}

func decode(path string, data []byte, config *models.Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}
	return nil
}

func finish(config *models.Config) (*models.Config, error) {
	if err := applyEnvironmentOverrides(config); err != nil {
		return nil, err
	}
	applyDefaults(config)

	if err := validate(config); err != nil {
		return nil, err
	}
	if err := validateSecurity(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyDefaults(c *models.Config) {
	if c.Server.Host == "" {
		c.Server.Host = constants.DefaultServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = constants.DefaultDatabasePath
	}
	if c.Database.RedisKeyspace == "" {
		c.Database.RedisKeyspace = constants.DefaultRedisKeyspace
	}

	if c.Backend.TimeoutSec <= 0 {
		c.Backend.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Backend.BreakerMaxFailures <= 0 {
		c.Backend.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if c.Backend.BreakerResetSec <= 0 {
		c.Backend.BreakerResetSec = constants.DefaultBreakerResetTimeoutSec
	}

	if c.Sync.Tag == "" {
		c.Sync.Tag = constants.SyncUpdatesTag
	}
	if c.Sync.DeliveryTimeoutSec <= 0 {
		c.Sync.DeliveryTimeoutSec = constants.DefaultDeliveryTimeoutSec
	}
	if c.Sync.MaxRefires < 0 {
		c.Sync.MaxRefires = 0
	} else if c.Sync.MaxRefires == 0 {
		c.Sync.MaxRefires = constants.DefaultMaxRefires
	}
	if c.Sync.ConnectivityCheckSec <= 0 {
		c.Sync.ConnectivityCheckSec = constants.DefaultConnectivityCheckSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultStoreOpenRetryAttempts
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func validate(c *models.Config) error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return ErrMissingDBPath
		}
		if err := security.ValidateFilePath(c.Database.Path); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
		}
	case "redis":
		if c.Database.RedisAddr == "" {
			return ErrMissingRedisAddr
		}
	default:
		return ErrUnknownDriver
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port: %d", c.Server.Port)}
	}
	if c.Sync.MaxAttempts < 0 {
		return models.ConfigError{Message: "sync.maxAttempts must not be negative (0 retries forever)"}
	}
	if err := validation.ValidateTimeout(c.Sync.DeliveryTimeoutSec, "sync.deliveryTimeoutSec"); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	if err := validation.ValidateTimeout(c.Backend.TimeoutSec, "backend.timeoutSec"); err != nil {
		return models.ConfigError{Message: err.Error()}
	}

	if c.Backend.BaseURL != "" {
		if err := validateURL(c.Backend.BaseURL); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid backend base_url: %v", err)}
		}
	}
	if c.Push.RelayURL != "" {
		if err := validateURL(c.Push.RelayURL); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid push relay_url: %v", err)}
		}
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	return nil
}

func parseLevel(level string) (logrus.Level, error) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log_level %q", level)
	}
	return parsed, nil
}

// Level returns the configured log level, info when unset or invalid
func Level(c *models.Config) logrus.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) error {
	stringVars := map[string]*string{
		"BACKEND_URL":      &c.Backend.BaseURL,
		"API_KEY":          &c.Backend.APIKey,
		"ACCESS_TOKEN":     &c.Backend.AccessToken,
		"DB_DRIVER":        &c.Database.Driver,
		"DB_PATH":          &c.Database.Path,
		"REDIS_ADDR":       &c.Database.RedisAddr,
		"PUSH_RELAY_URL":   &c.Push.RelayURL,
		"VAPID_PUBLIC_KEY": &c.Push.VAPIDPublicKey,
		"LOG_LEVEL":        &c.LogLevel,
		"SERVER_HOST":      &c.Server.Host,
		"OTLP_ENDPOINT":    &c.Tracing.OTLPEndpoint,
	}
	for name, target := range stringVars {
		if value := os.Getenv(EnvPrefix + name); value != "" {
			*target = value
		}
	}

	intVars := map[string]*int{
		"SERVER_PORT":       &c.Server.Port,
		"SYNC_MAX_ATTEMPTS": &c.Sync.MaxAttempts,
	}
	for name, target := range intVars {
		value := os.Getenv(EnvPrefix + name)
		if value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return models.ConfigError{Message: fmt.Sprintf("%s%s must be an integer", EnvPrefix, name)}
		}
		*target = n
	}

	if value := os.Getenv(EnvPrefix + "TRACING_ENABLED"); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return models.ConfigError{Message: EnvPrefix + "TRACING_ENABLED must be a boolean"}
		}
		c.Tracing.Enabled = enabled
	}
	return nil
}

// IsProduction reports whether FITSYNC_ENV selects production mode
func IsProduction() bool {
	return os.Getenv(envMode) == "production"
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if IsProduction() {
		if c.Backend.BaseURL == "" || !strings.HasPrefix(c.Backend.BaseURL, "https://") {
			return models.ConfigError{Message: "backend base_url must use https in production (set FITSYNC_BACKEND_URL)"}
		}
		if c.Backend.APIKey == "" {
			return models.ConfigError{Message: "backend API key is required in production (set FITSYNC_API_KEY environment variable)"}
		}
		if os.Getenv(EnvPrefix+"ENABLE_ENCRYPTION") != "true" {
			return models.ConfigError{Message: "queue encryption is required in production (set FITSYNC_ENABLE_ENCRYPTION and FITSYNC_ENCRYPTION_SECRET)"}
		}
		if !isLoopback(c.Server.Host) {
			return models.ConfigError{Message: "the agent API must listen on a loopback address in production"}
		}
		if c.LogLevel == "debug" || c.LogLevel == "trace" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.Backend.BaseURL != "" && c.Backend.APIKey == "" {
		fmt.Fprintf(os.Stderr, "WARNING: backend API key not set. Set FITSYNC_API_KEY environment variable.\n")
	}

	return nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
