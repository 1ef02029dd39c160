package models

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Backend  BackendConfig  `json:"backend" yaml:"backend"`
	Sync     SyncConfig     `json:"sync" yaml:"sync"`
	Push     PushConfig     `json:"push" yaml:"push"`
	Retry    RetryConfig    `json:"retry" yaml:"retry"`
	Tracing  TracingConfig  `json:"tracing" yaml:"tracing"`
	LogLevel string         `json:"log_level" yaml:"log_level"`
}

// ServerConfig holds the loopback API settings
type ServerConfig struct {
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	ReadTimeoutSec  int    `json:"readTimeoutSec" yaml:"readTimeoutSec"`
	WriteTimeoutSec int    `json:"writeTimeoutSec" yaml:"writeTimeoutSec"`
	IdleTimeoutSec  int    `json:"idleTimeoutSec" yaml:"idleTimeoutSec"`
}

// DatabaseConfig selects and configures the durable queue backend
type DatabaseConfig struct {
	Driver        string `json:"driver" yaml:"driver"` // "sqlite" (default) or "redis"
	Path          string `json:"path" yaml:"path"`
	RedisAddr     string `json:"redisAddr" yaml:"redisAddr"`
	RedisDB       int    `json:"redisDb" yaml:"redisDb"`
	RedisKeyspace string `json:"redisKeyspace" yaml:"redisKeyspace"`
}

// BackendConfig holds the remote backend service settings
type BackendConfig struct {
	BaseURL            string `json:"base_url" yaml:"base_url"`
	APIKey             string `json:"api_key" yaml:"api_key"`
	AccessToken        string `json:"access_token" yaml:"access_token"`
	TimeoutSec         int    `json:"timeoutSec" yaml:"timeoutSec"`
	BreakerMaxFailures int    `json:"breakerMaxFailures" yaml:"breakerMaxFailures"`
	BreakerResetSec    int    `json:"breakerResetSec" yaml:"breakerResetSec"`
}

// SyncConfig holds background sync settings
type SyncConfig struct {
	Tag                  string `json:"tag" yaml:"tag"`
	DeliveryTimeoutSec   int    `json:"deliveryTimeoutSec" yaml:"deliveryTimeoutSec"`
	MaxAttempts          int    `json:"maxAttempts" yaml:"maxAttempts"`
	MaxRefires           int    `json:"maxRefires" yaml:"maxRefires"`
	ConnectivityCheckSec int    `json:"connectivityCheckSec" yaml:"connectivityCheckSec"`
	Disabled             bool   `json:"disabled" yaml:"disabled"`
}

// PushConfig holds push subscription settings
type PushConfig struct {
	RelayURL       string `json:"relay_url" yaml:"relay_url"`
	VAPIDPublicKey string `json:"vapid_public_key" yaml:"vapid_public_key"`
	Enabled        bool   `json:"enabled" yaml:"enabled"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs" yaml:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs" yaml:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts" yaml:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	ServiceVersion string  `json:"service_version" yaml:"service_version"`
	Environment    string  `json:"environment" yaml:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"`
	UseStdout      bool    `json:"use_stdout" yaml:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
