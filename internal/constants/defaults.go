package constants

// Background sync configuration
const (
	// SyncUpdatesTag is the tag under which queued actions are replayed
	SyncUpdatesTag = "sync-updates"

	DefaultDeliveryTimeoutSec   = 15
	DefaultMaxAttempts          = 0 // 0 keeps failing actions queued forever
	DefaultMaxRefires           = 3
	DefaultConnectivityCheckSec = 30
	DefaultProbeTimeoutSec      = 5
)

// Default retry values
const (
	DefaultRetryBackoffMs         = 1000
	DefaultMaxBackoffMs           = 60000
	DefaultStoreOpenRetryAttempts = 3
)

// Default remote backend values
const (
	DefaultHTTPTimeoutSec         = 30
	DefaultBreakerMaxFailures     = 5
	DefaultBreakerResetTimeoutSec = 30
	DefaultRESTPrefix             = "/rest/v1"
)

// Default server values
const (
	DefaultServerHost            = "127.0.0.1"
	DefaultServerPort            = 8787
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	ServerErrorChannelSize       = 1
	MaxRequestBodyBytes          = 1 << 20
)

// Notification defaults
const (
	DefaultNotificationTitle = "FitnessFlow Notificación"
	DefaultNotificationBody  = "Tienes un nuevo mensaje."
	DefaultNotificationIcon  = "./pwa-192x192.png"
	DefaultNotificationURL   = "/"
	HubClientBufferSize      = 16
)

// Storage defaults
const (
	DefaultDatabasePath  = "fitsync.db"
	DefaultRedisKeyspace = "fitsync"
	EncryptionSalt       = "fitsync-offline-actions-v1"
	ConfigWatchInterval  = 5 // seconds
)

// Validation limits
const (
	MaxIdentifierLength = 128
	MaxNoteLength       = 2000
	MaxTimeoutSec       = 3600
	PayloadDateLayout   = "2006-01-02"
)
