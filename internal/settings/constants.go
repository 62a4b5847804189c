package settings

import "time"

// Environment variable names recognized as overrides of the config file.
const (
	// EnvConfigPath points at the YAML config file.
	EnvConfigPath = "CONFIG_PATH"
	// EnvDBConnection overrides the audit database DSN.
	EnvDBConnection = "DB_CONNECTION"
	// EnvJWTSecret overrides the bearer token signing secret.
	EnvJWTSecret = "JWT_SECRET"
	// EnvUpstreamURL overrides the protected backend address.
	EnvUpstreamURL = "UPSTREAM_URL"

	EnvWarnThreshold              = "ABUSE_WARN_THRESHOLD"
	EnvTempBanThreshold           = "ABUSE_TEMP_BAN_THRESHOLD"
	EnvExtendedBanThreshold       = "ABUSE_EXTENDED_BAN_THRESHOLD"
	EnvPermanentBanThreshold      = "ABUSE_PERMANENT_BAN_THRESHOLD"
	EnvBanDurationSeconds         = "ABUSE_BAN_DURATION_SECONDS"
	EnvExtendedBanDurationSeconds = "ABUSE_EXTENDED_BAN_DURATION_SECONDS"
	EnvSlidingWindowSeconds       = "ABUSE_SLIDING_WINDOW_SECONDS"
	EnvSensitivePathPrefixes      = "ABUSE_SENSITIVE_PATH_PREFIXES"
	EnvWhitelistIPs               = "ABUSE_WHITELIST_IPS"

	EnvRedisEnabled  = "REDIS_ENABLED"
	EnvRedisAddr     = "REDIS_ADDR"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvRedisDB       = "REDIS_DB"
	EnvRedisPrefix   = "REDIS_PREFIX"

	EnvLogLevel = "LOG_LEVEL"
	EnvLogFile  = "LOG_FILE"
)

// Defaults applied when the config omits a value.
const (
	// DefaultPort is the gateway listen port.
	DefaultPort = 8318
	// DefaultWarnThreshold is the cumulative count that triggers a WARN audit.
	DefaultWarnThreshold = 5
	// DefaultTempBanThreshold is the cumulative count that triggers a temporary ban.
	DefaultTempBanThreshold = 10
	// DefaultExtendedBanThreshold is the cumulative count that triggers an extended ban.
	DefaultExtendedBanThreshold = 20
	// DefaultPermanentBanThreshold is the cumulative count that triggers a permanent flag.
	DefaultPermanentBanThreshold = 50
	// DefaultBanDurationSeconds is the temporary ban length.
	DefaultBanDurationSeconds = 15 * 60
	// DefaultExtendedBanDurationSeconds is the extended ban length.
	DefaultExtendedBanDurationSeconds = 24 * 60 * 60
	// DefaultSlidingWindowSeconds is the escalation counting window.
	DefaultSlidingWindowSeconds = 60 * 60
	// DefaultRedisPrefix namespaces every key the engine writes.
	DefaultRedisPrefix = "abuseguard"
	// DefaultStoreTimeout bounds each store round trip made on the request path.
	DefaultStoreTimeout = 50 * time.Millisecond
	// DefaultDrainTimeout bounds how long shutdown waits for queued escalations.
	DefaultDrainTimeout = 5 * time.Second
	// DefaultQueueSize is the escalation task buffer.
	DefaultQueueSize = 1024
	// DefaultQueueWorkers is the number of escalation workers.
	DefaultQueueWorkers = 4
	// DefaultLocalRetention is how long the in-process counter store keeps entries.
	DefaultLocalRetention = time.Hour
	// DefaultJanitorInterval is how often the in-process stores are pruned.
	DefaultJanitorInterval = time.Minute
	// DefaultBreakerDuration is how long a failed shared store is skipped before retrying.
	DefaultBreakerDuration = 30 * time.Second
	// DefaultLogMaxSizeMB is the log file rotation size.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxAgeDays is the rotated log retention.
	DefaultLogMaxAgeDays = 14
)

// DefaultSensitivePathPrefixes lists endpoints that always feed escalation.
var DefaultSensitivePathPrefixes = []string{"/api/auth", "/admin"}
