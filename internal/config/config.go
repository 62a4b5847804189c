package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	internalsettings "github.com/router-for-me/abuseguard/internal/settings"
	"github.com/router-for-me/abuseguard/internal/whitelist"
	"gopkg.in/yaml.v3"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(internalsettings.EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrInvalid is wrapped by every ConfigurationError.
var ErrInvalid = errors.New("invalid configuration")

// ConfigurationError reports a setting that prevents the engine from starting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrInvalid }

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AbuseConfig holds escalation thresholds, ban durations and path filters.
type AbuseConfig struct {
	WarnThreshold              int      `yaml:"warn-threshold"`
	TempBanThreshold           int      `yaml:"temp-ban-threshold"`
	ExtendedBanThreshold       int      `yaml:"extended-ban-threshold"`
	PermanentBanThreshold      int      `yaml:"permanent-ban-threshold"`
	BanDurationSeconds         int      `yaml:"ban-duration-seconds"`
	ExtendedBanDurationSeconds int      `yaml:"extended-ban-duration-seconds"`
	SlidingWindowSeconds       int      `yaml:"sliding-window-seconds"`
	SensitivePathPrefixes      []string `yaml:"sensitive-path-prefixes"`
	WhitelistIPs               []string `yaml:"whitelist-ips"`
}

// RateLimitPolicy is a per call-site limiter policy.
type RateLimitPolicy struct {
	Name          string `yaml:"name"`
	PathPrefix    string `yaml:"path-prefix"`
	Limit         int    `yaml:"limit"`
	WindowSeconds int    `yaml:"window-seconds"`
}

// RedisConfig describes the shared store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// JWTConfig holds the bearer token secret used to resolve user identities.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// AdminConfig controls access to the operator API.
type AdminConfig struct {
	Roles             []string            `yaml:"roles"`
	OperatorTokenHash string              `yaml:"operator-token-hash"`
	RolePermissions   map[string][]string `yaml:"role-permissions"` // role -> "METHOD /route" keys
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxAgeDays int    `yaml:"max-age-days"`
	MaxBackups int    `yaml:"max-backups"`
}

// Config is the full engine configuration.
type Config struct {
	Port           int               `yaml:"port"`
	UpstreamURL    string            `yaml:"upstream-url"`
	DatabaseDSN    string            `yaml:"database-dsn"`
	StoreTimeout   time.Duration     `yaml:"store-timeout"`
	DrainTimeout   time.Duration     `yaml:"drain-timeout"`
	QueueSize      int               `yaml:"queue-size"`
	QueueWorkers   int               `yaml:"queue-workers"`
	TrustedProxies []string          `yaml:"trusted-proxies"`
	Abuse          AbuseConfig       `yaml:"abuse"`
	RateLimits     []RateLimitPolicy `yaml:"rate-limits"`
	Redis          RedisConfig       `yaml:"redis"`
	JWT            JWTConfig         `yaml:"jwt"`
	Admin          AdminConfig       `yaml:"admin"`
	Log            LogConfig         `yaml:"log"`
}

// Default returns a config populated with built-in defaults.
func Default() Config {
	return Config{
		Port:         internalsettings.DefaultPort,
		StoreTimeout: internalsettings.DefaultStoreTimeout,
		DrainTimeout: internalsettings.DefaultDrainTimeout,
		QueueSize:    internalsettings.DefaultQueueSize,
		QueueWorkers: internalsettings.DefaultQueueWorkers,
		Abuse: AbuseConfig{
			WarnThreshold:              internalsettings.DefaultWarnThreshold,
			TempBanThreshold:           internalsettings.DefaultTempBanThreshold,
			ExtendedBanThreshold:       internalsettings.DefaultExtendedBanThreshold,
			PermanentBanThreshold:      internalsettings.DefaultPermanentBanThreshold,
			BanDurationSeconds:         internalsettings.DefaultBanDurationSeconds,
			ExtendedBanDurationSeconds: internalsettings.DefaultExtendedBanDurationSeconds,
			SlidingWindowSeconds:       internalsettings.DefaultSlidingWindowSeconds,
			SensitivePathPrefixes:      append([]string(nil), internalsettings.DefaultSensitivePathPrefixes...),
		},
		Redis: RedisConfig{Prefix: internalsettings.DefaultRedisPrefix},
		Admin: AdminConfig{Roles: []string{"admin"}},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  internalsettings.DefaultLogMaxSizeMB,
			MaxAgeDays: internalsettings.DefaultLogMaxAgeDays,
		},
	}
}

// Load reads the YAML config file, applies environment overrides and validates the result.
// A missing file is not an error; the defaults and environment are used instead.
func Load(configPath string) (Config, error) {
	cfg := Default()

	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config file: %w", errRead)
	}

	if errEnv := applyEnv(&cfg); errEnv != nil {
		return Config{}, errEnv
	}
	normalize(&cfg)
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if dsn := strings.TrimSpace(os.Getenv(internalsettings.EnvDBConnection)); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if secret := strings.TrimSpace(os.Getenv(internalsettings.EnvJWTSecret)); secret != "" {
		cfg.JWT.Secret = secret
	}
	if upstream := strings.TrimSpace(os.Getenv(internalsettings.EnvUpstreamURL)); upstream != "" {
		cfg.UpstreamURL = upstream
	}

	ints := []struct {
		env    string
		target *int
	}{
		{internalsettings.EnvWarnThreshold, &cfg.Abuse.WarnThreshold},
		{internalsettings.EnvTempBanThreshold, &cfg.Abuse.TempBanThreshold},
		{internalsettings.EnvExtendedBanThreshold, &cfg.Abuse.ExtendedBanThreshold},
		{internalsettings.EnvPermanentBanThreshold, &cfg.Abuse.PermanentBanThreshold},
		{internalsettings.EnvBanDurationSeconds, &cfg.Abuse.BanDurationSeconds},
		{internalsettings.EnvExtendedBanDurationSeconds, &cfg.Abuse.ExtendedBanDurationSeconds},
		{internalsettings.EnvSlidingWindowSeconds, &cfg.Abuse.SlidingWindowSeconds},
		{internalsettings.EnvRedisDB, &cfg.Redis.DB},
	}
	for _, item := range ints {
		raw := strings.TrimSpace(os.Getenv(item.env))
		if raw == "" {
			continue
		}
		parsed, errParse := strconv.Atoi(raw)
		if errParse != nil {
			return invalid(item.env, "not an integer: %q", raw)
		}
		*item.target = parsed
	}

	if raw := strings.TrimSpace(os.Getenv(internalsettings.EnvSensitivePathPrefixes)); raw != "" {
		cfg.Abuse.SensitivePathPrefixes = splitList(raw)
	}
	if raw := strings.TrimSpace(os.Getenv(internalsettings.EnvWhitelistIPs)); raw != "" {
		cfg.Abuse.WhitelistIPs = splitList(raw)
	}
	if raw := strings.TrimSpace(os.Getenv(internalsettings.EnvRedisEnabled)); raw != "" {
		enabled, errParse := strconv.ParseBool(raw)
		if errParse != nil {
			return invalid(internalsettings.EnvRedisEnabled, "not a boolean: %q", raw)
		}
		cfg.Redis.Enabled = enabled
	}
	if addr := strings.TrimSpace(os.Getenv(internalsettings.EnvRedisAddr)); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv(internalsettings.EnvRedisPassword); password != "" {
		cfg.Redis.Password = password
	}
	if prefix := strings.TrimSpace(os.Getenv(internalsettings.EnvRedisPrefix)); prefix != "" {
		cfg.Redis.Prefix = prefix
	}
	if level := strings.TrimSpace(os.Getenv(internalsettings.EnvLogLevel)); level != "" {
		cfg.Log.Level = level
	}
	if file := strings.TrimSpace(os.Getenv(internalsettings.EnvLogFile)); file != "" {
		cfg.Log.File = file
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.UpstreamURL = strings.TrimSpace(cfg.UpstreamURL)
	cfg.DatabaseDSN = strings.TrimSpace(cfg.DatabaseDSN)
	cfg.Redis.Addr = strings.TrimSpace(cfg.Redis.Addr)
	cfg.Redis.Prefix = strings.Trim(strings.TrimSpace(cfg.Redis.Prefix), ":")
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = internalsettings.DefaultRedisPrefix
	}
	if cfg.Port == 0 {
		cfg.Port = internalsettings.DefaultPort
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = internalsettings.DefaultStoreTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = internalsettings.DefaultDrainTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = internalsettings.DefaultQueueSize
	}
	if cfg.QueueWorkers <= 0 {
		cfg.QueueWorkers = internalsettings.DefaultQueueWorkers
	}
	cfg.Abuse.SensitivePathPrefixes = trimAll(cfg.Abuse.SensitivePathPrefixes)
	cfg.Abuse.WhitelistIPs = trimAll(cfg.Abuse.WhitelistIPs)
	for i := range cfg.RateLimits {
		cfg.RateLimits[i].Name = strings.TrimSpace(cfg.RateLimits[i].Name)
		cfg.RateLimits[i].PathPrefix = strings.TrimSpace(cfg.RateLimits[i].PathPrefix)
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return invalid("port", "out of range: %d", c.Port)
	}

	a := c.Abuse
	if a.WarnThreshold <= 0 {
		return invalid("abuse.warn-threshold", "must be positive, got %d", a.WarnThreshold)
	}
	if a.TempBanThreshold <= a.WarnThreshold {
		return invalid("abuse.temp-ban-threshold", "must be greater than warn-threshold (%d), got %d", a.WarnThreshold, a.TempBanThreshold)
	}
	if a.ExtendedBanThreshold <= a.TempBanThreshold {
		return invalid("abuse.extended-ban-threshold", "must be greater than temp-ban-threshold (%d), got %d", a.TempBanThreshold, a.ExtendedBanThreshold)
	}
	if a.PermanentBanThreshold <= a.ExtendedBanThreshold {
		return invalid("abuse.permanent-ban-threshold", "must be greater than extended-ban-threshold (%d), got %d", a.ExtendedBanThreshold, a.PermanentBanThreshold)
	}
	if a.BanDurationSeconds <= 0 {
		return invalid("abuse.ban-duration-seconds", "must be positive, got %d", a.BanDurationSeconds)
	}
	if a.ExtendedBanDurationSeconds < a.BanDurationSeconds {
		return invalid("abuse.extended-ban-duration-seconds", "must be at least ban-duration-seconds (%d), got %d", a.BanDurationSeconds, a.ExtendedBanDurationSeconds)
	}
	if a.SlidingWindowSeconds <= 0 {
		return invalid("abuse.sliding-window-seconds", "must be positive, got %d", a.SlidingWindowSeconds)
	}
	for _, prefix := range a.SensitivePathPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return invalid("abuse.sensitive-path-prefixes", "prefix %q must start with /", prefix)
		}
	}
	if _, errWhitelist := whitelist.Parse(a.WhitelistIPs); errWhitelist != nil {
		return invalid("abuse.whitelist-ips", "%v", errWhitelist)
	}

	seen := make(map[string]struct{}, len(c.RateLimits))
	for i, policy := range c.RateLimits {
		field := fmt.Sprintf("rate-limits[%d]", i)
		if policy.Name == "" {
			return invalid(field, "missing name")
		}
		if _, dup := seen[policy.Name]; dup {
			return invalid(field, "duplicate name %q", policy.Name)
		}
		seen[policy.Name] = struct{}{}
		if policy.Limit < 1 {
			return invalid(field, "limit must be at least 1, got %d", policy.Limit)
		}
		if policy.WindowSeconds < 1 {
			return invalid(field, "window-seconds must be at least 1, got %d", policy.WindowSeconds)
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return invalid("redis.addr", "required when redis is enabled")
	}
	if c.Redis.DB < 0 {
		return invalid("redis.db", "must not be negative, got %d", c.Redis.DB)
	}

	if c.UpstreamURL != "" {
		parsed, errParse := url.Parse(c.UpstreamURL)
		if errParse != nil || parsed.Scheme == "" || parsed.Host == "" {
			return invalid("upstream-url", "not an absolute URL: %q", c.UpstreamURL)
		}
	}
	if isPostgresDSN(c.DatabaseDSN) {
		if _, errParse := pgx.ParseConfig(c.DatabaseDSN); errParse != nil {
			return invalid("database-dsn", "%v", errParse)
		}
	}
	return nil
}

// isPostgresDSN reports whether the DSN targets PostgreSQL rather than SQLite.
func isPostgresDSN(dsn string) bool {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return false
	}
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.Contains(lower, "host=")
}

func splitList(raw string) []string {
	return trimAll(strings.Split(raw, ","))
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
