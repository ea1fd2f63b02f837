// Package config loads the gitgpt-auth process configuration from a YAML
// file, optional .env files and GITGPT_* environment variables, in that
// order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/asamzaman87/Git-GPT-App/internal/util"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GITGPT_"

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener and facade.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Issuer          string        `yaml:"issuer"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Metrics         bool          `yaml:"metrics"`
	Scopes          []string      `yaml:"scopes"`
	AuditLogging    bool          `yaml:"audit_logging"`

	// RegistrationsPerHour limits /register per client IP. Negative disables.
	RegistrationsPerHour int  `yaml:"registrations_per_hour"`
	TrustProxy           bool `yaml:"trust_proxy"`
	TrustedProxyCount    int  `yaml:"trusted_proxy_count"`
}

// OAuthConfig holds the protocol settings.
type OAuthConfig struct {
	AuthorizationCodeTTL        time.Duration `yaml:"authorization_code_ttl"`
	AccessTokenTTL              time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL             time.Duration `yaml:"refresh_token_ttl"`
	DisableRefreshTokenRotation bool          `yaml:"disable_refresh_token_rotation"`
	SweepInterval               time.Duration `yaml:"sweep_interval"`
	StoreTimeout                time.Duration `yaml:"store_timeout"`

	// The fallback client is accepted even when it was never registered.
	ClientID            string   `yaml:"client_id"`
	ClientSecret        string   `yaml:"client_secret"`
	DefaultRedirectURIs []string `yaml:"default_redirect_uris"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`

	File struct {
		Path string `yaml:"path"`
	} `yaml:"file"`

	Postgres struct {
		DSN             string        `yaml:"dsn"`
		MaxConns        int32         `yaml:"max_conns"`
		MinConns        int32         `yaml:"min_conns"`
		MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
		AutoMigrate     bool          `yaml:"auto_migrate"`
	} `yaml:"postgres"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	// Cache puts an in-process client cache in front of the driver.
	Cache struct {
		Enabled bool          `yaml:"enabled"`
		TTL     time.Duration `yaml:"ttl"`
	} `yaml:"cache"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// TelemetryConfig toggles OpenTelemetry tracing and metrics.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path (skipped when path is empty), applies
// defaults and then GITGPT_* environment overrides. It does not validate.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	c.applyDefaults()
	if err := c.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadDotEnv loads each .env file that exists into the process
// environment. Variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Issuer == "" {
		c.Server.Issuer = "http://localhost:8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.RegistrationsPerHour == 0 {
		c.Server.RegistrationsPerHour = 10
	}

	if c.OAuth.AuthorizationCodeTTL == 0 {
		c.OAuth.AuthorizationCodeTTL = 10 * time.Minute
	}
	if c.OAuth.AccessTokenTTL == 0 {
		c.OAuth.AccessTokenTTL = time.Hour
	}
	if c.OAuth.RefreshTokenTTL == 0 {
		c.OAuth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.OAuth.SweepInterval == 0 {
		c.OAuth.SweepInterval = time.Minute
	}
	if c.OAuth.StoreTimeout == 0 {
		c.OAuth.StoreTimeout = 5 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Storage.File.Path == "" {
		c.Storage.File.Path = "gitgpt-auth.json"
	}
	if c.Storage.Cache.TTL == 0 {
		c.Storage.Cache.TTL = 2 * time.Minute
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "gitgpt-auth"
	}
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return i, true, nil
}

func getEnvBool(key string) (bool, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, false, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return b, true, nil
}

func getEnvDur(key string) (time.Duration, bool, error) {
	s, ok := getEnvStr(key)
	if !ok {
		return 0, false, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, false, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return d, true, nil
}

func getEnvCSV(key string) ([]string, bool) {
	s, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	return util.SplitCSV(s), true
}

// envOverrides collects parse failures so one bad variable reports all of them.
type envOverrides struct {
	errs []error
}

func (e *envOverrides) str(key string, dst *string) {
	if v, ok := getEnvStr(key); ok {
		*dst = v
	}
}

func (e *envOverrides) csv(key string, dst *[]string) {
	if v, ok := getEnvCSV(key); ok {
		*dst = v
	}
}

func (e *envOverrides) integer(key string, dst *int) {
	v, ok, err := getEnvInt(key)
	if err != nil {
		e.errs = append(e.errs, err)
	} else if ok {
		*dst = v
	}
}

func (e *envOverrides) boolean(key string, dst *bool) {
	v, ok, err := getEnvBool(key)
	if err != nil {
		e.errs = append(e.errs, err)
	} else if ok {
		*dst = v
	}
}

func (e *envOverrides) duration(key string, dst *time.Duration) {
	v, ok, err := getEnvDur(key)
	if err != nil {
		e.errs = append(e.errs, err)
	} else if ok {
		*dst = v
	}
}

func (c *Config) applyEnvOverrides() error {
	var e envOverrides

	// SERVER
	e.str("ADDR", &c.Server.Addr)
	e.str("ISSUER", &c.Server.Issuer)
	e.boolean("METRICS", &c.Server.Metrics)
	e.csv("SCOPES", &c.Server.Scopes)
	e.boolean("AUDIT_LOGGING", &c.Server.AuditLogging)
	e.integer("REGISTRATIONS_PER_HOUR", &c.Server.RegistrationsPerHour)
	e.boolean("TRUST_PROXY", &c.Server.TrustProxy)
	e.integer("TRUSTED_PROXY_COUNT", &c.Server.TrustedProxyCount)

	// OAUTH
	e.duration("CODE_TTL", &c.OAuth.AuthorizationCodeTTL)
	e.duration("ACCESS_TOKEN_TTL", &c.OAuth.AccessTokenTTL)
	e.duration("REFRESH_TOKEN_TTL", &c.OAuth.RefreshTokenTTL)
	e.boolean("DISABLE_REFRESH_ROTATION", &c.OAuth.DisableRefreshTokenRotation)
	e.duration("SWEEP_INTERVAL", &c.OAuth.SweepInterval)
	e.duration("STORE_TIMEOUT", &c.OAuth.StoreTimeout)
	e.str("CLIENT_ID", &c.OAuth.ClientID)
	e.str("CLIENT_SECRET", &c.OAuth.ClientSecret)
	e.csv("REDIRECT_URIS", &c.OAuth.DefaultRedirectURIs)

	// STORAGE
	e.str("STORAGE_DRIVER", &c.Storage.Driver)
	e.str("FILE_PATH", &c.Storage.File.Path)
	e.str("POSTGRES_DSN", &c.Storage.Postgres.DSN)
	e.boolean("POSTGRES_AUTO_MIGRATE", &c.Storage.Postgres.AutoMigrate)
	e.str("REDIS_ADDR", &c.Storage.Redis.Addr)
	e.str("REDIS_PASSWORD", &c.Storage.Redis.Password)
	e.integer("REDIS_DB", &c.Storage.Redis.DB)
	e.str("REDIS_PREFIX", &c.Storage.Redis.Prefix)
	e.boolean("CACHE_ENABLED", &c.Storage.Cache.Enabled)
	e.duration("CACHE_TTL", &c.Storage.Cache.TTL)

	// LOG / TELEMETRY
	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)
	e.boolean("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	e.str("SERVICE_NAME", &c.Telemetry.ServiceName)

	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	c.Log.Format = strings.ToLower(c.Log.Format)
	return errors.Join(e.errs...)
}

// Validate checks the values the server cannot start without.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Server.Issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.issuer must be an absolute URL, got %q", c.Server.Issuer))
	}

	if c.OAuth.AuthorizationCodeTTL < time.Second || c.OAuth.AccessTokenTTL < time.Second || c.OAuth.RefreshTokenTTL < time.Second {
		errs = append(errs, errors.New("oauth TTLs must be at least one second"))
	}
	if c.OAuth.AccessTokenTTL >= c.OAuth.RefreshTokenTTL {
		errs = append(errs, errors.New("oauth.access_token_ttl must be shorter than oauth.refresh_token_ttl"))
	}
	if c.OAuth.ClientSecret != "" && c.OAuth.ClientID == "" {
		errs = append(errs, errors.New("oauth.client_secret is set without oauth.client_id"))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Storage.File.Path == "" {
			errs = append(errs, errors.New("storage.file.path is required for the file driver"))
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres driver"))
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// RegistrationRate converts RegistrationsPerHour into the per-second rate
// used by the limiter. Negative disables limiting.
func (s ServerConfig) RegistrationRate() float64 {
	if s.RegistrationsPerHour < 0 {
		return -1
	}
	return float64(s.RegistrationsPerHour) / 3600
}
