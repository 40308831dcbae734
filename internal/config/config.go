package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/yourorg/exchanger/internal/scheduler"
)

// Config holds all configuration for the exchanger service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Providers ProvidersConfig
	Backfill  BackfillConfig
	Scheduler SchedulerConfig
	Tasks     TasksConfig
	Kafka     KafkaConfig
	Auth      AuthConfig
	Logging   LoggingConfig
}

// ServerConfig holds server specific configuration
type ServerConfig struct {
	Port            string `validate:"required"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds the embedded store location
type DatabaseConfig struct {
	Path      string `validate:"required"`
	BackupDir string
}

// ProvidersConfig holds rate source configuration
type ProvidersConfig struct {
	// APIKeys maps provider id to API key, filled from PROVIDER_<NAME>_API_KEY
	APIKeys map[string]string
	FCS     FCSProviderConfig
	CNB     CNBProviderConfig
}

// FCSProviderConfig configures the FCS REST provider
type FCSProviderConfig struct {
	BaseURL       string
	APIKey        string
	RateLimitWait time.Duration `validate:"gte=0"`
}

// CNBProviderConfig configures the CNB daily feed
type CNBProviderConfig struct {
	Enabled    bool
	URL        string
	FetchDelay time.Duration `validate:"gte=0"`
}

// BackfillConfig holds the automatic backfill policy
type BackfillConfig struct {
	AutoTime          string `validate:"clock"`
	AutoDays          int    `validate:"min=1,max=365"`
	Symbols           string
	SymbolsMaxAgeDays int `validate:"min=1"`
}

// SchedulerConfig holds scheduler loop configuration
type SchedulerConfig struct {
	Tick time.Duration `validate:"gt=0"`
	// Timezone is an IANA zone name; empty means the host zone
	Timezone string
}

// TasksConfig holds background task pool configuration
type TasksConfig struct {
	Workers int `validate:"min=1"`
}

// KafkaConfig holds task status publishing configuration
type KafkaConfig struct {
	Enabled  bool
	Brokers  []string `validate:"required_if=Enabled true"`
	Topic    string   `validate:"required_if=Enabled true"`
	ClientID string
}

// AuthConfig holds admin authentication configuration
type AuthConfig struct {
	// AdminJWTSecret enables bearer checks on mutating routes when set
	AdminJWTSecret string
}

// LoggingConfig holds logging specific configuration
type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

// legacyEnv maps config keys to the plain environment names that earlier
// deployments used
var legacyEnv = map[string]string{
	"database.path":      "DB_PATH",
	"database.backupDir": "BACKUP_DIR",
	"backfill.symbols":   "SYMBOLS",
	"backfill.autoTime":  "AUTO_BACKFILL_TIME",
	"backfill.autoDays":  "AUTO_BACKFILL_DAYS",
	"logging.level":      "LOG_LEVEL",
}

// LoadConfig loads the configuration from file and environment variables.
// The file is optional; environment variables alone are enough.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyLegacySeconds(&cfg); err != nil {
		return nil, err
	}
	cfg.Providers.APIKeys = mergeAPIKeys(cfg.Providers.APIKeys, os.Environ())
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Database.BackupDir == "" {
		cfg.Database.BackupDir = filepath.Join(filepath.Dir(cfg.Database.Path), "backups")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.readTimeout", "10s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.idleTimeout", "120s")
	v.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	v.SetDefault("database.path", "/data/exchanger.db")
	v.SetDefault("database.backupDir", "")

	// Provider defaults
	v.SetDefault("providers.fcs.baseURL", "https://fcsapi.com/api-v3")
	v.SetDefault("providers.fcs.apiKey", "")
	v.SetDefault("providers.fcs.rateLimitWait", "65s")
	v.SetDefault("providers.cnb.enabled", true)
	v.SetDefault("providers.cnb.url", "")
	v.SetDefault("providers.cnb.fetchDelay", "2s")

	// Backfill defaults
	v.SetDefault("backfill.autoTime", "16:30")
	v.SetDefault("backfill.autoDays", 31)
	v.SetDefault("backfill.symbols", "")
	v.SetDefault("backfill.symbolsMaxAgeDays", 30)

	v.SetDefault("scheduler.tick", "5s")
	v.SetDefault("scheduler.timezone", "")
	v.SetDefault("tasks.workers", 4)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "exchanger.task-status")
	v.SetDefault("kafka.clientID", "exchanger")

	v.SetDefault("auth.adminJWTSecret", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyLegacySeconds reads the legacy variables that carry plain seconds
func applyLegacySeconds(cfg *Config) error {
	if raw := os.Getenv("SCHEDULER_TICK_SECONDS"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid SCHEDULER_TICK_SECONDS %q: %w", raw, err)
		}
		cfg.Scheduler.Tick = time.Duration(secs * float64(time.Second))
	}
	if raw := os.Getenv("RATE_LIMIT_WAIT"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_WAIT %q: %w", raw, err)
		}
		cfg.Providers.FCS.RateLimitWait = time.Duration(secs) * time.Second
	}
	return nil
}

// mergeAPIKeys adds PROVIDER_<NAME>_API_KEY variables to keys
func mergeAPIKeys(keys map[string]string, environ []string) map[string]string {
	merged := make(map[string]string, len(keys))
	for k, v := range keys {
		merged[strings.ToLower(k)] = v
	}

	const prefix, suffix = "PROVIDER_", "_API_KEY"
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		provider := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		if provider == "" {
			continue
		}
		merged[strings.ToLower(provider)] = value
	}
	return merged
}

// Validate checks struct constraints
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.RegisterValidation("clock", func(fl validator.FieldLevel) bool {
		_, _, err := scheduler.ParseClock(fl.Field().String())
		return err == nil
	}); err != nil {
		return err
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// APIKey returns the API key of provider, or "" when none is configured
func (c *Config) APIKey(provider string) string {
	if provider == "fcs" && c.Providers.FCS.APIKey != "" {
		return c.Providers.FCS.APIKey
	}
	return c.Providers.APIKeys[provider]
}

// Location is the zone wall-clock schedules are evaluated in
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// ParseSymbols splits a symbol list like "fcs:EURCZK,USDCZK,cnb:EURCZK".
// Items with a provider prefix belong to that provider; bare items are
// global and apply to every provider listing them.
func ParseSymbols(raw string) (perProvider map[string][]string, global []string) {
	perProvider = make(map[string][]string)

	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		provider, symbol, found := strings.Cut(item, ":")
		if !found {
			global = append(global, item)
			continue
		}

		provider = strings.ToLower(strings.TrimSpace(provider))
		symbol = strings.TrimSpace(symbol)
		if provider != "" && symbol != "" {
			perProvider[provider] = append(perProvider[provider], symbol)
		}
	}
	return perProvider, global
}
