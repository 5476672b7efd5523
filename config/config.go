package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// EnvPrefix prefixes every environment override, e.g. TRAINER_DATABASE_URL
const EnvPrefix = "TRAINER"

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	// DriverMemory keeps jobs in process memory; no database is opened
	DriverMemory = "memory"
)

// Config holds all configuration for the backend
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Replicate ReplicateConfig `mapstructure:"replicate"`
	Modal     ModalConfig     `mapstructure:"modal"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ReplicateConfig struct {
	APIToken      string `mapstructure:"api_token"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	// WebhookURL is where Replicate posts training updates
	WebhookURL string `mapstructure:"webhook_url"`
	// Owner receives trained models when a request names no destination
	Owner string `mapstructure:"owner"`
}

type ModalConfig struct {
	StatusURL string `mapstructure:"status_url"`
	Token     string `mapstructure:"token"`
	RetryMax  int    `mapstructure:"retry_max"`
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type ReconcileConfig struct {
	PollTimeout         time.Duration `mapstructure:"poll_timeout"`
	InventoryTimeout    time.Duration `mapstructure:"inventory_timeout"`
	LongTimeout         time.Duration `mapstructure:"long_timeout"`
	TimeoutPer1000Steps time.Duration `mapstructure:"timeout_per_1000_steps"`
}

type SweepConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
	MaxClients        int           `mapstructure:"max_clients"`
	TTL               time.Duration `mapstructure:"ttl"`
}

type AuthConfig struct {
	// OperatorToken guards force-update; empty disables the endpoint
	OperatorToken string `mapstructure:"operator_token"`
}

var defaults = map[string]interface{}{
	"server.port":                      8080,
	"server.shutdown_timeout":          10 * time.Second,
	"server.allowed_origins":           []string{"*"},
	"database.driver":                  DriverPostgres,
	"database.url":                     "",
	"database.max_idle_conns":          10,
	"database.max_open_conns":          100,
	"database.conn_max_lifetime":       time.Hour,
	"log.level":                        "info",
	"log.format":                       "json",
	"replicate.api_token":              "",
	"replicate.webhook_secret":         "",
	"replicate.webhook_url":            "",
	"replicate.owner":                  "",
	"modal.status_url":                 "",
	"modal.token":                      "",
	"modal.retry_max":                  2,
	"minio.endpoint":                   "",
	"minio.access_key":                 "",
	"minio.secret_key":                 "",
	"minio.bucket":                     "loras",
	"minio.prefix":                     "models",
	"minio.use_ssl":                    false,
	"reconcile.poll_timeout":           20 * time.Second,
	"reconcile.inventory_timeout":      30 * time.Second,
	"reconcile.long_timeout":           60 * time.Minute,
	"reconcile.timeout_per_1000_steps": time.Duration(0),
	"sweep.enabled":                    true,
	"sweep.interval":                   time.Minute,
	"ratelimit.requests_per_minute":    60,
	"ratelimit.burst":                  10,
	"ratelimit.max_clients":            10000,
	"ratelimit.ttl":                    10 * time.Minute,
	"auth.operator_token":              "",
}

// NewViper returns a viper instance with defaults and environment binding.
// Commands bind their flags to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file at path into v and returns the
// validated configuration
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Database.URL == "" {
			errs = multierr.Append(errs, fmt.Errorf("database.url is required for driver %s", c.Database.Driver))
		}
	case DriverMemory:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = multierr.Append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Reconcile.PollTimeout <= 0 || c.Reconcile.InventoryTimeout <= 0 || c.Reconcile.LongTimeout <= 0 {
		errs = multierr.Append(errs, errors.New("reconcile timeouts must be positive"))
	}
	if c.Reconcile.TimeoutPer1000Steps < 0 {
		errs = multierr.Append(errs, errors.New("reconcile.timeout_per_1000_steps must not be negative"))
	}
	if c.Sweep.Interval <= 0 {
		errs = multierr.Append(errs, errors.New("sweep.interval must be positive"))
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.MaxClients <= 0 || c.RateLimit.TTL <= 0 {
		errs = multierr.Append(errs, errors.New("ratelimit settings must be positive"))
	}
	if c.MinIO.Endpoint != "" && c.MinIO.Bucket == "" {
		errs = multierr.Append(errs, errors.New("minio.bucket is required when minio.endpoint is set"))
	}
	if errs != nil {
		return fmt.Errorf("invalid configuration: %w", errs)
	}
	return nil
}

// OpenDatabase connects with the pool settings of cfg and migrates the schema
func OpenDatabase(cfg DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.URL)
	case DriverSQLite:
		dialector = sqlite.Open(cfg.URL)
	default:
		return nil, fmt.Errorf("driver %q has no database", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(&TrainingJob{}, &JobEvent{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return db, nil
}

// Close closes the connection pool behind db
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
