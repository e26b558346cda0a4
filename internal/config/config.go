package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/0x0shephard/t4-bot/internal/database"
	"github.com/0x0shephard/t4-bot/internal/logging"
)

// Config represents the application configuration
type Config struct {
	App        AppConfig         `yaml:"app"`
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	Auth       AuthConfig        `yaml:"auth"`
	Ledger     LedgerConfig      `yaml:"ledger"`
	Audit      AuditConfig       `yaml:"audit"`
	Monitoring MonitoringConfig  `yaml:"monitoring"`
	CORS       CORSConfig        `yaml:"cors"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
	Logging    logging.LogConfig `yaml:"logging"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
}

// DatabaseConfig represents database configuration. An empty host and url runs the ledger in memory.
type DatabaseConfig struct {
	URL              string        `yaml:"url"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	DBName           string        `yaml:"dbname"`
	SSLMode          string        `yaml:"sslmode"`
	MaxOpen          int           `yaml:"max_open"`
	MaxIdle          int           `yaml:"max_idle"`
	Timeout          time.Duration `yaml:"timeout"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
	ImpersonateRoles bool          `yaml:"impersonate_roles"`
	AutoMigrate      bool          `yaml:"auto_migrate"`
}

// AuthConfig represents JWT role resolution
type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret"`
	AnonKeyRequired bool   `yaml:"anon_key_required"`
}

// LedgerConfig holds the ingestion rules
type LedgerConfig struct {
	PublicIndexInsert bool     `yaml:"public_index_insert"`
	StrictInvariants  bool     `yaml:"strict_invariants"`
	MaxDeviation      *float64 `yaml:"max_deviation"`
	Tolerance         *float64 `yaml:"tolerance"`
}

// Deviation returns the guard fraction, zero disables the guard
func (l LedgerConfig) Deviation() float64 {
	if l.MaxDeviation == nil {
		return 0
	}
	return *l.MaxDeviation
}

// AuditTolerance returns the absolute tolerance of the advisory checks, zero means exact
func (l LedgerConfig) AuditTolerance() float64 {
	if l.Tolerance == nil {
		return 0
	}
	return *l.Tolerance
}

// AuditConfig schedules the invariant audit
type AuditConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	Lookback time.Duration `yaml:"lookback"`
	Timeout  time.Duration `yaml:"timeout"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPath    string `yaml:"prometheus_path"`
}

// CORSConfig represents CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file, the optional .env next to the working directory and T4_* overrides,
// then applies defaults and validates. An empty filename skips the YAML file.
func Load(filename string) (*Config, error) {
	var cfg Config

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg.applyEnv(NewEnvManager("", ""))
	cfg.applyDefaults()

	if err := NewValidator(&cfg).Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv loads path when it exists. Variables already set in the process win.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(env *EnvManager) {
	c.App.Env = env.GetString("app_env", c.App.Env)

	c.Server.Host = env.GetString("server_host", c.Server.Host)
	c.Server.Port = env.GetInt("server_port", c.Server.Port)

	c.Database.URL = env.GetEncryptedString("database_url", c.Database.URL)
	c.Database.Host = env.GetString("database_host", c.Database.Host)
	c.Database.Port = env.GetInt("database_port", c.Database.Port)
	c.Database.User = env.GetString("database_user", c.Database.User)
	c.Database.Password = env.GetEncryptedString("database_password", c.Database.Password)
	c.Database.DBName = env.GetString("database_name", c.Database.DBName)
	c.Database.SSLMode = env.GetString("database_sslmode", c.Database.SSLMode)
	c.Database.ImpersonateRoles = env.GetBool("database_impersonate_roles", c.Database.ImpersonateRoles)
	c.Database.AutoMigrate = env.GetBool("database_auto_migrate", c.Database.AutoMigrate)

	c.Auth.JWTSecret = env.GetEncryptedString("auth_jwt_secret", c.Auth.JWTSecret)

	c.Ledger.PublicIndexInsert = env.GetBool("ledger_public_index_insert", c.Ledger.PublicIndexInsert)
	c.Ledger.StrictInvariants = env.GetBool("ledger_strict_invariants", c.Ledger.StrictInvariants)
	if v, ok := env.LookupFloat("ledger_max_deviation"); ok {
		c.Ledger.MaxDeviation = &v
	}
	if v, ok := env.LookupFloat("ledger_tolerance"); ok {
		c.Ledger.Tolerance = &v
	}

	c.Audit.Enabled = env.GetBool("audit_enabled", c.Audit.Enabled)
	c.Audit.Schedule = env.GetString("audit_schedule", c.Audit.Schedule)

	c.Logging.Level = env.GetString("log_level", c.Logging.Level)
	c.Logging.Format = env.GetString("log_format", c.Logging.Format)
	c.Logging.Output = env.GetString("log_output", c.Logging.Output)
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "t4-ledger"
	}
	if c.App.Version == "" {
		c.App.Version = "1.0.0"
	}
	if c.App.Env == "" {
		c.App.Env = "development"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20
	}

	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpen == 0 {
		c.Database.MaxOpen = 10
	}
	if c.Database.MaxIdle == 0 {
		c.Database.MaxIdle = 5
	}
	if c.Database.Timeout == 0 {
		c.Database.Timeout = 5 * time.Second
	}

	if c.Ledger.MaxDeviation == nil {
		d := 0.20
		c.Ledger.MaxDeviation = &d
	}
	if c.Ledger.Tolerance == nil {
		t := 0.01
		c.Ledger.Tolerance = &t
	}

	if c.Audit.Schedule == "" {
		c.Audit.Schedule = "0 */15 * * * *"
	}
	if c.Audit.Lookback == 0 {
		c.Audit.Lookback = 24 * time.Hour
	}
	if c.Audit.Timeout == 0 {
		c.Audit.Timeout = time.Minute
	}

	if c.Monitoring.PrometheusPath == "" {
		c.Monitoring.PrometheusPath = "/metrics"
	}

	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 50
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// UseDatabase reports whether a Postgres target is configured
func (c *Config) UseDatabase() bool {
	return c.Database.URL != "" || c.Database.Host != ""
}

// Connection converts the database section for database.NewConnection
func (d DatabaseConfig) Connection() *database.Config {
	return &database.Config{
		URL:             d.URL,
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		DBName:          d.DBName,
		SSLMode:         d.SSLMode,
		MaxOpen:         d.MaxOpen,
		MaxIdle:         d.MaxIdle,
		Timeout:         d.Timeout,
		ConnMaxLifetime: d.ConnMaxLifetime,
	}
}
