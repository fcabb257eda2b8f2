package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Auth           AuthConfig           `yaml:"auth"`
	Log            LogConfig            `yaml:"log"`
	Payout         PayoutConfig         `yaml:"payout"`
	Settlement     SettlementConfig     `yaml:"settlement"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	FX             FXConfig             `yaml:"fx"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

// DatabaseConfig contains PostgreSQL connection settings
type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
	SSLMode        string `yaml:"ssl_mode"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	TxRetries      int    `yaml:"tx_retries"`
	MigrationsPath string `yaml:"migrations_path"`
}

// RedisConfig contains the FX rate cache connection. An empty host disables it.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig contains bearer token verification settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// PayoutConfig contains payout limits. Amounts are decimal strings in wallet currency.
type PayoutConfig struct {
	MinAmount string `yaml:"min_amount"`
	MaxAmount string `yaml:"max_amount"`

	minAmount decimal.Decimal
	maxAmount decimal.Decimal
}

// SettlementConfig contains the settlement worker pool settings
type SettlementConfig struct {
	Workers             int `yaml:"workers"`
	BatchSize           int `yaml:"batch_size"`
	MaxAttempts         int `yaml:"max_attempts"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	LeaseSeconds        int `yaml:"lease_seconds"`
	BackoffSeconds      int `yaml:"backoff_seconds"`
	InFlightPollLimit   int `yaml:"in_flight_poll_limit"`
}

// GatewayConfig contains the bank transfer provider settings
type GatewayConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// FXConfig contains the exchange rate provider settings
type FXConfig struct {
	BaseURL           string `yaml:"base_url"`
	APIKey            string `yaml:"api_key"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	CacheTTLMinutes   int    `yaml:"cache_ttl_minutes"`
	FallbackTTLHours  int    `yaml:"fallback_ttl_hours"`
	RetryAfterSeconds int    `yaml:"retry_after_seconds"`
}

// ReconciliationConfig contains the balance audit settings
type ReconciliationConfig struct {
	Epsilon string `yaml:"epsilon"`

	epsilon decimal.Decimal
}

// SchedulerConfig contains cron schedule settings
type SchedulerConfig struct {
	PollInFlightPayouts  string `yaml:"poll_in_flight_payouts"`
	ReleaseExpiredLeases string `yaml:"release_expired_leases"`
	ReportDeadLetters    string `yaml:"report_dead_letters"`
}

// MetricsConfig contains the Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Address is used by processes without an HTTP API (the cronjob runner).
	Address string `yaml:"address"`
}

// Load reads configuration from a YAML file
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside local development
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.overrideWithEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// overrideWithEnv overrides config values with environment variables
func (c *Config) overrideWithEnv() {
	// Database
	if val := os.Getenv("DB_HOST"); val != "" {
		c.Database.Host = val
	}
	if val := os.Getenv("DB_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Database.Port)
	}
	if val := os.Getenv("DB_USER"); val != "" {
		c.Database.User = val
	}
	if val := os.Getenv("DB_PASSWORD"); val != "" {
		c.Database.Password = val
	}
	if val := os.Getenv("DB_NAME"); val != "" {
		c.Database.Database = val
	}
	if val := os.Getenv("DB_SSL_MODE"); val != "" {
		c.Database.SSLMode = val
	}

	// Redis
	if val := os.Getenv("REDIS_HOST"); val != "" {
		c.Redis.Host = val
	}
	if val := os.Getenv("REDIS_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Redis.Port)
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		c.Redis.Password = val
	}

	// Auth
	if val := os.Getenv("JWT_SECRET"); val != "" {
		c.Auth.JWTSecret = val
	}

	// Server
	if val := os.Getenv("SERVER_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("SERVER_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Server.Port)
	}

	// Providers
	if val := os.Getenv("GATEWAY_BASE_URL"); val != "" {
		c.Gateway.BaseURL = val
	}
	if val := os.Getenv("GATEWAY_API_KEY"); val != "" {
		c.Gateway.APIKey = val
	}
	if val := os.Getenv("FX_BASE_URL"); val != "" {
		c.FX.BaseURL = val
	}
	if val := os.Getenv("FX_API_KEY"); val != "" {
		c.FX.APIKey = val
	}

	// Money policy
	if val := os.Getenv("PAYOUT_MIN_AMOUNT"); val != "" {
		c.Payout.MinAmount = val
	}
	if val := os.Getenv("PAYOUT_MAX_AMOUNT"); val != "" {
		c.Payout.MaxAmount = val
	}
	if val := os.Getenv("RECONCILIATION_EPSILON"); val != "" {
		c.Reconciliation.Epsilon = val
	}

	// Log
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks if the configuration is valid and fills defaults
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds == 0 {
		c.Server.WriteTimeoutSeconds = 30
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.TxRetries == 0 {
		c.Database.TxRetries = 3
	}
	if c.Database.MigrationsPath == "" {
		c.Database.MigrationsPath = "migrations"
	}
	if c.Redis.Host != "" && c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters")
	}

	// Payout limits
	if c.Payout.MinAmount == "" {
		c.Payout.MinAmount = "1000"
	}
	if c.Payout.MaxAmount == "" {
		c.Payout.MaxAmount = "5000000"
	}
	var err error
	if c.Payout.minAmount, err = decimal.NewFromString(c.Payout.MinAmount); err != nil {
		return fmt.Errorf("invalid payout min_amount %q: %w", c.Payout.MinAmount, err)
	}
	if c.Payout.maxAmount, err = decimal.NewFromString(c.Payout.MaxAmount); err != nil {
		return fmt.Errorf("invalid payout max_amount %q: %w", c.Payout.MaxAmount, err)
	}
	if !c.Payout.minAmount.IsPositive() || c.Payout.maxAmount.LessThan(c.Payout.minAmount) {
		return fmt.Errorf("payout limits must satisfy 0 < min_amount <= max_amount")
	}

	// Settlement defaults
	if c.Settlement.Workers == 0 {
		c.Settlement.Workers = 4
	}
	if c.Settlement.BatchSize == 0 {
		c.Settlement.BatchSize = 16
	}
	if c.Settlement.MaxAttempts == 0 {
		c.Settlement.MaxAttempts = 5
	}
	if c.Settlement.PollIntervalSeconds == 0 {
		c.Settlement.PollIntervalSeconds = 5
	}
	if c.Settlement.LeaseSeconds == 0 {
		c.Settlement.LeaseSeconds = 120
	}
	if c.Settlement.BackoffSeconds == 0 {
		c.Settlement.BackoffSeconds = 30
	}
	if c.Settlement.InFlightPollLimit == 0 {
		c.Settlement.InFlightPollLimit = 100
	}

	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway base URL is required")
	}
	if c.Gateway.TimeoutSeconds == 0 {
		c.Gateway.TimeoutSeconds = 30
	}
	if c.Settlement.LeaseSeconds <= c.Gateway.TimeoutSeconds {
		return fmt.Errorf("settlement lease (%ds) must exceed gateway timeout (%ds)", c.Settlement.LeaseSeconds, c.Gateway.TimeoutSeconds)
	}

	if c.FX.TimeoutSeconds == 0 {
		c.FX.TimeoutSeconds = 10
	}
	if c.FX.CacheTTLMinutes == 0 {
		c.FX.CacheTTLMinutes = 60
	}
	if c.FX.FallbackTTLHours == 0 {
		c.FX.FallbackTTLHours = 24
	}
	if c.FX.RetryAfterSeconds == 0 {
		c.FX.RetryAfterSeconds = 300
	}

	if c.Reconciliation.Epsilon == "" {
		c.Reconciliation.Epsilon = "0.01"
	}
	if c.Reconciliation.epsilon, err = decimal.NewFromString(c.Reconciliation.Epsilon); err != nil {
		return fmt.Errorf("invalid reconciliation epsilon %q: %w", c.Reconciliation.Epsilon, err)
	}
	if c.Reconciliation.epsilon.IsNegative() {
		return fmt.Errorf("reconciliation epsilon must not be negative")
	}

	// Scheduler defaults
	if c.Scheduler.PollInFlightPayouts == "" {
		c.Scheduler.PollInFlightPayouts = "0 */5 * * * *" // every 5 minutes
	}
	if c.Scheduler.ReleaseExpiredLeases == "" {
		c.Scheduler.ReleaseExpiredLeases = "30 * * * * *" // every minute
	}
	if c.Scheduler.ReportDeadLetters == "" {
		c.Scheduler.ReportDeadLetters = "0 0 8 * * *" // 8 AM UTC
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	return nil
}

// Min returns the parsed minimum payout amount
func (p PayoutConfig) Min() decimal.Decimal { return p.minAmount }

// Max returns the parsed maximum payout amount
func (p PayoutConfig) Max() decimal.Decimal { return p.maxAmount }

// Threshold returns the parsed reconciliation epsilon
func (r ReconciliationConfig) Threshold() decimal.Decimal { return r.epsilon }

// GetDatabaseConnectionString returns a PostgreSQL connection string
func (c *Config) GetDatabaseConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetServerAddress returns the HTTP server address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetRedisAddress returns the Redis address, or "" when the FX cache is disabled
func (c *Config) GetRedisAddress() string {
	if c.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
