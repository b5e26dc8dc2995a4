// Package config provides configuration loading and management for querypool.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const defaultMinConnections = 2

// Config represents the complete application configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Pool        PoolConfig        `yaml:"pool"`
	Cache       CacheConfig       `yaml:"cache"`
	Retry       RetryConfig       `yaml:"retry"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Advisor     AdvisorConfig     `yaml:"advisor"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// DatabaseConfig holds connection settings for the remote database.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`

	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`
}

// DSN returns the driver-specific connection string.
func (d *DatabaseConfig) DSN() string {
	if d.Driver == DriverSQLite {
		return "file:" + d.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// PoolConfig bounds and times the connection pool.
type PoolConfig struct {
	MinConnections *int   `yaml:"min_connections"`
	MaxConnections int    `yaml:"max_connections"`
	AcquireTimeout string `yaml:"acquire_timeout"`
	PollInterval   string `yaml:"poll_interval"`
	IdleTimeout    string `yaml:"idle_timeout"`
	ShutdownGrace  string `yaml:"shutdown_grace"`

	// HealthCheckQuery is run before reusing a connection; empty means ping.
	HealthCheckQuery string `yaml:"health_check_query"`
}

// Min returns the warm connection floor. Unset means 2; an explicit 0
// keeps no warm connections.
func (p *PoolConfig) Min() int {
	if p.MinConnections == nil {
		return defaultMinConnections
	}
	return *p.MinConnections
}

// AcquireTimeoutParsed returns the parsed acquisition timeout.
func (p *PoolConfig) AcquireTimeoutParsed() (time.Duration, error) {
	return time.ParseDuration(p.AcquireTimeout)
}

// PollIntervalParsed returns the parsed acquisition poll interval.
func (p *PoolConfig) PollIntervalParsed() (time.Duration, error) {
	return time.ParseDuration(p.PollInterval)
}

// IdleTimeoutParsed returns the parsed idle timeout.
func (p *PoolConfig) IdleTimeoutParsed() (time.Duration, error) {
	return time.ParseDuration(p.IdleTimeout)
}

// ShutdownGraceParsed returns the parsed shutdown grace period.
func (p *PoolConfig) ShutdownGraceParsed() (time.Duration, error) {
	return time.ParseDuration(p.ShutdownGrace)
}

// CacheConfig controls the read-result cache.
type CacheConfig struct {
	Enabled    *bool  `yaml:"enabled"`
	TTL        string `yaml:"ttl"`
	MaxEntries int    `yaml:"max_entries"`
}

// IsEnabled reports whether caching is on. Unset means enabled.
func (c *CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TTLParsed returns the parsed cache TTL.
func (c *CacheConfig) TTLParsed() (time.Duration, error) {
	return time.ParseDuration(c.TTL)
}

// RetryConfig defines the executor retry policy.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
}

// BaseDelayParsed returns the parsed backoff base delay.
func (r *RetryConfig) BaseDelayParsed() (time.Duration, error) {
	return time.ParseDuration(r.BaseDelay)
}

// AnalysisConfig tunes the plan analyzer and performance scoring.
type AnalysisConfig struct {
	SlowQueryThreshold string `yaml:"slow_query_threshold"`
	HistorySize        int    `yaml:"history_size"`
	LargeResultRows    int    `yaml:"large_result_rows"`

	Weights   CostWeights   `yaml:"weights"`
	Penalties ScorePenalties `yaml:"penalties"`
}

// SlowQueryThresholdParsed returns the parsed slow-query threshold.
func (a *AnalysisConfig) SlowQueryThresholdParsed() (time.Duration, error) {
	return time.ParseDuration(a.SlowQueryThreshold)
}

// CostWeights are the relative cost of each plan step kind.
type CostWeights struct {
	TableScan   float64 `yaml:"table_scan"`
	IndexSearch float64 `yaml:"index_search"`
	TempBTree   float64 `yaml:"temp_btree"`
	Other       float64 `yaml:"other"`
}

// ScorePenalties are the points deducted from a perfect score of 100.
type ScorePenalties struct {
	SlowQuery       int `yaml:"slow_query"`
	MissingIndex    int `yaml:"missing_index"`
	MultipleScans   int `yaml:"multiple_scans"`
	UnindexedJoin   int `yaml:"unindexed_join"`
	UnboundedResult int `yaml:"unbounded_result"`
	FTSPagination   int `yaml:"fts_pagination"`
	FTSOperators    int `yaml:"fts_operators"`
}

// AdvisorConfig sets the index advisor frequency thresholds.
type AdvisorConfig struct {
	MinSimpleFrequency    int `yaml:"min_simple_frequency"`
	MinCompositeFrequency int `yaml:"min_composite_frequency"`
}

// MaintenanceConfig defines the periodic task intervals.
type MaintenanceConfig struct {
	CleanupInterval    string `yaml:"cleanup_interval"`
	CacheSweepInterval string `yaml:"cache_sweep_interval"`
	ReportInterval     string `yaml:"report_interval"`
	Timezone           string `yaml:"timezone"`

	// Location is resolved from Timezone by Validate.
	Location *time.Location `yaml:"-"`
}

// CleanupIntervalParsed returns the parsed idle-cleanup interval.
func (m *MaintenanceConfig) CleanupIntervalParsed() (time.Duration, error) {
	return time.ParseDuration(m.CleanupInterval)
}

// CacheSweepIntervalParsed returns the parsed cache-sweep interval.
func (m *MaintenanceConfig) CacheSweepIntervalParsed() (time.Duration, error) {
	return time.ParseDuration(m.CacheSweepInterval)
}

// ReportIntervalParsed returns the parsed report interval.
func (m *MaintenanceConfig) ReportIntervalParsed() (time.Duration, error) {
	return time.ParseDuration(m.ReportInterval)
}

// NotifierConfig holds notification channel settings.
type NotifierConfig struct {
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Retries    int    `yaml:"retries"`
	RetryDelay string `yaml:"retry_delay"`
}

// RetryDelayParsed returns the parsed retry delay duration.
func (n *NotifierConfig) RetryDelayParsed() (time.Duration, error) {
	return time.ParseDuration(n.RetryDelay)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port      int  `yaml:"port"`
	DeepCheck bool `yaml:"deep_check"`
}

// LogConfig selects the zap logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvVars expands ${VAR} and ${VAR:-default} patterns in the input string.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) > 2 {
			defaultVal = parts[2]
		}

		if val, exists := os.LookupEnv(varName); exists {
			return val
		}
		return defaultVal
	})
}

// applyDefaults sets default values for any unset configuration fields.
func applyDefaults(cfg *Config) {
	// Database defaults
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "127.0.0.1"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "postgres"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "querypool.db"
	}

	// Pool defaults
	if cfg.Pool.MinConnections == nil {
		minConns := defaultMinConnections
		cfg.Pool.MinConnections = &minConns
	}
	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = 10
	}
	if cfg.Pool.AcquireTimeout == "" {
		cfg.Pool.AcquireTimeout = "5s"
	}
	if cfg.Pool.PollInterval == "" {
		cfg.Pool.PollInterval = "100ms"
	}
	if cfg.Pool.IdleTimeout == "" {
		cfg.Pool.IdleTimeout = "5m"
	}
	if cfg.Pool.ShutdownGrace == "" {
		cfg.Pool.ShutdownGrace = "10s"
	}

	// Cache defaults
	if cfg.Cache.TTL == "" {
		cfg.Cache.TTL = "5m"
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}

	// Retry defaults
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == "" {
		cfg.Retry.BaseDelay = "100ms"
	}

	// Analysis defaults
	if cfg.Analysis.SlowQueryThreshold == "" {
		cfg.Analysis.SlowQueryThreshold = "100ms"
	}
	if cfg.Analysis.HistorySize == 0 {
		cfg.Analysis.HistorySize = 100
	}
	if cfg.Analysis.LargeResultRows == 0 {
		cfg.Analysis.LargeResultRows = 1000
	}
	w := &cfg.Analysis.Weights
	if w.TableScan == 0 {
		w.TableScan = 1000
	}
	if w.IndexSearch == 0 {
		w.IndexSearch = 10
	}
	if w.TempBTree == 0 {
		w.TempBTree = 100
	}
	if w.Other == 0 {
		w.Other = 1
	}
	p := &cfg.Analysis.Penalties
	if p.SlowQuery == 0 {
		p.SlowQuery = 30
	}
	if p.MissingIndex == 0 {
		p.MissingIndex = 25
	}
	if p.MultipleScans == 0 {
		p.MultipleScans = 15
	}
	if p.UnindexedJoin == 0 {
		p.UnindexedJoin = 15
	}
	if p.UnboundedResult == 0 {
		p.UnboundedResult = 10
	}
	if p.FTSPagination == 0 {
		p.FTSPagination = 10
	}
	if p.FTSOperators == 0 {
		p.FTSOperators = 5
	}

	// Advisor defaults
	if cfg.Advisor.MinSimpleFrequency == 0 {
		cfg.Advisor.MinSimpleFrequency = 2
	}
	if cfg.Advisor.MinCompositeFrequency == 0 {
		cfg.Advisor.MinCompositeFrequency = 2
	}

	// Maintenance defaults
	if cfg.Maintenance.CleanupInterval == "" {
		cfg.Maintenance.CleanupInterval = "30s"
	}
	if cfg.Maintenance.CacheSweepInterval == "" {
		cfg.Maintenance.CacheSweepInterval = "1m"
	}
	if cfg.Maintenance.ReportInterval == "" {
		cfg.Maintenance.ReportInterval = "5m"
	}
	if cfg.Maintenance.Timezone == "" {
		cfg.Maintenance.Timezone = "UTC"
	}

	// Notifier defaults
	if cfg.Notifier.Type == "" {
		cfg.Notifier.Type = "console"
	}
	if cfg.Notifier.Retries == 0 {
		cfg.Notifier.Retries = 3
	}
	if cfg.Notifier.RetryDelay == "" {
		cfg.Notifier.RetryDelay = "1s"
	}

	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	// Log defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks that the configuration is valid and resolves Maintenance.Location.
func (c *Config) Validate() error {
	var errs []string

	// Validate database
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			errs = append(errs, "database.host is required")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required when driver is 'sqlite'")
		}
	default:
		errs = append(errs, "database.driver must be one of: postgres, sqlite")
	}

	// Validate pool bounds
	if c.Pool.MaxConnections < 1 {
		errs = append(errs, "pool.max_connections must be at least 1")
	}
	if c.Pool.Min() < 0 {
		errs = append(errs, "pool.min_connections must not be negative")
	}
	if c.Pool.Min() > c.Pool.MaxConnections {
		errs = append(errs, "pool.min_connections must not exceed pool.max_connections")
	}

	if c.Cache.MaxEntries < 1 {
		errs = append(errs, "cache.max_entries must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	if c.Analysis.HistorySize < 1 {
		errs = append(errs, "analysis.history_size must be at least 1")
	}
	if c.Advisor.MinSimpleFrequency < 1 || c.Advisor.MinCompositeFrequency < 1 {
		errs = append(errs, "advisor frequencies must be at least 1")
	}

	// Validate durations
	durations := []struct {
		name  string
		parse func() (time.Duration, error)
	}{
		{"pool.acquire_timeout", c.Pool.AcquireTimeoutParsed},
		{"pool.poll_interval", c.Pool.PollIntervalParsed},
		{"pool.idle_timeout", c.Pool.IdleTimeoutParsed},
		{"pool.shutdown_grace", c.Pool.ShutdownGraceParsed},
		{"cache.ttl", c.Cache.TTLParsed},
		{"retry.base_delay", c.Retry.BaseDelayParsed},
		{"analysis.slow_query_threshold", c.Analysis.SlowQueryThresholdParsed},
		{"maintenance.cleanup_interval", c.Maintenance.CleanupIntervalParsed},
		{"maintenance.cache_sweep_interval", c.Maintenance.CacheSweepIntervalParsed},
		{"maintenance.report_interval", c.Maintenance.ReportIntervalParsed},
		{"notifier.retry_delay", c.Notifier.RetryDelayParsed},
	}
	for _, d := range durations {
		v, err := d.parse()
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s is invalid: %v", d.name, err))
			continue
		}
		if v <= 0 && d.name != "notifier.retry_delay" {
			errs = append(errs, fmt.Sprintf("%s must be positive", d.name))
		}
	}

	// Validate timezone
	loc, err := time.LoadLocation(c.Maintenance.Timezone)
	if err != nil {
		errs = append(errs, fmt.Sprintf("maintenance.timezone is invalid: %v", err))
	} else {
		c.Maintenance.Location = loc
	}

	// Validate notifier type
	validNotifierTypes := map[string]bool{"wecom": true, "console": true}
	if !validNotifierTypes[c.Notifier.Type] {
		errs = append(errs, "notifier.type must be one of: wecom, console")
	}
	if c.Notifier.Type == "wecom" && c.Notifier.WebhookURL == "" {
		errs = append(errs, "notifier.webhook_url is required when type is 'wecom'")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, "log.format must be one of: json, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
