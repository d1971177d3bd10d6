package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Upstream resolution
	Upstream UpstreamConfig `yaml:"upstream"`

	// Decision cache settings
	Cache CacheConfig `yaml:"cache"`

	// Per-device query rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Rule seeds and sync
	Rules RulesConfig `yaml:"rules"`

	// Statistics and device tracking
	Stats StatsConfig `yaml:"stats"`

	// Rule repository and access log
	Storage StorageConfig `yaml:"storage"`

	// Privacy settings applied to logged and broadcast events
	Privacy PrivacyConfig `yaml:"privacy"`

	// Admin API
	API APIConfig `yaml:"api"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	TCPEnabled    bool   `yaml:"tcp_enabled"`
	UDPEnabled    bool   `yaml:"udp_enabled"`
	// AnswerNonA replies to non-A questions with an empty answer section
	// instead of dropping them.
	AnswerNonA bool `yaml:"answer_non_a"`
}

// UpstreamConfig holds upstream resolver settings
type UpstreamConfig struct {
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig holds decision cache settings
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the optional distributed cache tier
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	Database  int           `yaml:"database"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// RateLimitConfig bounds how fast one device may query. Queries over the
// limit are dropped without a reply.
type RateLimitConfig struct {
	Enabled           bool                `yaml:"enabled"`
	RequestsPerSecond float64             `yaml:"requests_per_second"`
	Burst             int                 `yaml:"burst"`
	CleanupInterval   time.Duration       `yaml:"cleanup_interval"`
	MaxTrackedClients int                 `yaml:"max_tracked_clients"`
	LogViolations     bool                `yaml:"log_violations"`
	Overrides         []RateLimitOverride `yaml:"overrides"`
}

// RateLimitOverride replaces the limit for specific devices or subnets.
// Unset fields inherit the global values.
type RateLimitOverride struct {
	Name              string   `yaml:"name"`
	Clients           []string `yaml:"clients"`
	CIDRs             []string `yaml:"cidrs"`
	RequestsPerSecond *float64 `yaml:"requests_per_second"`
	Burst             *int     `yaml:"burst"`
}

// RulesConfig holds the startup policy and repository sync settings
type RulesConfig struct {
	Mode             string              `yaml:"mode"` // blacklist, whitelist
	Blocked          []string            `yaml:"blocked"`
	Allowed          []string            `yaml:"allowed"`
	Categories       map[string][]string `yaml:"categories"`
	ActiveCategories []string            `yaml:"active_categories"`
	SyncInterval     time.Duration       `yaml:"sync_interval"`
}

// StatsConfig holds aggregator bounds
type StatsConfig struct {
	HistorySize       int           `yaml:"history_size"`
	ActivitySize      int           `yaml:"activity_size"`
	TopN              int           `yaml:"top_n"`
	MaxTrackedDomains int           `yaml:"max_tracked_domains"`
	ActiveWindow      time.Duration `yaml:"active_window"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	// stats-update events are coalesced to at most one per interval
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

// StorageConfig holds storage settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatabasePath  string        `yaml:"database_path"`
	BusyTimeout   int           `yaml:"busy_timeout"`
	WALMode       bool          `yaml:"wal_mode"`
	LogQueries    bool          `yaml:"log_queries"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// PrivacyConfig holds privacy settings
type PrivacyConfig struct {
	Mode string `yaml:"mode"` // off, basic, enhanced, strict
}

// APIConfig holds admin API settings
type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	APIKey        string `yaml:"api_key"`
	Username      string `yaml:"username"`
	PasswordHash  string `yaml:"password_hash"` // bcrypt
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// DefaultCategories are the built-in category lists.
func DefaultCategories() map[string][]string {
	return map[string][]string{
		"social":    {"facebook.com", "instagram.com", "twitter.com", "tiktok.com"},
		"streaming": {"youtube.com", "netflix.com", "twitch.tv", "hulu.com"},
		"gaming":    {"steam.com", "epicgames.com", "roblox.com", "minecraft.net"},
		"adult":     {},
		"ads":       {"doubleclick.net", "googleadservices.com", "googlesyndication.com", "adsystem.com"},
	}
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		c.Server.TCPEnabled = true
		c.Server.UDPEnabled = true
	}

	// Upstream defaults
	if len(c.Upstream.Servers) == 0 {
		c.Upstream.Servers = []string{"8.8.8.8:53"}
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 2 * time.Second
	}

	// Cache defaults
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 300 * time.Second
	}
	if c.Cache.Redis.Address == "" {
		c.Cache.Redis.Address = "localhost:6379"
	}
	if c.Cache.Redis.KeyPrefix == "" {
		c.Cache.Redis.KeyPrefix = "block:"
	}
	if c.Cache.Redis.Timeout == 0 {
		c.Cache.Redis.Timeout = 100 * time.Millisecond
	}

	// Rate limit defaults
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = 10 * time.Minute
	}
	if c.RateLimit.MaxTrackedClients == 0 {
		c.RateLimit.MaxTrackedClients = 10000
	}

	// Rules defaults
	if c.Rules.Mode == "" {
		c.Rules.Mode = "blacklist"
	}
	if c.Rules.Categories == nil {
		c.Rules.Categories = DefaultCategories()
	}
	if c.Rules.SyncInterval == 0 {
		c.Rules.SyncInterval = 5 * time.Minute
	}

	// Stats defaults
	if c.Stats.HistorySize == 0 {
		c.Stats.HistorySize = 1000
	}
	if c.Stats.ActivitySize == 0 {
		c.Stats.ActivitySize = 50
	}
	if c.Stats.TopN == 0 {
		c.Stats.TopN = 10
	}
	if c.Stats.MaxTrackedDomains == 0 {
		c.Stats.MaxTrackedDomains = 50000
	}
	if c.Stats.BroadcastInterval == 0 {
		c.Stats.BroadcastInterval = time.Second
	}
	if c.Stats.ActiveWindow == 0 {
		c.Stats.ActiveWindow = 5 * time.Minute
	}
	if c.Stats.SweepInterval == 0 {
		c.Stats.SweepInterval = 30 * time.Second
	}

	// Storage defaults
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./wifi-firewall.db"
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = 5000
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}

	// Privacy defaults
	if c.Privacy.Mode == "" {
		c.Privacy.Mode = "enhanced"
	}

	// API defaults
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = ":3001"
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "wifi-firewall"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		return fmt.Errorf("at least one of TCP or UDP must be enabled")
	}

	if len(c.Upstream.Servers) == 0 {
		return fmt.Errorf("at least one upstream DNS server must be configured")
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout cannot be negative")
	}

	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
			return fmt.Errorf("rate_limit.requests_per_second and rate_limit.burst cannot be negative")
		}
		for _, ov := range c.RateLimit.Overrides {
			if len(ov.Clients) == 0 && len(ov.CIDRs) == 0 {
				return fmt.Errorf("rate_limit override %q must list clients or cidrs", ov.Name)
			}
		}
	}

	if c.Rules.Mode != "blacklist" && c.Rules.Mode != "whitelist" {
		return fmt.Errorf("invalid rules mode: %s (must be blacklist or whitelist)", c.Rules.Mode)
	}
	for _, name := range c.Rules.ActiveCategories {
		if _, ok := c.Rules.Categories[name]; !ok {
			return fmt.Errorf("rules.active_categories references unknown category %q", name)
		}
	}

	if c.Stats.HistorySize < 0 || c.Stats.ActivitySize < 0 || c.Stats.TopN < 0 || c.Stats.MaxTrackedDomains < 0 || c.Stats.BroadcastInterval < 0 {
		return fmt.Errorf("stats bounds cannot be negative")
	}

	validPrivacy := map[string]bool{
		"off":      true,
		"basic":    true,
		"enhanced": true,
		"strict":   true,
	}
	if !validPrivacy[c.Privacy.Mode] {
		return fmt.Errorf("invalid privacy mode: %s (must be off, basic, enhanced, or strict)", c.Privacy.Mode)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
