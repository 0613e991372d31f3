package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration
type Config struct {
	// HTTP server settings
	HTTP struct {
		Address         string        `yaml:"address"`
		Port            string        `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	// Upstream playlist fetching
	Upstream struct {
		Timeout          time.Duration `yaml:"timeout"`
		UserAgent        string        `yaml:"user_agent"`
		MaxManifestBytes int           `yaml:"max_manifest_bytes"`
		RateLimit        int           `yaml:"rate_limit"` // requests per second, 0 = unlimited
	} `yaml:"upstream"`

	// Master -> variant resolution
	Resolver struct {
		MaxHops int `yaml:"max_hops"`
	} `yaml:"resolver"`

	// Ad stripping heuristics
	Sanitizer struct {
		AdPodMin    int      `yaml:"ad_pod_min"`
		AdPodMax    int      `yaml:"ad_pod_max"`
		VendorPaths []string `yaml:"vendor_paths"`
	} `yaml:"sanitizer"`

	// Per-host upstream circuit breaker
	CircuitBreaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		Timeout          time.Duration `yaml:"timeout"`
		HalfOpenRequests int           `yaml:"half_open_requests"`
		MaxHosts         int           `yaml:"max_hosts"`
	} `yaml:"circuit_breaker"`

	// Resolution history store
	History struct {
		DBPath     string `yaml:"db_path"`
		MaxEntries int    `yaml:"max_entries"`
	} `yaml:"history"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

var (
	validLogLevels  = map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true}
	validLogFormats = map[string]bool{"JSON": true, "TEXT": true}
)

// Default returns a Config with sensible default values
func Default() *Config {
	cfg := &Config{}

	cfg.HTTP.Address = "0.0.0.0"
	cfg.HTTP.Port = "8080"
	cfg.HTTP.ReadTimeout = 15 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 60 * time.Second
	cfg.HTTP.ShutdownTimeout = 10 * time.Second

	cfg.Upstream.Timeout = 10 * time.Second
	cfg.Upstream.UserAgent = "m3u8-proxy/1.0"
	cfg.Upstream.MaxManifestBytes = 10 * 1024 * 1024 // 10MB
	cfg.Upstream.RateLimit = 0

	cfg.Resolver.MaxHops = 5

	cfg.Sanitizer.AdPodMin = 10
	cfg.Sanitizer.AdPodMax = 18
	cfg.Sanitizer.VendorPaths = []string{"/convertv7/"}

	cfg.CircuitBreaker.FailureThreshold = 5
	cfg.CircuitBreaker.Timeout = 30 * time.Second
	cfg.CircuitBreaker.HalfOpenRequests = 1
	cfg.CircuitBreaker.MaxHosts = 1000

	cfg.History.DBPath = "m3u8-proxy.db"
	cfg.History.MaxEntries = 1000

	cfg.Log.Level = "INFO"
	cfg.Log.Format = "JSON"

	return cfg
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.HTTP.Port == "" {
		errs = append(errs, "HTTP port is required")
	}
	if c.HTTP.ReadTimeout <= 0 {
		errs = append(errs, "HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		errs = append(errs, "HTTP write timeout must be positive")
	}
	if c.HTTP.IdleTimeout <= 0 {
		errs = append(errs, "HTTP idle timeout must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, "HTTP shutdown timeout must be positive")
	}

	if c.Upstream.Timeout <= 0 {
		errs = append(errs, "Upstream timeout must be positive")
	}
	if c.Upstream.MaxManifestBytes <= 0 {
		errs = append(errs, "Upstream max manifest size must be positive")
	}
	if c.Upstream.RateLimit < 0 {
		errs = append(errs, "Upstream rate limit cannot be negative")
	}

	if c.Resolver.MaxHops <= 0 {
		errs = append(errs, "Resolver max hops must be positive")
	}

	if c.Sanitizer.AdPodMin <= 0 {
		errs = append(errs, "Sanitizer ad pod minimum must be positive")
	}
	if c.Sanitizer.AdPodMax < c.Sanitizer.AdPodMin {
		errs = append(errs, "Sanitizer ad pod maximum must be >= minimum")
	}
	for i, p := range c.Sanitizer.VendorPaths {
		if len(p) < 3 || !strings.HasPrefix(p, "/") || !strings.HasSuffix(p, "/") {
			errs = append(errs, fmt.Sprintf("Sanitizer vendor path %d (%q) must look like /segment/", i, p))
		}
	}

	if c.CircuitBreaker.FailureThreshold <= 0 {
		errs = append(errs, "Circuit breaker failure threshold must be positive")
	}
	if c.CircuitBreaker.Timeout <= 0 {
		errs = append(errs, "Circuit breaker timeout must be positive")
	}
	if c.CircuitBreaker.HalfOpenRequests <= 0 {
		errs = append(errs, "Circuit breaker half-open requests must be positive")
	}
	if c.CircuitBreaker.MaxHosts <= 0 {
		errs = append(errs, "Circuit breaker max hosts must be positive")
	}

	if c.History.DBPath == "" {
		errs = append(errs, "History database path is required")
	}
	if c.History.MaxEntries <= 0 {
		errs = append(errs, "History max entries must be positive")
	}

	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		errs = append(errs, "Log level must be one of: DEBUG, INFO, WARN, ERROR")
	}
	if !validLogFormats[strings.ToUpper(c.Log.Format)] {
		errs = append(errs, "Log format must be one of: JSON, TEXT")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Addr returns the listen address of the HTTP server
func (c *Config) Addr() string {
	return c.HTTP.Address + ":" + c.HTTP.Port
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Load reads an optional .env file, an optional YAML file (CONFIG_FILE,
// default config.yaml), applies environment overrides and validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) error {
	p := &envParser{}

	p.parseString("HTTP_ADDRESS", &cfg.HTTP.Address)
	p.parseString("HTTP_PORT", &cfg.HTTP.Port)
	p.parseDuration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	p.parseDuration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	p.parseDuration("HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout)
	p.parseDuration("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)

	p.parseDuration("UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	p.parseString("UPSTREAM_USER_AGENT", &cfg.Upstream.UserAgent)
	p.parseByteSize("UPSTREAM_MAX_MANIFEST_SIZE", &cfg.Upstream.MaxManifestBytes)
	p.parseNonNegativeInt("UPSTREAM_RATE_LIMIT", &cfg.Upstream.RateLimit)

	p.parseInt("RESOLVER_MAX_HOPS", &cfg.Resolver.MaxHops)

	p.parseInt("SANITIZER_AD_POD_MIN", &cfg.Sanitizer.AdPodMin)
	p.parseInt("SANITIZER_AD_POD_MAX", &cfg.Sanitizer.AdPodMax)
	p.parseList("SANITIZER_VENDOR_PATHS", &cfg.Sanitizer.VendorPaths)

	p.parseInt("CB_FAILURE_THRESHOLD", &cfg.CircuitBreaker.FailureThreshold)
	p.parseDuration("CB_TIMEOUT", &cfg.CircuitBreaker.Timeout)
	p.parseInt("CB_HALF_OPEN_REQUESTS", &cfg.CircuitBreaker.HalfOpenRequests)
	p.parseInt("CB_MAX_HOSTS", &cfg.CircuitBreaker.MaxHosts)

	p.parseString("HISTORY_DB_PATH", &cfg.History.DBPath)
	p.parseInt("HISTORY_MAX_ENTRIES", &cfg.History.MaxEntries)

	p.parseEnum("LOG_LEVEL", &cfg.Log.Level, validLogLevels)
	p.parseEnum("LOG_FORMAT", &cfg.Log.Format, validLogFormats)

	return p.err()
}

// LogAttrs returns the configuration as slog key/value pairs
func (c *Config) LogAttrs() []any {
	return []any{
		"addr", c.Addr(),
		"upstream_timeout", c.Upstream.Timeout.String(),
		"upstream_user_agent", c.Upstream.UserAgent,
		"upstream_max_manifest_bytes", c.Upstream.MaxManifestBytes,
		"upstream_rate_limit", c.Upstream.RateLimit,
		"resolver_max_hops", c.Resolver.MaxHops,
		"sanitizer_ad_pod", fmt.Sprintf("%d..%d", c.Sanitizer.AdPodMin, c.Sanitizer.AdPodMax),
		"sanitizer_vendor_paths", strings.Join(c.Sanitizer.VendorPaths, ","),
		"cb_failure_threshold", c.CircuitBreaker.FailureThreshold,
		"cb_timeout", c.CircuitBreaker.Timeout.String(),
		"cb_max_hosts", c.CircuitBreaker.MaxHosts,
		"history_db_path", c.History.DBPath,
		"history_max_entries", c.History.MaxEntries,
		"log_level", strings.ToUpper(c.Log.Level),
		"log_format", strings.ToLower(c.Log.Format),
	}
}
