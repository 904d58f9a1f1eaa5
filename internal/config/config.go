// ABOUTME: Configuration loading and parsing for the universalbot engine
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Database DatabaseConfig        `yaml:"database"`
	Engine   EngineConfig          `yaml:"engine"`
	Dedupe   DedupeConfig          `yaml:"dedupe"`
	Plans    map[string]PlanConfig `yaml:"plans"`
	Logging  LoggingConfig         `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig holds conversation timing configuration.
type EngineConfig struct {
	InactivityWindow time.Duration `yaml:"-"`
	SweepInterval    time.Duration `yaml:"-"`
	RequestDeadline  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InactivityWindowRaw string `yaml:"inactivity_window"`
	SweepIntervalRaw    string `yaml:"sweep_interval"`
	RequestDeadlineRaw  string `yaml:"request_deadline"`
}

// DedupeConfig holds webhook delivery dedupe configuration.
type DedupeConfig struct {
	TTL time.Duration `yaml:"-"`

	TTLRaw  string `yaml:"ttl"`
	MaxSize int    `yaml:"max_size"`
}

// PlanConfig is one subscription tier's capability row.
type PlanConfig struct {
	Channels         []string `yaml:"channels"`
	MonthlyResponses int      `yaml:"monthly_responses"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the file leaves a knob unset.
const (
	defaultInactivityWindow = 30 * time.Minute
	defaultSweepInterval    = 5 * time.Minute
	defaultRequestDeadline  = 10 * time.Second
	defaultDedupeTTL        = 2 * time.Minute
	defaultDedupeMaxSize    = 10000
)

// Load reads a configuration file from the given path and returns a
// parsed Config. Environment variables in the format ${VAR_NAME} are
// expanded. Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Plans) == 0 {
		return fmt.Errorf("at least one plan tier is required")
	}
	for tier, plan := range c.Plans {
		if len(plan.Channels) == 0 {
			return fmt.Errorf("plan %q enables no channels", tier)
		}
		if plan.MonthlyResponses < 0 {
			return fmt.Errorf("plan %q has negative monthly_responses", tier)
		}
	}
	return nil
}

// applyDefaults fills unset timing knobs.
func (c *Config) applyDefaults() {
	if c.Engine.InactivityWindow == 0 {
		c.Engine.InactivityWindow = defaultInactivityWindow
	}
	if c.Engine.SweepInterval == 0 {
		c.Engine.SweepInterval = defaultSweepInterval
	}
	if c.Engine.RequestDeadline == 0 {
		c.Engine.RequestDeadline = defaultRequestDeadline
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = defaultDedupeTTL
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = defaultDedupeMaxSize
	}
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Engine.InactivityWindowRaw != "" {
		cfg.Engine.InactivityWindow, err = time.ParseDuration(cfg.Engine.InactivityWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing inactivity_window %q: %w", cfg.Engine.InactivityWindowRaw, err)
		}
	}

	if cfg.Engine.SweepIntervalRaw != "" {
		cfg.Engine.SweepInterval, err = time.ParseDuration(cfg.Engine.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Engine.SweepIntervalRaw, err)
		}
	}

	if cfg.Engine.RequestDeadlineRaw != "" {
		cfg.Engine.RequestDeadline, err = time.ParseDuration(cfg.Engine.RequestDeadlineRaw)
		if err != nil {
			return fmt.Errorf("parsing request_deadline %q: %w", cfg.Engine.RequestDeadlineRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	return nil
}
