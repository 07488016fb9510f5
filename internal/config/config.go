// ABOUTME: Configuration loading and parsing for backrooms-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default limits applied when the config omits them or supplies
// non-positive values.
const (
	DefaultDailyAPILimit = 25
	DefaultTurnLimit     = 100
	DefaultMinTurnDelay  = 2 * time.Second
	DefaultMaxTurnDelay  = 5 * time.Second
	DefaultHTTPAddr      = "localhost:8080"
)

// Config represents the complete backrooms-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Limits        LimitsConfig        `yaml:"limits"`
	Personalities PersonalitiesConfig `yaml:"personalities"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// OpenAIConfig holds provider credentials and endpoint overrides
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LimitsConfig holds call budgets and turn scheduling delays
type LimitsConfig struct {
	DailyAPILimit int           `yaml:"daily_api_limit"`
	TurnLimit     int           `yaml:"turn_limit"`
	MinTurnDelay  time.Duration `yaml:"-"`
	MaxTurnDelay  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	MinTurnDelayRaw string `yaml:"min_turn_delay"`
	MaxTurnDelayRaw string `yaml:"max_turn_delay"`
}

// PersonalitiesConfig points at an optional external personality catalog.
// When Path is empty the embedded catalog is used.
type PersonalitiesConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
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

// Default returns a config populated entirely from defaults and environment
// variables, for running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values and environment fallbacks. OPENAI_API_KEY
// and DAILY_API_LIMIT take over when the config file leaves the
// corresponding fields unset.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Limits.DailyAPILimit <= 0 {
		c.Limits.DailyAPILimit = dailyLimitFromEnv()
	}
	if c.Limits.TurnLimit <= 0 {
		c.Limits.TurnLimit = DefaultTurnLimit
	}
	if c.Limits.MinTurnDelay <= 0 {
		c.Limits.MinTurnDelay = DefaultMinTurnDelay
	}
	if c.Limits.MaxTurnDelay <= c.Limits.MinTurnDelay {
		// Keep the default 3s jitter window above whatever floor was set.
		c.Limits.MaxTurnDelay = c.Limits.MinTurnDelay + (DefaultMaxTurnDelay - DefaultMinTurnDelay)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// dailyLimitFromEnv reads DAILY_API_LIMIT, falling back to the default for
// unset, unparseable, or non-positive values.
func dailyLimitFromEnv() int {
	raw := os.Getenv("DAILY_API_LIMIT")
	if raw == "" {
		return DefaultDailyAPILimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultDailyAPILimit
	}
	return n
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Limits.MaxTurnDelay <= c.Limits.MinTurnDelay {
		return fmt.Errorf("limits.max_turn_delay must exceed limits.min_turn_delay")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Limits.MinTurnDelayRaw != "" {
		cfg.Limits.MinTurnDelay, err = time.ParseDuration(cfg.Limits.MinTurnDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing min_turn_delay %q: %w", cfg.Limits.MinTurnDelayRaw, err)
		}
	}

	if cfg.Limits.MaxTurnDelayRaw != "" {
		cfg.Limits.MaxTurnDelay, err = time.ParseDuration(cfg.Limits.MaxTurnDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing max_turn_delay %q: %w", cfg.Limits.MaxTurnDelayRaw, err)
		}
	}

	return nil
}
