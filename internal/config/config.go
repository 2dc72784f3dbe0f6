// ABOUTME: Configuration loading and parsing for hamstore
// ABOUTME: Supports YAML files with environment variable expansion

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hamstore configuration.
type Config struct {
	Data     DataConfig     `yaml:"data"`
	Database DatabaseConfig `yaml:"database"`
	Keyring  KeyringConfig  `yaml:"keyring"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DataConfig holds filesystem root configuration.
type DataConfig struct {
	// Dir is the data root holding the database file and the CAS blob dirs.
	Dir string `yaml:"dir"`
	// SettingsPath overrides the JSON settings sidecar location.
	SettingsPath string `yaml:"settings_path"`
}

// DatabaseConfig holds database tier configuration.
type DatabaseConfig struct {
	// Mode pre-selects the confidentiality tier for first run
	// (open|secure|strict). Empty means ask interactively.
	Mode string `yaml:"mode"`
}

// KeyringConfig holds OS secret store configuration.
type KeyringConfig struct {
	// Service is the secret-store service name. Empty uses the default.
	Service string `yaml:"service"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no config file is given.
// The data dir honors HAMSTORE_DATA_DIR, else a local "data" directory.
func Default() *Config {
	dir := os.Getenv("HAMSTORE_DATA_DIR")
	if dir == "" {
		dir = "data"
	}
	return &Config{
		Data: DataConfig{Dir: dir},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all configured fields are usable.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}

	switch c.Database.Mode {
	case "", "open", "secure", "strict":
	default:
		return fmt.Errorf("database.mode must be open, secure, or strict (got %q)", c.Database.Mode)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	return nil
}
