package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. GATEKEEPER_SCHEDULER_MAX_CONCURRENCY.
const EnvPrefix = "GATEKEEPER"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): environment, project config,
// global config, defaults. Missing files are not errors; malformed files
// and invalid values are. YAML and JSON files are accepted.
func Load(globalPath, projectPath string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	// Merge global config if exists
	if err := mergeConfigFile(v, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}

	// Merge project config if exists
	if err := mergeConfigFile(v, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.gatekeeper/config.yaml
// Project: .gatekeeper/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".gatekeeper", "config.yaml")
	projectPath := filepath.Join(".gatekeeper", "config.yaml")

	return Load(globalPath, projectPath)
}

// mergeConfigFile merges one file into v. Missing files are silently skipped.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ValidationError lists every invalid field.
type ValidationError struct {
	Fields []string // Dotted field paths, e.g. "Config.Scheduler.MaxConcurrency"
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its field constraints.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fe.Namespace())
	}
	return &ValidationError{Fields: fields, Err: err}
}
