package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Dir is the state directory name under the project root.
const Dir = ".drover"

// Default values for Config.
const (
	DefaultWorkerCommand      = "claude"
	DefaultMaxIterations      = 20
	DefaultMaxPasses          = 3
	DefaultPollInterval       = 30
	DefaultContextCeiling     = 80000
	DefaultRemoteTokenEnv     = "SPRITES_TOKEN"
	DefaultRemoteNamePrefix   = "drover"
	DefaultRemoteChainDepth   = 10
	DefaultRemotePollInterval = 15
)

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() Config {
	return Config{
		Worker: Worker{
			Command: DefaultWorkerCommand,
		},
		Limits: Limits{
			MaxIterationsPerTask: DefaultMaxIterations,
			MaxPasses:            DefaultMaxPasses,
			PollIntervalSeconds:  DefaultPollInterval,
			ContextCeilingUnits:  DefaultContextCeiling,
		},
		Remote: Remote{
			TokenEnv:            DefaultRemoteTokenEnv,
			NamePrefix:          DefaultRemoteNamePrefix,
			MaxChainDepth:       DefaultRemoteChainDepth,
			PollIntervalSeconds: DefaultRemotePollInterval,
		},
		LogLevel: "info",
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Load reads and parses <basePath>/.drover/config.yaml. A missing file
// yields the default config; any present field overrides its default.
func Load(basePath string) (*Config, error) {
	configPath := filepath.Join(basePath, Dir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that all config values are usable.
func Validate(cfg *Config) error {
	if cfg.Worker.Command == "" {
		return ValidationError{Field: "worker.command", Message: "required field is empty"}
	}
	if cfg.Limits.MaxIterationsPerTask <= 0 {
		return ValidationError{Field: "limits.max_iterations_per_task", Message: "must be positive"}
	}
	if cfg.Limits.MaxPasses <= 0 {
		return ValidationError{Field: "limits.max_passes", Message: "must be positive"}
	}
	if cfg.Limits.PollIntervalSeconds <= 0 {
		return ValidationError{Field: "limits.poll_interval_seconds", Message: "must be positive"}
	}
	if cfg.Limits.ContextCeilingUnits <= 0 {
		return ValidationError{Field: "limits.context_ceiling_units", Message: "must be positive"}
	}
	if cfg.Monitor.Port < 0 || cfg.Monitor.Port > 65535 {
		return ValidationError{Field: "monitor.port", Message: "must be between 0 and 65535"}
	}
	if cfg.Remote.Enabled {
		if cfg.Remote.TokenEnv == "" {
			return ValidationError{Field: "remote.token_env", Message: "required when remote is enabled"}
		}
		if cfg.Remote.MaxChainDepth <= 0 {
			return ValidationError{Field: "remote.max_chain_depth", Message: "must be positive"}
		}
		if cfg.Remote.PollIntervalSeconds <= 0 {
			return ValidationError{Field: "remote.poll_interval_seconds", Message: "must be positive"}
		}
	}
	return nil
}

// Save writes the config to <basePath>/.drover/config.yaml.
func Save(basePath string, cfg *Config) error {
	dir := filepath.Join(basePath, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
