package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Runner.Mode == "" {
		cfg.Runner.Mode = "proc"
	}
	if cfg.Runner.TailDir == "" {
		cfg.Runner.TailDir = "run/tails"
	}
	if cfg.Runner.RunDir == "" {
		cfg.Runner.RunDir = "run/shards"
	}
	if cfg.Limiter.Backend == "" {
		cfg.Limiter.Backend = "file"
	}
	if cfg.Limiter.StateDir == "" {
		cfg.Limiter.StateDir = "run/limiter"
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "run/store"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	// Component-level zero values fall back inside each component, so
	// only cross-cutting settings get defaults here.
}

func validate(cfg *AppConfig) error {
	seen := map[string]bool{}
	for _, lane := range cfg.Lanes {
		if lane.ID == "" {
			return fmt.Errorf("lane with empty id")
		}
		if seen[lane.ID] {
			return fmt.Errorf("duplicate lane id %q", lane.ID)
		}
		seen[lane.ID] = true
		if lane.QPSBudget <= 0 {
			return fmt.Errorf("lane %s: qps_budget must be positive", lane.ID)
		}
		if lane.MaxConcurrency <= 0 {
			return fmt.Errorf("lane %s: max_concurrency must be positive", lane.ID)
		}
	}
	switch cfg.Runner.Mode {
	case "local", "proc":
	default:
		return fmt.Errorf("unknown runner mode %q", cfg.Runner.Mode)
	}
	switch cfg.Limiter.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown limiter backend %q", cfg.Limiter.Backend)
	}
	if cfg.Limiter.Backend == "redis" && cfg.Limiter.RedisURL == "" {
		return fmt.Errorf("limiter backend redis requires redis_url")
	}
	return nil
}
