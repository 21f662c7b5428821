package config

import (
	"github.com/ndhoang/lanerun/internal/core/domain"
	"github.com/ndhoang/lanerun/internal/infra/archive"
	"github.com/ndhoang/lanerun/internal/infra/endpoint"
	"github.com/ndhoang/lanerun/internal/run/collector"
	"github.com/ndhoang/lanerun/internal/run/executor"
	"github.com/ndhoang/lanerun/internal/run/ratelimit"
	"github.com/ndhoang/lanerun/internal/run/scheduler"
	"github.com/ndhoang/lanerun/internal/store/aggregate"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig               `yaml:"server"`
	Lanes      []domain.Lane              `yaml:"lanes"`
	Endpoint   endpoint.Config            `yaml:"endpoint"`
	Limiter    ratelimit.Config           `yaml:"limiter"`
	Executor   executor.Config            `yaml:"executor"`
	Collector  collector.Config           `yaml:"collector"`
	Plan       scheduler.PlanConfig       `yaml:"plan"`
	Supervisor scheduler.SupervisorConfig `yaml:"supervisor"`
	Store      aggregate.Config           `yaml:"store"`
	Archive    archive.Config             `yaml:"archive"`
	Runner     RunnerConfig               `yaml:"runner"`
	Logging    LoggingConfig              `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// RunnerConfig selects how shards execute.
type RunnerConfig struct {
	Mode    string `yaml:"mode"`     // "local" (goroutines) or "proc" (one process per shard)
	RunDir  string `yaml:"run_dir"`  // proc mode: spec/status/log files
	TailDir string `yaml:"tail_dir"` // durable result tail logs
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
