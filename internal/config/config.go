package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"hotrank/internal/coordinator"
	"hotrank/internal/scheduler"
	"hotrank/internal/scoring"
	"hotrank/internal/worker"
)

// Config is the on-disk yaml configuration. Durations are plain integers
// (milliseconds or seconds, named accordingly) so the file stays editable
// without duration-string parsing.
type Config struct {
	LogLevel     string `yaml:"log_level"`
	DatabasePath string `yaml:"database_path"`

	Scoring scoring.Config `yaml:"scoring"`

	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Worker      WorkerConfig      `yaml:"worker"`
}

type CoordinatorConfig struct {
	Enabled           bool `yaml:"enabled"`
	UpdateDelayMS     int  `yaml:"update_delay_ms"`
	BatchUpdateSize   int  `yaml:"batch_update_size"`
	UpdateThreshold   int  `yaml:"update_threshold"`
	PriorityThreshold int  `yaml:"priority_threshold"`
}

type SchedulerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	IntervalSec int     `yaml:"interval_sec"`
	BatchSize   int     `yaml:"batch_size"`
	MaxAgeHours float64 `yaml:"max_age_hours"`
}

type WorkerConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Workers        int     `yaml:"workers"`
	MaxQueueSize   int     `yaml:"max_queue_size"`
	TaskTimeoutSec int     `yaml:"task_timeout_sec"`
	RetryBackoffMS int     `yaml:"retry_backoff_ms"`
	DispatchPerSec float64 `yaml:"dispatch_per_sec"`
	OffloadUpdates bool    `yaml:"offload_updates"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:     "info",
		DatabasePath: "hotrank.db",
		Scoring:      scoring.DefaultConfig(),
		Coordinator: CoordinatorConfig{
			Enabled:           true,
			UpdateDelayMS:     5000,
			BatchUpdateSize:   20,
			UpdateThreshold:   3,
			PriorityThreshold: 3,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			IntervalSec: 300,
			BatchSize:   50,
			MaxAgeHours: 168,
		},
		Worker: WorkerConfig{
			Enabled:        true,
			Workers:        4,
			MaxQueueSize:   1000,
			TaskTimeoutSec: 30,
			RetryBackoffMS: 1000,
		},
	}
}

// LoadOrInit reads the config file, writing a default file first if none
// exists. The second return value reports whether a new file was created.
func LoadOrInit(path string) (Config, bool, error) {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := defaultConfig()
		if err := writeConfig(path, cfg); err != nil {
			return Config{}, false, err
		}
		return cfg, true, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, false, nil
}

func writeConfig(path string, cfg Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// Validate delegates to the component validators so the file rejects the
// same ranges the runtime config updates do.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database_path is required")
	}
	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	if err := c.CoordinatorConfig().Validate(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.WorkerConfig().Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

func (c Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		Enabled:           c.Coordinator.Enabled,
		UpdateDelay:       time.Duration(c.Coordinator.UpdateDelayMS) * time.Millisecond,
		BatchUpdateSize:   c.Coordinator.BatchUpdateSize,
		UpdateThreshold:   c.Coordinator.UpdateThreshold,
		PriorityThreshold: c.Coordinator.PriorityThreshold,
	}
}

func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Enabled:     c.Scheduler.Enabled,
		Interval:    time.Duration(c.Scheduler.IntervalSec) * time.Second,
		BatchSize:   c.Scheduler.BatchSize,
		MaxAgeHours: c.Scheduler.MaxAgeHours,
	}
}

func (c Config) WorkerConfig() worker.Config {
	return worker.Config{
		Enabled:      c.Worker.Enabled,
		Workers:      c.Worker.Workers,
		MaxQueueSize: c.Worker.MaxQueueSize,
		TaskTimeout:  time.Duration(c.Worker.TaskTimeoutSec) * time.Second,
		RetryBackoff: time.Duration(c.Worker.RetryBackoffMS) * time.Millisecond,
		DispatchRate: c.Worker.DispatchPerSec,
	}
}
