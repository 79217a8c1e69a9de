// Copyright 2025 The Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads Spine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spinehq/spine/pkg/errors"
)

// SchedulerConfig configures the scheduler service.
type SchedulerConfig struct {
	// IntervalSeconds is the backend tick interval.
	IntervalSeconds int

	// InstanceID identifies this instance for schedule locks.
	InstanceID string

	// MaxConcurrency bounds concurrent schedule dispatches per tick.
	MaxConcurrency int

	// LockTTL is how long a schedule lock is held before expiry.
	LockTTL time.Duration
}

// WorkerConfig configures the worker loop.
type WorkerConfig struct {
	// PollInterval is how often the worker polls for pending work.
	PollInterval time.Duration

	// BatchSize is the number of executions claimed per poll.
	BatchSize int

	// MaxWorkers bounds in-process execution parallelism.
	MaxWorkers int
}

// RetentionConfig configures per-table retention in days.
type RetentionConfig struct {
	ExecutionDays  int
	EventDays      int
	DeadLetterDays int
}

// Config is the root Spine configuration.
type Config struct {
	// DatabaseURL is a URL of the form sqlite:///path or postgres://...
	DatabaseURL string

	// DataDir is where the SQLite database lives when DatabaseURL is unset.
	DataDir string

	Scheduler SchedulerConfig
	Worker    WorkerConfig
	Retention RetentionConfig
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		DataDir: ".spine",
		Scheduler: SchedulerConfig{
			IntervalSeconds: 5,
			MaxConcurrency:  4,
			LockTTL:         60 * time.Second,
		},
		Worker: WorkerConfig{
			PollInterval: time.Second,
			BatchSize:    10,
			MaxWorkers:   4,
		},
		Retention: RetentionConfig{
			ExecutionDays:  30,
			EventDays:      30,
			DeadLetterDays: 90,
		},
	}
}

// FromEnv loads configuration from SPINE_* environment variables, applied
// over the defaults.
func FromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("SPINE_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SPINE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("SPINE_SCHEDULER_INTERVAL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, &errors.ConfigError{Key: "SPINE_SCHEDULER_INTERVAL_SECONDS", Reason: "must be a positive integer"}
		}
		cfg.Scheduler.IntervalSeconds = n
	}
	if v := os.Getenv("SPINE_SCHEDULER_INSTANCE_ID"); v != "" {
		cfg.Scheduler.InstanceID = v
	}
	if cfg.Scheduler.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.Scheduler.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if v := os.Getenv("SPINE_SCHEDULER_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, &errors.ConfigError{Key: "SPINE_SCHEDULER_MAX_CONCURRENCY", Reason: "must be a positive integer"}
		}
		cfg.Scheduler.MaxConcurrency = n
	}

	if v := os.Getenv("SPINE_WORKER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, &errors.ConfigError{Key: "SPINE_WORKER_POLL_INTERVAL", Reason: "must be a positive duration", Cause: err}
		}
		cfg.Worker.PollInterval = d
	}
	if v := os.Getenv("SPINE_WORKER_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, &errors.ConfigError{Key: "SPINE_WORKER_BATCH_SIZE", Reason: "must be a positive integer"}
		}
		cfg.Worker.BatchSize = n
	}
	if v := os.Getenv("SPINE_WORKER_MAX_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, &errors.ConfigError{Key: "SPINE_WORKER_MAX_WORKERS", Reason: "must be a positive integer"}
		}
		cfg.Worker.MaxWorkers = n
	}

	for key, dst := range map[string]*int{
		"SPINE_RETENTION_EXECUTION_DAYS":   &cfg.Retention.ExecutionDays,
		"SPINE_RETENTION_EVENT_DAYS":       &cfg.Retention.EventDays,
		"SPINE_RETENTION_DEAD_LETTER_DAYS": &cfg.Retention.DeadLetterDays,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, &errors.ConfigError{Key: key, Reason: "must be a positive integer"}
			}
			*dst = n
		}
	}

	return cfg, nil
}

// Database resolves the effective database driver and DSN.
// With no SPINE_DATABASE_URL, a SQLite file inside DataDir is used.
func (c *Config) Database() (driver, dsn string, err error) {
	if c.DatabaseURL == "" {
		return "sqlite", filepath.Join(c.DataDir, "spine.db"), nil
	}

	switch {
	case strings.HasPrefix(c.DatabaseURL, "sqlite:///"):
		return "sqlite", strings.TrimPrefix(c.DatabaseURL, "sqlite:///"), nil
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(c.DatabaseURL, "sqlite://"), nil
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return "postgres", c.DatabaseURL, nil
	default:
		return "", "", &errors.ConfigError{
			Key:    "SPINE_DATABASE_URL",
			Reason: fmt.Sprintf("unsupported database URL scheme: %s", c.DatabaseURL),
		}
	}
}
