// Copyright 2025 Tom Barlow
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

// Package config loads discoveryd's daemon configuration: a YAML file,
// optionally overlaid with environment variables, with defaults matching
// spec section 4.2's step-timeout table.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/discoveryhq/discovery/pkg/discoveryerr"
)

// Config is discoveryd's full runtime configuration.
type Config struct {
	// WorkerBaseURL is the base URL of the remote step worker, e.g.
	// "http://pioneer:8094/pioneer".
	WorkerBaseURL string `yaml:"worker_base_url"`

	// DatabaseURL selects and configures the persistence gateway. Supported
	// schemes are "memory://" and "sqlite://<path>".
	DatabaseURL string `yaml:"database_url"`

	// ListenAddr is the HTTP bind address for the control API and
	// progress socket.
	ListenAddr string `yaml:"listen_addr"`

	// StepTimeouts overrides the default per-step timeout table. Keys are
	// step names, or "default" for the fallback applied to steps with no
	// entry of their own.
	StepTimeouts map[string]time.Duration `yaml:"step_timeouts,omitempty"`

	// ShutdownTimeout bounds how long the daemon waits for in-flight
	// async executions to drain before forcing an exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TracingEnabled turns on OpenTelemetry span export for remote step
	// invocations. Opt-in, matching the teacher's observability default.
	TracingEnabled bool `yaml:"tracing_enabled"`
}

// Default returns a Config with sensible defaults: in-memory storage, the
// spec's default worker address, and no per-step timeout overrides.
func Default() *Config {
	return &Config{
		WorkerBaseURL:   "http://pioneer:8094/pioneer",
		DatabaseURL:     "memory://",
		ListenAddr:      ":8080",
		StepTimeouts:    nil,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds a Config from defaults, an optional YAML file at path, and
// environment variable overrides, in that precedence order (env wins).
// An empty path skips the file-loading step.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &discoveryerr.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load %s", path),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &discoveryerr.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv overlays WORKER_BASE_URL, DATABASE_URL,
// DISCOVERY_LISTEN_ADDR and DISCOVERY_STEP_TIMEOUT_<STEP_NAME> on top of
// whatever Default/loadFromFile produced, per spec section 6's
// environment table.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("WORKER_BASE_URL"); v != "" {
		c.WorkerBaseURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("DISCOVERY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DISCOVERY_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("DISCOVERY_TRACING_ENABLED"); v != "" {
		c.TracingEnabled = v == "true" || v == "1"
	}

	const prefix = "DISCOVERY_STEP_TIMEOUT_"
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			if secs, serr := strconv.Atoi(v); serr == nil {
				d = time.Duration(secs) * time.Second
			} else {
				continue
			}
		}
		stepName := strings.ToLower(strings.TrimPrefix(k, prefix))
		if c.StepTimeouts == nil {
			c.StepTimeouts = make(map[string]time.Duration)
		}
		c.StepTimeouts[stepName] = d
	}
}

// Validate checks the config for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.WorkerBaseURL == "" {
		errs = append(errs, "worker_base_url must not be empty")
	}
	if c.DatabaseURL == "" {
		errs = append(errs, "database_url must not be empty")
	} else if !strings.HasPrefix(c.DatabaseURL, "memory://") && !strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		errs = append(errs, fmt.Sprintf("database_url must use the memory:// or sqlite:// scheme, got %q", c.DatabaseURL))
	}
	if c.ListenAddr == "" {
		errs = append(errs, "listen_addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// SQLitePath returns the filesystem path encoded in a "sqlite://" database
// URL, and false if DatabaseURL does not use that scheme.
func (c *Config) SQLitePath() (string, bool) {
	const prefix = "sqlite://"
	if !strings.HasPrefix(c.DatabaseURL, prefix) {
		return "", false
	}
	return strings.TrimPrefix(c.DatabaseURL, prefix), true
}

// IsMemory reports whether DatabaseURL selects the in-memory gateway.
func (c *Config) IsMemory() bool {
	return strings.HasPrefix(c.DatabaseURL, "memory://") || c.DatabaseURL == ""
}
