// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads StudyFlow configuration.
//
// Values come from, lowest precedence first: built-in defaults, a YAML
// file, and STUDYFLOW_* environment variables. Nested keys map to
// environment names by upper-casing and replacing dots with underscores,
// so queue.max_retries is STUDYFLOW_QUEUE_MAX_RETRIES.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
	"github.com/AleutianAI/StudyFlow/services/studyflow/subqueue"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STUDYFLOW"

// Config is the complete configuration of the client and the reference
// collector.
type Config struct {
	Collector CollectorConfig      `mapstructure:"collector"`
	Store     StoreConfig          `mapstructure:"store"`
	Queue     QueueConfig          `mapstructure:"queue"`
	Events    EventsConfig         `mapstructure:"events"`
	Sync      SyncConfig           `mapstructure:"sync"`
	Server    ServerConfig         `mapstructure:"server"`
	Logging   LoggingConfig        `mapstructure:"logging"`
	Telemetry observability.Config `mapstructure:"telemetry"`
}

// CollectorConfig points the client at a collector.
type CollectorConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`

	// RequestsPerSecond limits client calls. Zero disables the limiter.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`

	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// StoreConfig locates the local durable store.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir" validate:"required_without=InMemory"`

	// InMemory keeps everything in memory. Nothing survives a restart.
	InMemory bool `mapstructure:"in_memory"`

	// CompactAfter is how long WAL records are kept.
	CompactAfter time.Duration `mapstructure:"compact_after" validate:"gt=0"`
}

// QueueConfig tunes submission delivery.
type QueueConfig struct {
	MaxRetries int           `mapstructure:"max_retries" validate:"min=1"`
	BaseDelay  time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	Retention  time.Duration `mapstructure:"retention" validate:"gte=0"`
}

// EventsConfig tunes the event log.
type EventsConfig struct {
	Retention time.Duration `mapstructure:"retention" validate:"gte=0"`
}

// SyncConfig tunes the sync coordinator and connectivity probing.
type SyncConfig struct {
	PruneInterval time.Duration `mapstructure:"prune_interval" validate:"gt=0"`
	CheckInterval time.Duration `mapstructure:"check_interval" validate:"gt=0"`

	// HeartbeatURL is the collector heartbeat socket. Empty derives it
	// from the collector URL.
	HeartbeatURL string `mapstructure:"heartbeat_url" validate:"omitempty,url"`
}

// ServerConfig configures the reference collector.
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	ExperimentsDir string        `mapstructure:"experiments_dir" validate:"required"`
	ReloadDebounce time.Duration `mapstructure:"reload_debounce" validate:"gt=0"`

	// RedisURL enables shared assignment counters. Empty keeps them in
	// process memory.
	RedisURL string `mapstructure:"redis_url" validate:"omitempty,url"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error"`

	// Format is "text", "json", or "auto" for text on a terminal and JSON
	// otherwise.
	Format string `mapstructure:"format" validate:"oneof=auto text json"`

	Dir string `mapstructure:"dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := ".studyflow"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".studyflow", "data")
	}
	return &Config{
		Collector: CollectorConfig{
			URL:               "http://localhost:8080",
			RequestsPerSecond: 20,
			Burst:             10,
			Timeout:           10 * time.Second,
		},
		Store: StoreConfig{
			DataDir:      dataDir,
			CompactAfter: 7 * 24 * time.Hour,
		},
		Queue: QueueConfig{
			MaxRetries: subqueue.DefaultMaxRetries,
			BaseDelay:  subqueue.DefaultBaseDelay,
			MaxDelay:   subqueue.DefaultMaxDelay,
			Retention:  subqueue.DefaultRetention,
		},
		Events: EventsConfig{
			Retention: 24 * time.Hour,
		},
		Sync: SyncConfig{
			PruneInterval: 10 * time.Minute,
			CheckInterval: 15 * time.Second,
		},
		Server: ServerConfig{
			ListenAddr:     "127.0.0.1:8080",
			ExperimentsDir: "experiments",
			ReloadDebounce: 150 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: observability.DefaultConfig(),
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("collector.url", d.Collector.URL)
	v.SetDefault("collector.requests_per_second", d.Collector.RequestsPerSecond)
	v.SetDefault("collector.burst", d.Collector.Burst)
	v.SetDefault("collector.timeout", d.Collector.Timeout)

	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("store.in_memory", d.Store.InMemory)
	v.SetDefault("store.compact_after", d.Store.CompactAfter)

	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.base_delay", d.Queue.BaseDelay)
	v.SetDefault("queue.max_delay", d.Queue.MaxDelay)
	v.SetDefault("queue.retention", d.Queue.Retention)

	v.SetDefault("events.retention", d.Events.Retention)

	v.SetDefault("sync.prune_interval", d.Sync.PruneInterval)
	v.SetDefault("sync.check_interval", d.Sync.CheckInterval)
	v.SetDefault("sync.heartbeat_url", d.Sync.HeartbeatURL)

	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.experiments_dir", d.Server.ExperimentsDir)
	v.SetDefault("server.reload_debounce", d.Server.ReloadDebounce)
	v.SetDefault("server.redis_url", d.Server.RedisURL)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.dir", d.Logging.Dir)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.service_version", d.Telemetry.ServiceVersion)
	v.SetDefault("telemetry.environment", d.Telemetry.Environment)
	v.SetDefault("telemetry.trace_exporter", d.Telemetry.TraceExporter)
	v.SetDefault("telemetry.metric_exporter", d.Telemetry.MetricExporter)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.otlp_insecure", d.Telemetry.OTLPInsecure)
}

// Load reads configuration.
//
// # Description
//
// With a path, that file must exist. Without one, studyflow.yaml is looked
// up in the working directory and then in ~/.studyflow, and a missing
// file is not an error. Environment overrides apply in both cases. The
// result is validated.
//
// # Inputs
//
//   - path: Explicit config file, or "".
//
// # Outputs
//
//   - *Config: The merged, validated configuration.
//   - error: Read, decode or validation failures.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("studyflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".studyflow"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Store.DataDir = expandHome(cfg.Store.DataDir)
	cfg.Logging.Dir = expandHome(cfg.Logging.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// HeartbeatURL returns the heartbeat socket URL, deriving it from the
// collector URL when not set.
func (c *Config) HeartbeatURL() string {
	if c.Sync.HeartbeatURL != "" {
		return c.Sync.HeartbeatURL
	}
	u := strings.TrimRight(c.Collector.URL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws/heartbeat"
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
