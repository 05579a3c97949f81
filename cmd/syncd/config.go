// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the syncd configuration, loaded from a YAML file. Every
// field has a working default so a missing config file runs a local
// replica against localhost.
type Config struct {
	// DataDir is the BadgerDB directory for the local replica.
	DataDir string `yaml:"data_dir"`

	// Listen is the control-surface bind address.
	Listen string `yaml:"listen"`

	Authority AuthorityConfig `yaml:"authority"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Sync      SyncConfig      `yaml:"sync"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AuthorityConfig points syncd at the remote authority.
type AuthorityConfig struct {
	BaseURL        string `yaml:"base_url"`
	AuthToken      string `yaml:"auth_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RealtimeConfig controls the websocket event channel.
type RealtimeConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// SyncConfig paces the background push and pull passes.
type SyncConfig struct {
	PushIntervalSeconds int `yaml:"push_interval_seconds"`
	PullIntervalSeconds int `yaml:"pull_interval_seconds"`
	PullPageSize        int `yaml:"pull_page_size"`
}

// RetentionConfig bounds the tombstone sweep. Acknowledged deletions
// survive locally for the undo window before hard removal.
type RetentionConfig struct {
	UndoWindowHours      int `yaml:"undo_window_hours"`
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// LoggingConfig maps onto pkg/logging.Config.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format"`
	Quiet  bool   `yaml:"quiet"`
}

// DefaultConfig returns the local-replica defaults.
func DefaultConfig() Config {
	return Config{
		DataDir: "~/.aleutiansync/data",
		Listen:  "127.0.0.1:7430",
		Authority: AuthorityConfig{
			BaseURL:        "http://127.0.0.1:8080",
			TimeoutSeconds: 30,
		},
		Realtime: RealtimeConfig{
			Enabled: false,
			URL:     "ws://127.0.0.1:8080/events",
		},
		Sync: SyncConfig{
			PushIntervalSeconds: 15,
			PullIntervalSeconds: 60,
			PullPageSize:        100,
		},
		Retention: RetentionConfig{
			UndoWindowHours:      24,
			SweepIntervalMinutes: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// LoadConfig reads path and overlays it on the defaults. A missing
// file is not an error; the defaults run as-is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Authority.BaseURL == "" {
		return fmt.Errorf("authority.base_url must not be empty")
	}
	if c.Sync.PullPageSize <= 0 {
		return fmt.Errorf("sync.pull_page_size must be positive")
	}
	if c.Realtime.Enabled && c.Realtime.URL == "" {
		return fmt.Errorf("realtime.url required when realtime is enabled")
	}
	return nil
}

func (c Config) authorityTimeout() time.Duration {
	if c.Authority.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Authority.TimeoutSeconds) * time.Second
}

func (c Config) pushInterval() time.Duration {
	if c.Sync.PushIntervalSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Sync.PushIntervalSeconds) * time.Second
}

func (c Config) pullInterval() time.Duration {
	if c.Sync.PullIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Sync.PullIntervalSeconds) * time.Second
}

func (c Config) undoWindow() time.Duration {
	if c.Retention.UndoWindowHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Retention.UndoWindowHours) * time.Hour
}

func (c Config) sweepInterval() time.Duration {
	if c.Retention.SweepIntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Retention.SweepIntervalMinutes) * time.Minute
}
