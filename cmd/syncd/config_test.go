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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "127.0.0.1:7430", cfg.Listen)
	assert.Equal(t, 100, cfg.Sync.PullPageSize)
}

func TestLoadConfigOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/syncd
authority:
  base_url: https://authority.example.com
  auth_token: tok-123
sync:
  push_interval_seconds: 5
realtime:
  enabled: true
  url: wss://authority.example.com/events
logging:
  level: debug
`), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/syncd", cfg.DataDir)
	assert.Equal(t, "https://authority.example.com", cfg.Authority.BaseURL)
	assert.Equal(t, "tok-123", cfg.Authority.AuthToken)
	assert.Equal(t, 5*time.Second, cfg.pushInterval())
	assert.True(t, cfg.Realtime.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, 100, cfg.Sync.PullPageSize)
	assert.Equal(t, 24*time.Hour, cfg.undoWindow())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"empty data_dir":       "data_dir: \"\"",
		"zero page size":       "sync:\n  pull_page_size: -1",
		"realtime without url": "realtime:\n  enabled: true\n  url: \"\"",
		"empty authority url":  "authority:\n  base_url: \"\"",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [unclosed"), 0600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestDurationFallbacksGuardZeroValues(t *testing.T) {
	var cfg Config
	assert.Equal(t, 30*time.Second, cfg.authorityTimeout())
	assert.Equal(t, 15*time.Second, cfg.pushInterval())
	assert.Equal(t, 60*time.Second, cfg.pullInterval())
	assert.Equal(t, 24*time.Hour, cfg.undoWindow())
	assert.Equal(t, time.Hour, cfg.sweepInterval())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".aleutiansync/data"), expandHome("~/.aleutiansync/data"))
	assert.Equal(t, "/var/lib/syncd", expandHome("/var/lib/syncd"))
}
