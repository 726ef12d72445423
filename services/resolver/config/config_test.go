// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NoPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "12230", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Pipeline.TopK)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.Period)
	assert.True(t, cfg.Retention.Enabled)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/resolver.yaml")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Pipeline.CacheTTL)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
pipeline:
  top_k: 8
  cache_ttl: 30m
retention:
  enabled: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Pipeline.TopK)
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.CacheTTL)
	assert.False(t, cfg.Retention.Enabled)
	assert.Equal(t, 20, cfg.Pipeline.HistoryLimit, "unset fields keep defaults")
}

func TestLoad_MalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolver.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
