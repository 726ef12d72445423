// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "resolver", Output: &buf})
	defer logger.Close()

	logger.Info("turn resolved", "tenant_id", "tenant-1", "confidence", 0.9)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "turn resolved", record["msg"])
	assert.Equal(t, "resolver", record["service"])
	assert.Equal(t, "tenant-1", record["tenant_id"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Service: "resolver", Output: &buf})
	defer logger.Close()

	logger.Debug("noise")
	logger.Info("more noise")
	logger.Warn("kept")

	assert.NotContains(t, buf.String(), "noise")
	assert.Contains(t, buf.String(), "kept")
}

func TestLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "resolver", LogDir: dir, Output: &buf})

	logger.Info("persisted to file")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "resolver_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "persisted to file")
	assert.Contains(t, buf.String(), "persisted to file",
		"console output continues alongside the file")
}

func TestLogger_Exporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "resolver",
		Output:   &bytes.Buffer{},
		Exporter: exporter,
	})
	defer logger.Close()

	logger.Info("exported", "request_id", "req-1")
	logger.Debug("below the level filter")

	entries := exporter.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "exported", entries[0].Message)
	assert.Equal(t, "INFO", entries[0].Level)
	assert.Equal(t, "req-1", entries[0].Attrs["request_id"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "resolver", Output: &buf})
	defer logger.Close()

	logger.With("conversation_id", "conv-1").Info("scoped")
	assert.Contains(t, buf.String(), "conv-1")
}

func TestWriterExporter(t *testing.T) {
	var buf bytes.Buffer
	exporter := NewWriterExporter(&buf)

	require.NoError(t, exporter.Export(context.Background(), LogEntry{Level: "INFO", Message: "line"}))
	assert.Contains(t, buf.String(), `"message":"line"`)
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}
