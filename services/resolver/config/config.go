// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the resolver service configuration from an
// optional YAML file. Every field has a production default so the
// service boots with no file at all; deployment environments override
// only what they need.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full resolver service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Cache     CacheConfig     `yaml:"cache"`
	Policies  PolicyConfig    `yaml:"policies"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// PipelineConfig holds the resolution tunables.
type PipelineConfig struct {
	TopK         int           `yaml:"top_k"`
	HistoryLimit int           `yaml:"history_limit"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// CacheConfig holds the response cache settings. An empty Dir keeps the
// cache in memory, which is what tests and lightweight mode want.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// PolicyConfig holds the policy store settings.
type PolicyConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RetentionConfig holds the conversation retention sweeper settings.
type RetentionConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Period    time.Duration `yaml:"period"`
	BatchSize int           `yaml:"batch_size"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Server:   ServerConfig{Port: "12230"},
		Pipeline: PipelineConfig{TopK: 5, HistoryLimit: 20, CacheTTL: time.Hour},
		Policies: PolicyConfig{CacheTTL: 30 * time.Second},
		Retention: RetentionConfig{
			Enabled:   true,
			Interval:  time.Hour,
			Period:    90 * 24 * time.Hour,
			BatchSize: 200,
		},
	}
}

// Load reads the config file at path, layered over the defaults. A
// missing file is not an error; a malformed one is, because a typo in a
// retention period should fail the boot rather than silently keep data
// longer than the tenant agreed to.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
