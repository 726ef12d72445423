// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stores

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// DefaultConfidenceThreshold applies when neither the environment nor a
// per-tenant override says otherwise.
const DefaultConfidenceThreshold = 0.7

// TenantSettingsStore resolves per-tenant pipeline knobs, currently the
// confidence threshold. The platform default comes from the environment;
// tenants can be overridden at runtime by the admin surface.
//
// Thread Safety: safe for concurrent use.
type TenantSettingsStore struct {
	defaultThreshold float64

	mu        sync.RWMutex
	overrides map[string]float64
}

// NewTenantSettingsStore reads RESOLVER_CONFIDENCE_THRESHOLD for the
// platform default. An unparseable or out-of-range value falls back to
// DefaultConfidenceThreshold with a warning.
func NewTenantSettingsStore() *TenantSettingsStore {
	threshold := DefaultConfidenceThreshold
	if raw := os.Getenv("RESOLVER_CONFIDENCE_THRESHOLD"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			slog.Warn("Invalid RESOLVER_CONFIDENCE_THRESHOLD, using default",
				"value", raw, "default", DefaultConfidenceThreshold)
		} else {
			threshold = parsed
		}
	}
	return &TenantSettingsStore{
		defaultThreshold: threshold,
		overrides:        make(map[string]float64),
	}
}

// ConfidenceThreshold returns the tenant's threshold, falling back to
// the platform default.
func (s *TenantSettingsStore) ConfidenceThreshold(_ context.Context, tenantID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.overrides[tenantID]; ok {
		return t
	}
	return s.defaultThreshold
}

// SetThreshold overrides one tenant's threshold. Values outside [0,1]
// are ignored.
func (s *TenantSettingsStore) SetThreshold(tenantID string, threshold float64) {
	if threshold < 0 || threshold > 1 {
		slog.Warn("Ignoring out-of-range confidence threshold",
			"tenant_id", tenantID, "value", threshold)
		return
	}
	s.mu.Lock()
	s.overrides[tenantID] = threshold
	s.mu.Unlock()
}
