// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// CacheInvalidator drops a tenant's cached answers. Implemented by the
// response cache.
type CacheInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) error
}

// PolicyCacheInvalidator drops a tenant's memoized policy set so the
// next turn reloads it from the store. May be nil when the policy store
// has no cache to drop.
type PolicyCacheInvalidator interface {
	Invalidate(tenantID string)
}

// InvalidateTenantCache purges a tenant's cached answers and memoized
// policies.
//
// Tenants call this after editing knowledge or policies: cached answers
// were produced against the old corpus and would otherwise keep serving
// until their TTL runs out.
func InvalidateTenantCache(cache CacheInvalidator, policies PolicyCacheInvalidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenantId")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant id is required"})
			return
		}

		if err := cache.InvalidateTenant(c.Request.Context(), tenantID); err != nil {
			slog.Error("Failed to invalidate tenant cache",
				"tenant_id", tenantID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to invalidate cache"})
			return
		}
		if policies != nil {
			policies.Invalidate(tenantID)
		}

		slog.Info("Tenant cache invalidated", "tenant_id", tenantID)
		c.JSON(http.StatusOK, gin.H{"status": "success", "tenant_id": tenantID})
	}
}
