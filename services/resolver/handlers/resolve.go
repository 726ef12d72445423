// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the resolver service's HTTP surface: the
// single-shot and streaming resolution endpoints, conversation reads,
// and tenant cache administration.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
	"github.com/AleutianAI/AleutianDesk/services/resolver/pipeline"
)

// Resolver is the pipeline surface the HTTP handlers depend on.
// Satisfied by *pipeline.Pipeline; tests substitute a fake.
type Resolver interface {
	Resolve(ctx context.Context, req *datatypes.ResolutionRequest) (*datatypes.ResolutionResult, error)
	ResolveStream(ctx context.Context, req *datatypes.ResolutionRequest) <-chan pipeline.Event
}

// HandleResolve processes one inbound message and returns the complete
// resolution outcome in a single response.
//
// # Description
//
// Binds and validates the ResolutionRequest, runs the pipeline, and
// returns 200 with the ResolutionResult. Blocked, escalated, and
// generation-error turns are business outcomes, not HTTP errors: they
// still return 200 with the outcome encoded in the body. Only a
// malformed request (400) or a pipeline invariant failure (500) maps to
// an error status.
//
// # Inputs
//
//   - r: the resolution pipeline.
//
// # Outputs
//
//   - gin.HandlerFunc for POST /v1/resolve.
func HandleResolve(r Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ResolutionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			slog.Warn("Rejected invalid resolution request",
				"tenant_id", req.TenantID, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolution request"})
			return
		}

		result, err := r.Resolve(c.Request.Context(), &req)
		if err != nil {
			slog.Error("Resolution failed",
				"tenant_id", req.TenantID, "request_id", req.RequestID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "resolution failed"})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
