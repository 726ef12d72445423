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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
	"github.com/AleutianAI/AleutianDesk/services/resolver/pipeline"
)

// heartbeatInterval is the keepalive cadence. 15s stays well under
// typical load balancer idle timeouts (60s for ALB/Nginx defaults).
const heartbeatInterval = 15 * time.Second

// HandleResolveStream processes one inbound message and streams the
// resolution over SSE.
//
// # Description
//
// Runs the same pipeline as HandleResolve but relays deltas as they
// arrive. The wire protocol mirrors the pipeline's event contract: zero
// or more delta events, then exactly one terminal event (blocked,
// escalated, error, or done) carrying the full ResolutionResult. Short
// circuits (cache hit, procedure) arrive as one delta with the whole
// answer followed by done.
//
// A heartbeat goroutine sends SSE comments during long generations.
// When the client disconnects, the request context cancels, the
// pipeline abandons the turn, and the event channel closes without a
// terminal event; there is nobody left to tell.
//
// # Inputs
//
//   - r: the resolution pipeline.
//
// # Outputs
//
//   - gin.HandlerFunc for POST /v1/resolve/stream.
func HandleResolveStream(r Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ResolutionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolution request"})
			return
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			return
		}

		ctx := c.Request.Context()
		done := make(chan struct{})
		defer close(done)
		go runHeartbeat(writer, done)

		for event := range r.ResolveStream(ctx, &req) {
			if err := relayEvent(writer, event); err != nil {
				// A failed write means the client is gone. The pipeline
				// notices via ctx and abandons the turn on its own.
				slog.Debug("SSE write failed, client likely disconnected",
					"tenant_id", req.TenantID, "request_id", req.RequestID, "error", err)
				return
			}
		}
	}
}

// relayEvent maps one pipeline event onto the SSE wire.
func relayEvent(writer SSEWriter, event pipeline.Event) error {
	switch event.Type {
	case pipeline.EventDelta:
		return writer.WriteDelta(event.Delta)
	case pipeline.EventError:
		return writer.WriteEvent(datatypes.StreamEvent{
			Type:   string(event.Type),
			Error:  eventErrorMessage(event),
			Result: event.Result,
		})
	default:
		return writer.WriteTerminal(string(event.Type), event.Result)
	}
}

// eventErrorMessage pulls the sanitized failure text off an error
// event's result. The pipeline never puts raw errors there.
func eventErrorMessage(event pipeline.Event) string {
	if event.Result != nil {
		return event.Result.Content
	}
	return "internal_error"
}

// runHeartbeat sends keepalive comments until the stream finishes.
// Write failures stop the heartbeat; the event loop discovers the dead
// connection on its next write.
func runHeartbeat(writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
		}
	}
}
