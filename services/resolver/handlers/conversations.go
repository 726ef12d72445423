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
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
	"github.com/AleutianAI/AleutianDesk/services/resolver/pipeline"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	defaultListLimit = 50
	maxListLimit     = 200
)

// ConversationLister reads a tenant's conversation index. Implemented by
// both conversation stores.
type ConversationLister interface {
	ListConversations(ctx context.Context, tenantID string, limit int) ([]datatypes.Conversation, error)
}

// ListConversations returns a tenant's conversations, newest first.
func ListConversations(store ConversationLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenantId")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant id is required"})
			return
		}

		limit, ok := parseLimit(c, defaultListLimit, maxListLimit)
		if !ok {
			return
		}

		conversations, err := store.ListConversations(c.Request.Context(), tenantID, limit)
		if err != nil {
			slog.Error("Failed to list conversations", "tenant_id", tenantID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"tenant_id":     tenantID,
			"conversations": conversations,
		})
	}
}

// parseLimit reads the optional ?limit parameter, writing the 400
// response itself when the value is unusable.
func parseLimit(c *gin.Context, def, max int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	return min(parsed, max), true
}

// GetConversationHistory returns the recent messages of a conversation
// in turn order.
//
// Accepts an optional ?limit query parameter, capped at maxHistoryLimit
// so one request cannot drag an entire long-running thread through the
// store.
func GetConversationHistory(store pipeline.ConversationStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		conversationID := c.Param("conversationId")
		if _, err := uuid.Parse(conversationID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
			return
		}

		limit, ok := parseLimit(c, defaultHistoryLimit, maxHistoryLimit)
		if !ok {
			return
		}

		messages, err := store.LoadRecentHistory(c.Request.Context(), conversationID, limit)
		if err != nil {
			slog.Error("Failed to load conversation history",
				"conversation_id", conversationID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"conversation_id": conversationID,
			"messages":        messages,
		})
	}
}
