// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianDesk/services/resolver/handlers"
	"github.com/AleutianAI/AleutianDesk/services/resolver/pipeline"
)

// Deps are the collaborators the HTTP surface needs beyond the pipeline
// itself. PolicyCache may be nil when the policy store keeps nothing to
// invalidate.
type Deps struct {
	Resolver      handlers.Resolver
	Conversations pipeline.ConversationStore
	Lister        handlers.ConversationLister
	Cache         handlers.CacheInvalidator
	PolicyCache   handlers.PolicyCacheInvalidator
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/resolve", handlers.HandleResolve(deps.Resolver))
		v1.POST("/resolve/stream", handlers.HandleResolveStream(deps.Resolver))

		conversations := v1.Group("/conversations")
		{
			conversations.GET("/:conversationId/history",
				handlers.GetConversationHistory(deps.Conversations))
		}

		// Tenant administration routes
		tenants := v1.Group("/tenants")
		{
			tenants.GET("/:tenantId/conversations",
				handlers.ListConversations(deps.Lister))
			tenants.DELETE("/:tenantId/cache",
				handlers.InvalidateTenantCache(deps.Cache, deps.PolicyCache))
		}
	}
}
