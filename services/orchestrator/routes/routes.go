// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aitwin-labs/aitwin/pkg/extensions"
	"github.com/aitwin-labs/aitwin/services/orchestrator/handlers"
	"github.com/aitwin-labs/aitwin/services/orchestrator/middleware"
)

// Dependencies carries everything the route table needs. Health and
// metrics sit outside the authenticated group; everything under /v1
// passes auth and rate limiting first.
type Dependencies struct {
	Chat      *handlers.ChatHandler
	Threads   *handlers.ThreadsHandler
	Auth      extensions.AuthProvider
	RateLimit middleware.RateLimitConfig
	Metrics   prometheus.Gatherer
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.Auth))
	v1.Use(middleware.RateLimitMiddleware(deps.RateLimit))
	{
		v1.POST("/chat/stream", deps.Chat.HandleChatStream)
		v1.GET("/chat/ws", deps.Chat.HandleChatWebSocket)

		// Thread administration routes
		threads := v1.Group("/threads")
		{
			threads.GET("", deps.Threads.ListThreads)
			threads.GET("/:threadId/state", deps.Threads.GetThreadState)
			threads.DELETE("/:threadId", deps.Threads.DeleteThread)
			threads.POST("/:threadId/cancel", deps.Threads.CancelTurn)
		}
	}
}
