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

	"github.com/AleutianAI/HearthRAG/pkg/extensions"
	"github.com/AleutianAI/HearthRAG/services/hearth/handlers"
	"github.com/AleutianAI/HearthRAG/services/hearth/middleware"
)

// SetupRoutes registers the bridge's HTTP surface on the router. Nil
// fields in opts fall back to no-op providers.
func SetupRoutes(router *gin.Engine, bridge *handlers.Bridge, opts extensions.ServiceOptions) {
	if opts.AuthProvider == nil {
		opts.AuthProvider = &extensions.NopAuthProvider{}
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hook := router.Group("/")
	hook.Use(middleware.AuthMiddleware(opts.AuthProvider, opts.AuditLogger))
	{
		hook.POST("/process-request", handlers.HandleProcessRequest(bridge))
		hook.POST("/process-request-workflow", handlers.HandleWorkflowRequest(bridge))
		hook.POST("/process-response", handlers.HandleProcessResponse())
	}
}
