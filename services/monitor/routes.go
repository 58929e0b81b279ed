// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all monitor routes with the router.
//
// Description:
//
//	Registers the /api/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically the router root)
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET  /api/health - Liveness and store reachability
//	GET  /api/summary - Totals and top devices
//	GET  /api/recent - Most recent detections
//	GET  /api/timeline - Per-device presence sessions
//	GET  /api/config - Current configuration
//	POST /api/config - Validated partial configuration update
//	GET  /api/export - CSV detection export (streamed)
//	GET  /api/export/stats - Export window statistics
//	POST /api/clear - Truncate the detection log
//	GET  /api/live - WebSocket feed of committed batches
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	api := rg.Group("/api")
	{
		// Read-side queries
		api.GET("/health", handlers.HandleHealth)
		api.GET("/summary", handlers.HandleSummary)
		api.GET("/recent", handlers.HandleRecent)
		api.GET("/timeline", handlers.HandleTimeline)

		// Configuration
		api.GET("/config", handlers.HandleGetConfig)
		api.POST("/config", handlers.HandleUpdateConfig)

		// Bulk operations
		api.GET("/export", handlers.HandleExport)
		api.GET("/export/stats", handlers.HandleExportStats)
		api.POST("/clear", handlers.HandleClear)

		// Live feed
		api.GET("/live", handlers.HandleLive)
	}
}
