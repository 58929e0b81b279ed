// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/perchlabs/bluewatch/services/monitor/config"
	"github.com/perchlabs/bluewatch/services/monitor/device"
	"github.com/perchlabs/bluewatch/services/monitor/live"
	"github.com/perchlabs/bluewatch/services/monitor/storage"
)

// Handlers contains the HTTP handlers for the monitor API.
type Handlers struct {
	store *storage.Store
	cfg   *config.Store
	hub   *live.Hub
}

// NewHandlers creates handlers backed by the given stores.
func NewHandlers(store *storage.Store, cfg *config.Store) *Handlers {
	return &Handlers{store: store, cfg: cfg}
}

// WithLive attaches the WebSocket hub serving /api/live.
func (h *Handlers) WithLive(hub *live.Hub) *Handlers {
	h.hub = hub
	return h
}

// HandleHealth handles GET /api/health.
//
// Description:
//
//	Reports liveness plus detection store reachability. The process is
//	alive by definition when this runs; the store check is what can fail.
//
// Response:
//
//	200 OK: HealthResponse
//	503 Service Unavailable: store unreadable
func (h *Handlers) HandleHealth(c *gin.Context) {
	requestID := getOrCreateRequestID(c)

	health, err := h.store.QueryHealth(c.Request.Context())
	if err != nil {
		slog.Error("Health check failed", "request_id", requestID, "error", err)
		c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Version: ServiceVersion,
		})
		return
	}

	resp := HealthResponse{
		Status:       health.Status,
		Version:      ServiceVersion,
		TotalRecords: health.TotalRecords,
	}
	if health.LastSeen != nil {
		resp.LastSeen = health.LastSeen.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleSummary handles GET /api/summary.
//
// Response:
//
//	200 OK: storage.Summary
//	500 Internal Server Error: store read fault
func (h *Handlers) HandleSummary(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSummary")

	sum, err := h.store.QuerySummary(c.Request.Context())
	if err != nil {
		logger.Error("Summary query failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to read detection store",
			Code:  "STORAGE_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// HandleRecent handles GET /api/recent.
//
// Description:
//
//	Returns the most recent detections, newest first. The limit query
//	parameter caps the result; it defaults to DefaultRecentLimit.
//
// Response:
//
//	200 OK: RecentResponse
//	400 Bad Request: malformed limit
//	500 Internal Server Error: store read fault
func (h *Handlers) HandleRecent(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRecent")

	limit, ok := intQuery(c, "limit", DefaultRecentLimit)
	if !ok {
		return
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	detections, err := h.store.QueryRecent(c.Request.Context(), limit)
	if err != nil {
		logger.Error("Recent query failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to read detection store",
			Code:  "STORAGE_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, RecentResponse{
		Count:      len(detections),
		Detections: detections,
	})
}

// HandleTimeline handles GET /api/timeline.
//
// Description:
//
//	Merges detections in the trailing hours window into per-device
//	presence sessions. hours of 0 or absent means all time. The merge
//	gap comes from the current configuration (gap_factor x scan_interval)
//	so timeline output tracks live config changes.
//
// Response:
//
//	200 OK: TimelineResponse
//	400 Bad Request: malformed hours
//	500 Internal Server Error: store read fault
func (h *Handlers) HandleTimeline(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTimeline")

	hours, ok := intQuery(c, "hours", 0)
	if !ok {
		return
	}
	if hours < 0 {
		hours = 0
	}
	gap := h.cfg.Get().SessionGap()

	devices, err := h.store.QueryTimeline(c.Request.Context(), hours, gap)
	if err != nil {
		logger.Error("Timeline query failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to read detection store",
			Code:  "STORAGE_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, TimelineResponse{
		Hours:      hours,
		GapSeconds: gap.Seconds(),
		Devices:    devices,
	})
}

// HandleGetConfig handles GET /api/config.
func (h *Handlers) HandleGetConfig(c *gin.Context) {
	getOrCreateRequestID(c)
	c.JSON(http.StatusOK, ConfigResponse{Config: h.cfg.Get()})
}

// HandleUpdateConfig handles POST /api/config.
//
// Description:
//
//	Applies a partial configuration update. Every supplied field is
//	validated before any field takes effect; a rejected update leaves the
//	stored configuration untouched. The response flags updated fields the
//	running process cannot apply without a restart.
//
// Request Body:
//
//	config.UpdateRequest
//
// Response:
//
//	200 OK: ConfigResponse
//	400 Bad Request: malformed body or ValidationError (fields listed)
//	500 Internal Server Error: persist fault
func (h *Handlers) HandleUpdateConfig(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleUpdateConfig")

	var req config.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	cfg, restart, err := h.cfg.Update(req)
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			logger.Warn("Config update rejected", "fields", verr.Fields)
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:  verr.Error(),
				Code:   "VALIDATION_FAILED",
				Fields: verr.Fields,
			})
			return
		}
		logger.Error("Config persist failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to persist configuration",
			Code:  "STORAGE_FAILED",
		})
		return
	}

	logger.Info("Configuration updated", "requires_restart", restart)
	c.JSON(http.StatusOK, ConfigResponse{
		Config:          cfg,
		RequiresRestart: restart,
	})
}

// HandleExport handles GET /api/export.
//
// Description:
//
//	Streams the trailing hours window (0 or absent = all time) as CSV,
//	one row per detection, oldest first. Rows are written as they are
//	read; nothing is materialized. A fault mid-stream aborts the body,
//	which the client sees as a truncated download.
//
// Response:
//
//	200 OK: text/csv attachment, header address,name,rssi,timestamp
//	400 Bad Request: malformed hours
//	500 Internal Server Error: fault before the first row
func (h *Handlers) HandleExport(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleExport")

	hours, ok := intQuery(c, "hours", 0)
	if !ok {
		return
	}
	if hours < 0 {
		hours = 0
	}

	filename := fmt.Sprintf("bluewatch-export-%s.csv", time.Now().Format("20060102-150405"))
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := w.Write([]string{"address", "name", "rssi", "timestamp"}); err != nil {
		logger.Error("Export header write failed", "error", err)
		return
	}

	rows := 0
	err := h.store.Export(c.Request.Context(), hours, func(d device.Detection) error {
		rows++
		return w.Write([]string{
			d.Address,
			d.Name,
			strconv.Itoa(d.RSSI),
			d.Timestamp.Format(time.RFC3339),
		})
	})
	if err != nil {
		// Headers are already committed; the truncated body is the
		// only signal the client gets.
		logger.Error("Export aborted", "rows_written", rows, "error", err)
		return
	}
	w.Flush()
	if err := w.Error(); err != nil {
		logger.Error("Export flush failed", "rows_written", rows, "error", err)
		return
	}
	logger.Info("Export complete", "rows", rows, "hours", hours)
}

// HandleExportStats handles GET /api/export/stats.
//
// Description:
//
//	Reports the record count and time bounds an export of the same
//	window would cover, without producing the rows.
//
// Response:
//
//	200 OK: storage.ExportStats
//	400 Bad Request: malformed hours
//	500 Internal Server Error: store read fault
func (h *Handlers) HandleExportStats(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleExportStats")

	hours, ok := intQuery(c, "hours", 0)
	if !ok {
		return
	}
	if hours < 0 {
		hours = 0
	}

	stats, err := h.store.QueryExportStats(c.Request.Context(), hours)
	if err != nil {
		logger.Error("Export stats query failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to read detection store",
			Code:  "EXPORT_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// HandleClear handles POST /api/clear.
//
// Description:
//
//	Transactionally truncates the detection log. Irreversible. The store
//	remains open and accepts new batches afterwards.
//
// Response:
//
//	200 OK: ClearResponse
//	500 Internal Server Error: store write fault
func (h *Handlers) HandleClear(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleClear")

	deleted, err := h.store.ClearAll(c.Request.Context())
	if err != nil {
		logger.Error("Clear failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to clear detection store",
			Code:  "STORAGE_FAILED",
		})
		return
	}

	logger.Info("Detection log cleared", "records_deleted", deleted)
	c.JSON(http.StatusOK, ClearResponse{RecordsDeleted: deleted})
}

// HandleLive handles GET /api/live.
//
// Upgrades to a WebSocket that receives each committed scan batch as a
// JSON array of detections.
func (h *Handlers) HandleLive(c *gin.Context) {
	requestID := getOrCreateRequestID(c)

	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "live feed not enabled",
			Code:  "LIVE_DISABLED",
		})
		return
	}
	if err := h.hub.Serve(c.Writer, c.Request); err != nil {
		// Upgrade failures write their own HTTP response.
		slog.Warn("Live feed upgrade failed", "request_id", requestID, "error", err)
	}
}

// intQuery parses an optional integer query parameter. On a malformed
// value it writes the 400 response and reports ok=false.
func intQuery(c *gin.Context, name string, def int) (value int, ok bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid %s parameter", name),
			Code:  "INVALID_REQUEST",
		})
		return 0, false
	}
	return v, true
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one, and
// echoes it on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
