// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package monitor

import (
	"github.com/perchlabs/bluewatch/services/monitor/config"
	"github.com/perchlabs/bluewatch/services/monitor/device"
	"github.com/perchlabs/bluewatch/services/monitor/storage"
)

// ServiceVersion is the monitor service version.
const ServiceVersion = "0.1.0"

// DefaultRecentLimit caps GET /api/recent when no limit is given.
const DefaultRecentLimit = 50

// ErrorResponse is the error envelope returned by every failing endpoint.
// Code is a stable machine-readable failure kind; Error is for humans.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Code   string   `json:"code"`
	Fields []string `json:"fields,omitempty"`
}

// HealthResponse reports service liveness and store reachability.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	TotalRecords int64  `json:"total_records"`
	LastSeen     string `json:"last_seen,omitempty"`
}

// RecentResponse wraps the most recent detections, newest first.
type RecentResponse struct {
	Count      int                `json:"count"`
	Detections []device.Detection `json:"detections"`
}

// TimelineResponse carries per-device presence sessions for a window.
type TimelineResponse struct {
	Hours      int                      `json:"hours"`
	GapSeconds float64                  `json:"gap_seconds"`
	Devices    []storage.DeviceTimeline `json:"devices"`
}

// ConfigResponse is returned by both config endpoints. RequiresRestart
// lists updated fields the running process cannot apply live.
type ConfigResponse struct {
	Config          config.Config `json:"config"`
	RequiresRestart []string      `json:"requires_restart,omitempty"`
}

// ClearResponse reports how many records a clear removed.
type ClearResponse struct {
	RecordsDeleted int64 `json:"records_deleted"`
}
