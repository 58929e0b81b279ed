// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scanCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bluewatch_scan_cycles_total",
		Help: "Completed discovery scans, successful or not.",
	})

	scanFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bluewatch_scan_failures_total",
		Help: "Discovery scans that failed at the adapter.",
	})

	detectionsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bluewatch_detections_total",
		Help: "Detections committed to the log.",
	})

	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bluewatch_persist_failures_total",
		Help: "Scan batches dropped because the commit failed.",
	})

	lastScanDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bluewatch_last_scan_devices",
		Help: "Devices observed in the most recent successful scan.",
	})
)
