// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scanner drives repeated discovery cycles against the platform's
// radio stack and feeds the results into the detection store.
//
// The radio itself sits behind the Adapter interface; the package ships a
// bluetoothctl-backed implementation, and tests inject fakes. Every adapter
// failure is retryable: the scheduler backs off and tries again, it never
// terminates the process over the radio.
package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/perchlabs/bluewatch/services/monitor/device"
)

// Adapter is the boundary to the platform radio stack.
//
// Scan blocks for roughly the given duration and returns every device
// observed in that window, one Detection per distinct address. The set may
// be empty. Implementations must honor ctx cancellation.
type Adapter interface {
	Scan(ctx context.Context, duration time.Duration) ([]device.Detection, error)
}

// Sentinel errors for adapter failures. The scheduler treats all of them
// the same way (log, back off, retry); they exist so operators can tell
// from the logs whether the radio is missing, blocked, or just slow.
var (
	// ErrAdapterUnavailable indicates no usable radio hardware or service.
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")

	// ErrPermissionDenied indicates the process may not use the radio.
	ErrPermissionDenied = errors.New("bluetooth access denied")

	// ErrScanTimeout indicates the scan did not complete in time.
	ErrScanTimeout = errors.New("bluetooth scan timed out")
)

// probeDuration is the short scan used to check the radio at startup.
const probeDuration = 2 * time.Second

// Probe runs one short scan to check that the radio stack is operable.
//
// Zero devices is still a healthy result; only an adapter error means the
// stack is unavailable. A failed probe is not fatal; the scheduler's
// backoff recovers once the radio appears.
func Probe(ctx context.Context, adapter Adapter) error {
	_, err := adapter.Scan(ctx, probeDuration)
	return err
}
