// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scanner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/perchlabs/bluewatch/services/monitor/device"
)

// scanGrace is extra wall time allowed beyond the scan window before the
// command is considered hung.
const scanGrace = 10 * time.Second

var (
	// ansiEscape strips the color codes bluetoothctl emits even when
	// not attached to a terminal.
	ansiEscape = regexp.MustCompile(`\x01?\x1b\[[0-9;]*m\x02?`)

	// newDeviceLine matches "[NEW] Device AA:BB:CC:DD:EE:FF Some Name".
	newDeviceLine = regexp.MustCompile(`\[NEW\] Device ([0-9A-Fa-f:]{17}) (.+)$`)

	// rssiLine matches "[CHG] Device AA:BB:CC:DD:EE:FF RSSI: -67" and the
	// newer "RSSI: 0xffffffbe (-66)" form.
	rssiLine = regexp.MustCompile(`Device ([0-9A-Fa-f:]{17}) RSSI:[^(-]*\(?(-?\d+)\)?`)
)

// BluetoothctlAdapter discovers devices by running the BlueZ
// bluetoothctl client and parsing its event stream.
//
// One subprocess per scan: `bluetoothctl --timeout N scan on` prints a
// [NEW] line per discovered device and [CHG] lines as signal strength
// updates arrive. The adapter keeps the latest RSSI per address.
type BluetoothctlAdapter struct {
	// binary overrides the executable; tests point it at a script.
	binary string
}

// NewBluetoothctlAdapter returns an adapter using bluetoothctl from PATH.
func NewBluetoothctlAdapter() *BluetoothctlAdapter {
	return &BluetoothctlAdapter{binary: "bluetoothctl"}
}

// Scan runs one discovery window and returns the devices observed.
func (a *BluetoothctlAdapter) Scan(ctx context.Context, duration time.Duration) ([]device.Detection, error) {
	secs := int(duration.Seconds())
	if secs < 1 {
		secs = 1
	}

	cmdCtx, cancel := context.WithTimeout(ctx, duration+scanGrace)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, a.binary, "--timeout", strconv.Itoa(secs), "scan", "on")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, classifyScanError(err, cmdCtx, string(out))
	}
	return parseScanOutput(string(out), time.Now()), nil
}

// classifyScanError maps subprocess failures onto the adapter sentinels.
func classifyScanError(err error, ctx context.Context, output string) error {
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return fmt.Errorf("bluetoothctl not installed: %w", ErrAdapterUnavailable)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("scan exceeded window: %w", ErrScanTimeout)
	}

	low := strings.ToLower(output)
	switch {
	case strings.Contains(low, "no default controller"),
		strings.Contains(low, "not available"),
		strings.Contains(low, "not ready"):
		return fmt.Errorf("%s: %w", strings.TrimSpace(firstLine(output)), ErrAdapterUnavailable)
	case strings.Contains(low, "permission"),
		strings.Contains(low, "not authorized"),
		strings.Contains(low, "rejected"):
		return fmt.Errorf("%s: %w", strings.TrimSpace(firstLine(output)), ErrPermissionDenied)
	}
	return fmt.Errorf("bluetoothctl scan: %w", err)
}

// parseScanOutput folds the event stream into one Detection per address.
//
// A device with no advertised name falls back to its address, matching
// how most scanners present unnamed devices. Results are sorted by
// address so a scan's batch is deterministic.
func parseScanOutput(output string, ts time.Time) []device.Detection {
	seen := make(map[string]*device.Detection)

	for _, line := range strings.Split(output, "\n") {
		line = ansiEscape.ReplaceAllString(line, "")

		if m := newDeviceLine.FindStringSubmatch(line); m != nil {
			addr := device.NormalizeAddress(m[1])
			name := strings.TrimSpace(m[2])
			if name == "" {
				name = addr
			}
			if d, ok := seen[addr]; ok {
				d.Name = name
			} else {
				seen[addr] = &device.Detection{Address: addr, Name: name, Timestamp: ts}
			}
			continue
		}

		if m := rssiLine.FindStringSubmatch(line); m != nil {
			addr := device.NormalizeAddress(m[1])
			rssi, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			if d, ok := seen[addr]; ok {
				d.RSSI = rssi
			} else {
				seen[addr] = &device.Detection{Address: addr, Name: addr, RSSI: rssi, Timestamp: ts}
			}
		}
	}

	out := make([]device.Detection, 0, len(seen))
	for _, d := range seen {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
