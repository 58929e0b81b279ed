// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package device defines the detection record shared by the scanner,
// the detection store, and the HTTP surface.
package device

import (
	"fmt"
	"strings"
	"time"
)

// Detection is a single timestamped sighting of a nearby device.
//
// A Detection is immutable once written to the store. The address is the
// only identity the system knows; it is normalized but otherwise opaque.
// RSSI is radio-dependent and carries no enforced range.
type Detection struct {
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	RSSI      int       `json:"rssi"`
	Timestamp time.Time `json:"timestamp"`
}

// String returns a compact human-readable form, used in debug logs.
func (d Detection) String() string {
	return fmt.Sprintf("Detection(address=%s, name=%q, rssi=%d)", d.Address, d.Name, d.RSSI)
}

// NormalizeAddress canonicalizes a hardware address for use as a store key.
//
// Addresses compare case-insensitively, so every write and query path must
// pass addresses through here before touching the store. The format itself
// is not validated; the address is treated as an opaque identifier.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}
