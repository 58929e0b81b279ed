// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/perchlabs/bluewatch/services/monitor/device"
)

// Session is a derived contiguous presence interval for one device.
//
// Sessions are recomputed on every timeline query and never stored.
type Session struct {
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Count     int       `json:"count"`
}

// DeviceTimeline is the per-address result of a timeline query.
type DeviceTimeline struct {
	Address  string    `json:"address"`
	Name     string    `json:"name,omitempty"`
	Sessions []Session `json:"sessions"`
}

// QueryTimeline merges detections into presence sessions per device.
//
// Description:
//
//	Restricts the log to the trailing hours window (0 = all time), groups
//	detections by address, and merges each address's timestamp-sorted
//	detections into sessions: consecutive detections belong to the same
//	session while the gap between them does not exceed gap. Keys are
//	already timestamp-ordered, so the merge is one linear pass per
//	address. The latest non-empty advertised name wins per device.
//
// Outputs:
//
//	[]DeviceTimeline - One entry per address, sorted by address ascending
//	                   for deterministic output.
//	error - Non-nil on a storage fault; never affects the scan loop.
func (s *Store) QueryTimeline(ctx context.Context, hours int, gap time.Duration) ([]DeviceTimeline, error) {
	since := windowStart(time.Now(), hours)

	type track struct {
		name     string
		sessions []Session
	}
	tracks := make(map[string]*track)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = detPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seekKey(since)); it.ValidForPrefix(detPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var d device.Detection
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("decode detection: %w", err)
			}

			tr := tracks[d.Address]
			if tr == nil {
				tr = &track{}
				tracks[d.Address] = tr
			}
			if d.Name != "" {
				tr.name = d.Name
			}
			tr.sessions = extend(tr.sessions, d.Timestamp, gap)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}

	out := make([]DeviceTimeline, 0, len(tracks))
	for addr, tr := range tracks {
		out = append(out, DeviceTimeline{Address: addr, Name: tr.name, Sessions: tr.sessions})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// extend appends ts to the session list, merging it into the last session
// when the gap from its end does not exceed the threshold.
//
// Detections arrive in timestamp order, so this single comparison against
// the last session's end implements the full gap-merge rule.
func extend(sessions []Session, ts time.Time, gap time.Duration) []Session {
	n := len(sessions)
	if n > 0 && !ts.After(sessions[n-1].LastSeen.Add(gap)) {
		sessions[n-1].LastSeen = ts
		sessions[n-1].Count++
		return sessions
	}
	return append(sessions, Session{FirstSeen: ts, LastSeen: ts, Count: 1})
}
