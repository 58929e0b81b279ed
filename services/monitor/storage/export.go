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
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/perchlabs/bluewatch/services/monitor/device"
)

// Export streams every detection in the trailing hours window (0 = all
// time) to fn in timestamp-ascending order.
//
// Description:
//
//	The result set is never materialized: detections are decoded and
//	handed to fn one at a time from a single read transaction, so memory
//	stays bounded regardless of range size. An error from fn aborts the
//	walk; output already produced by fn stands (export is best-effort,
//	not atomic). Each call starts a fresh iteration.
//
// Outputs:
//
//	error - fn's error, a decode fault, or ctx cancellation.
func (s *Store) Export(ctx context.Context, hours int, fn func(device.Detection) error) error {
	since := windowStart(time.Now(), hours)

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
			if err := fn(d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

// ExportStats describes the data an Export call with the same window
// would produce.
type ExportStats struct {
	TotalRecords int64      `json:"total_records"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Hours        int        `json:"hours"`
}

// QueryExportStats counts the window and reports its time bounds without
// decoding values; timestamps come straight from the keys.
func (s *Store) QueryExportStats(ctx context.Context, hours int) (ExportStats, error) {
	since := windowStart(time.Now(), hours)
	stats := ExportStats{Hours: hours}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = detPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seekKey(since)); it.ValidForPrefix(detPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ts := keyTime(it.Item().Key())
			if stats.StartTime == nil {
				first := ts
				stats.StartTime = &first
			}
			last := ts
			stats.EndTime = &last
			stats.TotalRecords++
		}
		return nil
	})
	if err != nil {
		return ExportStats{}, fmt.Errorf("export stats: %w", err)
	}
	return stats, nil
}
