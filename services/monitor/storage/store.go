// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage owns the durable detection log.
//
// The log lives in an embedded BadgerDB and follows a single-writer /
// multiple-reader discipline: an application-level mutex serializes the
// two write paths (batch append, bulk clear) while readers run in
// read-only transactions and observe a consistent snapshot. The discipline
// is enforced here rather than assumed from the engine, so the contract
// holds even if the storage engine changes.
//
// Keys are ordered by detection timestamp, so range queries and the
// timeline aggregation are linear scans over already-sorted data.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/perchlabs/bluewatch/services/monitor/device"
)

// detPrefix namespaces detection records inside the database.
var detPrefix = []byte("det:")

// keyLen is prefix + 8-byte big-endian unix nanos + 2-byte batch sequence.
const keyLen = 4 + 8 + 2

// topDevicesLimit caps the per-address leaderboard in Summary.
const topDevicesLimit = 5

// maxBatchSize is the most detections one batch key sequence can index.
const maxBatchSize = 1 << 16

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("detection store is closed")

// Options configures a Store.
type Options struct {
	// Path is the directory for the database files.
	// Required unless InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites forces each commit to disk before returning.
	SyncWrites bool

	// Logger receives the engine's internal log output.
	// Nil disables it.
	Logger *slog.Logger
}

// DefaultOptions returns production settings for the given path.
func DefaultOptions(path string) Options {
	return Options{
		Path:       path,
		SyncWrites: true,
	}
}

// Store is the durable, queryable detection log.
//
// All methods are safe for concurrent use. AppendBatch and ClearAll are
// mutually exclusive with each other; queries never block behind either
// for longer than a commit.
type Store struct {
	db      *badger.DB
	writeMu chan struct{} // buffered(1); held across every write path
	path    string
}

// badgerLogger adapts slog to the engine's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (or creates) the detection log.
//
// Description:
//
//	Opens a BadgerDB at opts.Path, creating the directory if needed.
//	Failure here is the one storage fault treated as fatal by the
//	process; everything after startup is recover-and-continue.
//
// Outputs:
//
//	*Store - The opened log. Caller must Close it.
//	error - Non-nil if the path is missing or the engine cannot open.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("storage path is required")
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0750); err != nil {
			return nil, fmt.Errorf("create storage directory %s: %w", opts.Path, err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites)
	bopts = bopts.WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		bopts = bopts.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open detection log: %w", err)
	}

	s := &Store{
		db:      db,
		writeMu: make(chan struct{}, 1),
		path:    opts.Path,
	}
	return s, nil
}

// OpenInMemory opens a throwaway in-memory log for testing.
func OpenInMemory() (*Store, error) {
	return Open(Options{InMemory: true})
}

// Close flushes and closes the log.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database directory, or "" for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// acquireWrite takes the writer slot, honoring context cancellation.
func (s *Store) acquireWrite(ctx context.Context) error {
	select {
	case s.writeMu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) releaseWrite() {
	<-s.writeMu
}

// detKey builds the ordered key for a detection.
func detKey(ts time.Time, seq uint16) []byte {
	key := make([]byte, keyLen)
	copy(key, detPrefix)
	binary.BigEndian.PutUint64(key[4:12], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint16(key[12:14], seq)
	return key
}

// keyTime recovers the detection timestamp from a key.
func keyTime(key []byte) time.Time {
	nanos := binary.BigEndian.Uint64(key[4:12])
	return time.Unix(0, int64(nanos))
}

// AppendBatch atomically commits one scan cycle's detections.
//
// Description:
//
//	The entire batch is written in a single transaction: readers observe
//	either none of it or all of it. Addresses are normalized on the way
//	in. Empty batches are a no-op; batches larger than the key sequence
//	can index are rejected whole. This is the only write path besides
//	ClearAll, and the two never interleave.
//
// Outputs:
//
//	error - Non-nil on a storage fault; the batch was not committed and
//	        the caller is expected to drop it and continue.
func (s *Store) AppendBatch(ctx context.Context, batch []device.Detection) error {
	if len(batch) == 0 {
		return nil
	}
	if len(batch) > maxBatchSize {
		return fmt.Errorf("append batch: %d detections exceeds the per-batch limit of %d", len(batch), maxBatchSize)
	}
	if err := s.acquireWrite(ctx); err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	defer s.releaseWrite()

	err := s.db.Update(func(txn *badger.Txn) error {
		for i, d := range batch {
			d.Address = device.NormalizeAddress(d.Address)
			val, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("encode detection %s: %w", d.Address, err)
			}
			if err := txn.Set(detKey(d.Timestamp, uint16(i)), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append batch of %d: %w", len(batch), err)
	}
	return nil
}

// QueryRecent returns the most recent limit detections, newest first.
//
// Runs in a read-only transaction: concurrent with writes and other reads,
// and never observes a partially-applied batch.
func (s *Store) QueryRecent(ctx context.Context, limit int) ([]device.Detection, error) {
	if limit <= 0 {
		return []device.Detection{}, nil
	}

	out := make([]device.Detection, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = detPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible detection key, then walk backwards.
		seek := append(append([]byte{}, detPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix(detPrefix) && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var d device.Detection
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("decode detection: %w", err)
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	return out, nil
}

// DeviceCount is one row of the Summary leaderboard.
type DeviceCount struct {
	Address string `json:"address"`
	Count   int64  `json:"count"`
}

// Summary aggregates the whole log.
type Summary struct {
	TotalRecords  int64         `json:"total_records"`
	UniqueDevices int           `json:"unique_devices"`
	TopDevices    []DeviceCount `json:"top_devices"`
	FirstSeen     *time.Time    `json:"first_seen,omitempty"`
	LastSeen      *time.Time    `json:"last_seen,omitempty"`
}

// QuerySummary computes totals, distinct-address count, and the top
// addresses by detection count. Ties on count break by ascending address
// so the leaderboard is deterministic.
func (s *Store) QuerySummary(ctx context.Context) (Summary, error) {
	var sum Summary
	counts := make(map[string]int64)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = detPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(detPrefix); it.ValidForPrefix(detPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			ts := keyTime(item.Key())
			if sum.FirstSeen == nil {
				first := ts
				sum.FirstSeen = &first
			}
			last := ts
			sum.LastSeen = &last

			var d device.Detection
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("decode detection: %w", err)
			}
			counts[d.Address]++
			sum.TotalRecords++
		}
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("query summary: %w", err)
	}

	sum.UniqueDevices = len(counts)
	top := make([]DeviceCount, 0, len(counts))
	for addr, n := range counts {
		top = append(top, DeviceCount{Address: addr, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Address < top[j].Address
	})
	if len(top) > topDevicesLimit {
		top = top[:topDevicesLimit]
	}
	sum.TopDevices = top
	return sum, nil
}

// Count returns the number of records in the log.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = detPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(detPrefix); it.ValidForPrefix(detPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count detections: %w", err)
	}
	return n, nil
}

// ClearAll transactionally truncates the entire log.
//
// Description:
//
//	Irreversible. Holds the writer slot so it never interleaves with an
//	in-flight AppendBatch: a given batch is either fully before or fully
//	after the clear. The store is immediately reusable afterwards.
//
// Outputs:
//
//	int64 - Number of records removed.
//	error - Non-nil on a storage fault.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	if err := s.acquireWrite(ctx); err != nil {
		return 0, fmt.Errorf("clear all: %w", err)
	}
	defer s.releaseWrite()

	n, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.db.DropPrefix(detPrefix); err != nil {
		return 0, fmt.Errorf("clear all: %w", err)
	}
	return n, nil
}

// Health reports basic liveness of the log.
type Health struct {
	Status       string     `json:"status"`
	TotalRecords int64      `json:"total_records"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
}

// QueryHealth returns record count and the most recent detection time.
func (s *Store) QueryHealth(ctx context.Context) (Health, error) {
	h := Health{Status: "healthy"}

	n, err := s.Count(ctx)
	if err != nil {
		return Health{Status: "unhealthy"}, err
	}
	h.TotalRecords = n

	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = detPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte{}, detPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.ValidForPrefix(detPrefix) {
			ts := keyTime(it.Item().Key())
			h.LastSeen = &ts
		}
		return nil
	})
	if err != nil {
		return Health{Status: "unhealthy"}, fmt.Errorf("query health: %w", err)
	}
	return h, nil
}

// maxWindowHours is the largest trailing window expressible as a
// time.Duration without overflow. Anything larger already covers the
// whole log, so it collapses to all time.
const maxWindowHours = int(math.MaxInt64 / int64(time.Hour))

// windowStart converts a trailing-hours filter into the earliest timestamp
// included. hours <= 0 means all time.
func windowStart(now time.Time, hours int) time.Time {
	if hours <= 0 || hours > maxWindowHours {
		return time.Time{}
	}
	return now.Add(-time.Duration(hours) * time.Hour)
}

// seekKey positions an iterator at the first key at or after ts.
func seekKey(ts time.Time) []byte {
	if ts.IsZero() {
		return detPrefix
	}
	return detKey(ts, 0)
}
