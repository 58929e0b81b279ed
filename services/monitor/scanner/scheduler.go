// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perchlabs/bluewatch/services/monitor/config"
	"github.com/perchlabs/bluewatch/services/monitor/device"
)

// backoffCeiling caps the adapter-failure backoff at this multiple of the
// configured sleep duration.
const backoffCeiling = 60

// BatchWriter is the slice of the detection store the scheduler needs.
type BatchWriter interface {
	AppendBatch(ctx context.Context, batch []device.Detection) error
}

// ConfigSource yields the configuration snapshot read at the top of each
// cycle. *config.Store satisfies it.
type ConfigSource interface {
	Get() config.Config
}

// BatchSink receives each committed batch. Optional; used to feed the
// live WebSocket stream.
type BatchSink interface {
	Publish(batch []device.Detection)
}

// Scheduler drives the repeating discovery cycle:
// read config, scan, persist, sleep.
//
// # Description
//
// Each cycle snapshots the current duration settings, so configuration
// updates take effect at the top of the next cycle without a restart.
// Adapter failures trigger exponential backoff (starting at the sleep
// duration, doubling, capped at 60x) and never terminate the loop.
// Persistence failures drop that cycle's batch and continue. Shutdown is
// cooperative: a stop request interrupts sleeping immediately but lets an
// in-flight scan or commit finish, so no batch is ever half-written.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. Only one loop runs at
// a time.
type Scheduler struct {
	adapter Adapter
	writer  BatchWriter
	cfg     ConfigSource
	sink    BatchSink

	failures int // consecutive adapter failures, guarded by the loop goroutine

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler. sink may be nil.
func NewScheduler(adapter Adapter, writer BatchWriter, cfg ConfigSource, sink BatchSink) *Scheduler {
	return &Scheduler{
		adapter: adapter,
		writer:  writer,
		cfg:     cfg,
		sink:    sink,
	}
}

// Start launches the scan loop goroutine.
//
// Returns an error if the loop is already running. The loop runs until
// Stop is called or ctx is cancelled; ctx cancellation also aborts an
// in-flight adapter call, Stop does not.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scan scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	cfg := s.cfg.Get()
	slog.Info("scan scheduler starting",
		"scan_duration", cfg.ScanDuration,
		"scan_interval", cfg.ScanInterval,
		"sleep_duration", cfg.SleepDuration)

	go s.runLoop(ctx)
	return nil
}

// Stop requests shutdown and blocks until the loop exits.
//
// An in-flight cycle (scan or commit) completes first; a sleeping loop
// wakes immediately. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	slog.Info("scan scheduler stopped")
}

// runLoop is the cycle state machine. One iteration is one scan cycle.
func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	for {
		// Idle: check for shutdown, then snapshot the configuration.
		if s.stopRequested(ctx) {
			return
		}
		cfg := s.cfg.Get()

		// Scanning.
		batch, err := s.adapter.Scan(ctx, cfg.ScanWindow())
		scanCycles.Inc()
		if err != nil {
			scanFailures.Inc()
			delay := s.nextBackoff(cfg.SleepWindow())
			slog.Warn("discovery scan failed",
				"error", err,
				"consecutive_failures", s.failures,
				"retry_in", delay.String())
			if !s.sleep(ctx, delay) {
				return
			}
			continue
		}
		s.failures = 0
		lastScanDevices.Set(float64(len(batch)))

		// Persisting. Empty cycles are skipped: the timeline merge works
		// from detection gaps alone and needs no cycle markers.
		if len(batch) > 0 {
			if err := s.writer.AppendBatch(ctx, batch); err != nil {
				persistFailures.Inc()
				slog.Error("dropping scan batch",
					"devices", len(batch),
					"error", err)
			} else {
				detectionsPersisted.Add(float64(len(batch)))
				slog.Debug("scan batch committed", "devices", len(batch))
				if s.sink != nil {
					s.sink.Publish(batch)
				}
			}
		}

		// Sleeping.
		if !s.sleep(ctx, cfg.SleepWindow()) {
			return
		}
	}
}

// nextBackoff advances the failure counter and returns the delay before
// the next attempt: base doubled per consecutive failure, capped at
// backoffCeiling times base.
func (s *Scheduler) nextBackoff(base time.Duration) time.Duration {
	limit := base * backoffCeiling
	delay := base
	for i := 0; i < s.failures; i++ {
		delay *= 2
		if delay >= limit {
			delay = limit
			break
		}
	}
	s.failures++
	return delay
}

// stopRequested reports whether shutdown has been requested.
func (s *Scheduler) stopRequested(ctx context.Context) bool {
	select {
	case <-s.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep pauses for d, returning false if shutdown interrupted the pause.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
