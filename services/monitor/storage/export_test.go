// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchlabs/bluewatch/services/monitor/device"
)

func collectExport(t *testing.T, s *Store, hours int) []device.Detection {
	t.Helper()
	var out []device.Detection
	err := s.Export(context.Background(), hours, func(d device.Detection) error {
		out = append(out, d)
		return nil
	})
	require.NoError(t, err)
	return out
}

// TestExport_AscendingOrder streams oldest first.
func TestExport_AscendingOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, s.AppendBatch(ctx, []device.Detection{
		det("AA:BB:00:00:00:03", "", -62, base, 2*time.Second),
		det("AA:BB:00:00:00:01", "", -60, base, 0),
		det("AA:BB:00:00:00:02", "", -61, base, time.Second),
	}))

	got := collectExport(t, s, 0)
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Timestamp.Before(got[i-1].Timestamp))
	}
	assert.Equal(t, "AA:BB:00:00:00:01", got[0].Address)
}

// TestExport_RangeSplit verifies that exporting one window equals the
// concatenation of two consecutive sub-windows covering it: no double
// counting, no gap at the boundary.
func TestExport_RangeSplit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AppendBatch(ctx, []device.Detection{
		det("AA:BB:00:00:00:01", "a", -60, now, -5*time.Hour),
		det("AA:BB:00:00:00:02", "b", -61, now, -3*time.Hour),
		det("AA:BB:00:00:00:03", "c", -62, now, -90*time.Minute),
		det("AA:BB:00:00:00:04", "d", -63, now, -30*time.Minute),
	}))

	full := collectExport(t, s, 6)
	inner := collectExport(t, s, 2)

	// The trailing sub-window is exactly the tail of the full window.
	require.Len(t, full, 4)
	require.Len(t, inner, 2)
	assert.Equal(t, full[len(full)-len(inner):], inner)

	// The remaining head plus the tail reconstructs the full export.
	recombined := append(append([]device.Detection{}, full[:len(full)-len(inner)]...), inner...)
	assert.Equal(t, full, recombined)
}

// TestExport_FnErrorAborts stops the walk at the failing callback.
func TestExport_FnErrorAborts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	require.NoError(t, s.AppendBatch(ctx, []device.Detection{
		det("AA:BB:00:00:00:01", "", -60, base, 0),
		det("AA:BB:00:00:00:02", "", -61, base, time.Second),
		det("AA:BB:00:00:00:03", "", -62, base, 2*time.Second),
	}))

	sentinel := errors.New("sink full")
	calls := 0
	err := s.Export(ctx, 0, func(device.Detection) error {
		calls++
		if calls == 2 {
			return sentinel
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, calls)
}

// TestExport_Empty invokes the callback zero times.
func TestExport_Empty(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	err := s.Export(context.Background(), 0, func(device.Detection) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
}

// TestQueryExportStats reports window bounds from keys alone.
func TestQueryExportStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.AppendBatch(ctx, []device.Detection{
		det("AA:BB:00:00:00:01", "", -60, now, -3*time.Hour),
		det("AA:BB:00:00:00:02", "", -61, now, -time.Hour),
		det("AA:BB:00:00:00:03", "", -62, now, -time.Minute),
	}))

	stats, err := s.QueryExportStats(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRecords)
	assert.Equal(t, 0, stats.Hours)
	require.NotNil(t, stats.StartTime)
	require.NotNil(t, stats.EndTime)
	assert.True(t, stats.StartTime.Equal(now.Add(-3*time.Hour).Round(0)))
	assert.True(t, stats.EndTime.Equal(now.Add(-time.Minute).Round(0)))

	windowed, err := s.QueryExportStats(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), windowed.TotalRecords)
	assert.Equal(t, 2, windowed.Hours)
}

// TestQueryExportStats_Empty returns zeros with nil bounds.
func TestQueryExportStats_Empty(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.QueryExportStats(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalRecords)
	assert.Nil(t, stats.StartTime)
	assert.Nil(t, stats.EndTime)
}
