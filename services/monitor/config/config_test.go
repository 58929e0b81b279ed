// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Load(path)
	require.NoError(t, err)
	return s
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func strPtr(v string) *string { return &v }

// TestLoad_CreatesDefaultOnFirstRun writes the default file when none
// exists.
func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), s.Get())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk Config
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, Default(), onDisk)
}

// TestLoad_ExistingFile picks up persisted values and fills missing
// fields from defaults.
func TestLoad_ExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scan_duration": 12, "port": 9090}`), 0640))

	s, err := Load(path)
	require.NoError(t, err)

	cfg := s.Get()
	assert.Equal(t, 12, cfg.ScanDuration)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, Default().ScanInterval, cfg.ScanInterval)
	assert.Equal(t, Default().DBPath, cfg.DBPath)
}

// TestLoad_InvalidFileIsFatal rejects unparseable and invalid durable
// configs instead of silently reverting to defaults.
func TestLoad_InvalidFileIsFatal(t *testing.T) {
	t.Run("malformed json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0640))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"scan_duration": 0}`), 0640))

		_, err := Load(path)
		require.Error(t, err)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Fields, "scan_duration")
	})
}

// TestUpdate_AppliesAndPersists merges supplied fields, persists them,
// and leaves the rest untouched.
func TestUpdate_AppliesAndPersists(t *testing.T) {
	s := loadTestStore(t)

	cfg, restart, err := s.Update(UpdateRequest{
		ScanDuration: intPtr(10),
		GapFactor:    floatPtr(3.5),
	})
	require.NoError(t, err)
	assert.Empty(t, restart)
	assert.Equal(t, 10, cfg.ScanDuration)
	assert.Equal(t, 3.5, cfg.GapFactor)
	assert.Equal(t, Default().ScanInterval, cfg.ScanInterval)

	// Survives a fresh load from disk.
	s2, err := Load(s.Path())
	require.NoError(t, err)
	assert.Equal(t, cfg, s2.Get())
}

// TestUpdate_RejectsNegativeScanDuration rejects the update as a whole and
// names the offending field; the stored configuration is unchanged.
func TestUpdate_RejectsNegativeScanDuration(t *testing.T) {
	s := loadTestStore(t)
	before := s.Get()

	_, _, err := s.Update(UpdateRequest{ScanDuration: intPtr(-1)})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"scan_duration"}, verr.Fields)

	assert.Equal(t, before, s.Get())

	// The file is unchanged too.
	s2, err := Load(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, s2.Get())
}

// TestUpdate_NoPartialApplication verifies a mixed update with one bad
// field applies nothing.
func TestUpdate_NoPartialApplication(t *testing.T) {
	s := loadTestStore(t)
	before := s.Get()

	_, _, err := s.Update(UpdateRequest{
		ScanDuration:  intPtr(10),
		SleepDuration: intPtr(0),
		Port:          intPtr(70000),
	})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ElementsMatch(t, []string{"sleep_duration", "port"}, verr.Fields)

	assert.Equal(t, before, s.Get())
}

// TestUpdate_FlagsRestartFields reports db_path, host, and port changes
// as requiring a restart, and only when actually supplied.
func TestUpdate_FlagsRestartFields(t *testing.T) {
	s := loadTestStore(t)

	_, restart, err := s.Update(UpdateRequest{
		Port:         intPtr(9090),
		DBPath:       strPtr("/var/lib/bluewatch"),
		ScanDuration: intPtr(7),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"port", "db_path"}, restart)

	_, restart, err = s.Update(UpdateRequest{ScanInterval: intPtr(4)})
	require.NoError(t, err)
	assert.Empty(t, restart)
}

// TestUpdate_EmptyRequestIsNoop succeeds and changes nothing.
func TestUpdate_EmptyRequestIsNoop(t *testing.T) {
	s := loadTestStore(t)
	before := s.Get()

	cfg, restart, err := s.Update(UpdateRequest{})
	require.NoError(t, err)
	assert.Empty(t, restart)
	assert.Equal(t, before, cfg)
}

// TestSaveAtomic_LeavesNoTempFiles verifies the temp file is renamed or
// removed, never left beside the config.
func TestSaveAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	s, err := Load(path)
	require.NoError(t, err)

	_, _, err = s.Update(UpdateRequest{ScanDuration: intPtr(9)})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "config.json", entries[0].Name())
}

// TestReload applies external edits that validate and differ, reports
// identical reloads as not applied, and keeps the last good value on
// invalid edits.
func TestReload(t *testing.T) {
	s := loadTestStore(t)

	t.Run("identical value not applied", func(t *testing.T) {
		applied, err := s.Reload()
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("external change applied", func(t *testing.T) {
		edited := s.Get()
		edited.ScanDuration = 42
		data, err := json.Marshal(edited)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(s.Path(), data, 0640))

		applied, err := s.Reload()
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, 42, s.Get().ScanDuration)
	})

	t.Run("invalid edit keeps last good value", func(t *testing.T) {
		before := s.Get()
		require.NoError(t, os.WriteFile(s.Path(), []byte(`{"port": -1}`), 0640))

		applied, err := s.Reload()
		require.Error(t, err)
		assert.False(t, applied)
		assert.Equal(t, before, s.Get())
	})
}

// TestDerivedWindows converts second fields to durations.
func TestDerivedWindows(t *testing.T) {
	cfg := Config{
		ScanDuration:  5,
		ScanInterval:  3,
		SleepDuration: 2,
		GapFactor:     2.0,
	}

	assert.Equal(t, 5*time.Second, cfg.ScanWindow())
	assert.Equal(t, 2*time.Second, cfg.SleepWindow())
	assert.Equal(t, 6*time.Second, cfg.SessionGap())
}

// TestValidationError_Message lists every offending field.
func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Fields: []string{"scan_duration", "port"}}
	assert.Equal(t, "invalid configuration fields: scan_duration, port", err.Error())
}
