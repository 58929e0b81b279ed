// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config holds the runtime configuration for bluewatch.
//
// One live Configuration record is guarded by a Store. Readers (the scan
// scheduler, the HTTP surface) take full snapshots; the single updater
// validates every supplied field before anything is applied and persists
// each successful update atomically, so a crash mid-write never corrupts
// the on-disk file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultPath is used when neither the -config flag nor the
// BLUEWATCH_CONFIG environment variable names a file.
const DefaultPath = "config.json"

// configValidate is the validator instance for Config.
// Field names in errors are reported by json tag.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	configValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Config is the full runtime configuration.
//
// Duration fields are whole seconds and are re-read by the scheduler at the
// top of every scan cycle. DBPath, Host, and Port are read once at process
// start; updating them persists the new value but requires a restart.
//
// scan_duration < scan_interval is recommended but not enforced.
type Config struct {
	// ScanDuration is how long each discovery scan listens, in seconds.
	ScanDuration int `json:"scan_duration" validate:"gt=0"`

	// ScanInterval is the nominal spacing between scans, in seconds.
	// The session merge threshold is derived from it.
	ScanInterval int `json:"scan_interval" validate:"gt=0"`

	// SleepDuration is the pause between scan cycles, in seconds.
	// It is also the initial backoff delay after an adapter failure.
	SleepDuration int `json:"sleep_duration" validate:"gt=0"`

	// GapFactor scales ScanInterval into the session merge threshold:
	// two detections of the same address belong to one session when the
	// gap between them is at most GapFactor * ScanInterval.
	GapFactor float64 `json:"gap_factor" validate:"gt=0"`

	// DBPath is the directory for the detection log. Requires restart.
	DBPath string `json:"db_path" validate:"required"`

	// Host is the HTTP bind address. Requires restart.
	Host string `json:"host" validate:"required"`

	// Port is the HTTP bind port. Requires restart.
	Port int `json:"port" validate:"gt=0,lte=65535"`
}

// Default returns the configuration written on first run.
func Default() Config {
	return Config{
		ScanDuration:  5,
		ScanInterval:  3,
		SleepDuration: 1,
		GapFactor:     2.0,
		DBPath:        "bluewatch.db",
		Host:          "0.0.0.0",
		Port:          8080,
	}
}

// ScanWindow returns ScanDuration as a time.Duration.
func (c Config) ScanWindow() time.Duration {
	return time.Duration(c.ScanDuration) * time.Second
}

// SleepWindow returns SleepDuration as a time.Duration.
func (c Config) SleepWindow() time.Duration {
	return time.Duration(c.SleepDuration) * time.Second
}

// SessionGap returns the merge threshold for presence sessions:
// GapFactor * ScanInterval.
func (c Config) SessionGap() time.Duration {
	return time.Duration(c.GapFactor * float64(c.ScanInterval) * float64(time.Second))
}

// validateConfig runs struct validation and converts failures into a
// *ValidationError naming the offending json fields.
func validateConfig(c Config) error {
	err := configValidate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return &ValidationError{Fields: fields}
	}
	return fmt.Errorf("validate config: %w", err)
}

// ValidationError reports a rejected configuration update.
//
// The update is rejected as a whole: no field was applied. Fields holds the
// json names of every offending field.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration fields: %s", strings.Join(e.Fields, ", "))
}

// UpdateRequest is a partial configuration update. Nil fields are left
// unchanged.
type UpdateRequest struct {
	ScanDuration  *int     `json:"scan_duration,omitempty"`
	ScanInterval  *int     `json:"scan_interval,omitempty"`
	SleepDuration *int     `json:"sleep_duration,omitempty"`
	GapFactor     *float64 `json:"gap_factor,omitempty"`
	DBPath        *string  `json:"db_path,omitempty"`
	Host          *string  `json:"host,omitempty"`
	Port          *int     `json:"port,omitempty"`
}

// restartFields are the json names of fields the running process cannot
// apply live.
var restartFields = map[string]bool{
	"db_path": true,
	"host":    true,
	"port":    true,
}

// Store guards the live Configuration record.
//
// Get returns consistent snapshots; Update and Reload hold the write lock
// so readers never observe a half-applied record. The on-disk file is only
// rewritten after validation succeeds.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

// Load opens the configuration file at path, creating it with defaults on
// first run.
//
// Outputs:
//
//	*Store - The live configuration store.
//	error - Non-nil if the file exists but cannot be parsed or fails
//	        validation; this is a fatal startup condition for the caller.
func Load(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := saveAtomic(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return &Store{path: path, cfg: cfg}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := parseAndValidate(data)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &Store{path: path, cfg: cfg}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns a snapshot of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update applies a validated partial update.
//
// Description:
//
//	Merges the supplied fields onto a copy of the current configuration and
//	validates the merged record before anything is applied. On any failure
//	the whole update is rejected and the returned error is a
//	*ValidationError naming the offending fields. On success the merged
//	record is persisted atomically and then swapped in.
//
// Outputs:
//
//	Config - The configuration after the update.
//	[]string - json names of changed fields that require a restart.
//	error - *ValidationError on rejection, otherwise a persistence fault.
func (s *Store) Update(req UpdateRequest) (Config, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.cfg
	changed := applyRequest(&merged, req)

	if err := validateConfig(merged); err != nil {
		return s.cfg, nil, err
	}

	if err := saveAtomic(s.path, merged); err != nil {
		return s.cfg, nil, fmt.Errorf("persist config: %w", err)
	}
	s.cfg = merged

	var restart []string
	for _, f := range changed {
		if restartFields[f] {
			restart = append(restart, f)
		}
	}
	return merged, restart, nil
}

// Reload re-reads the backing file, applying it when it parses, validates,
// and differs from the in-memory snapshot.
//
// Returns true when a new configuration was applied. Used by the fsnotify
// watcher; a self-write reloads to an identical value and reports false.
func (s *Store) Reload() (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("read config %s: %w", s.path, err)
	}
	cfg, err := parseAndValidate(data)
	if err != nil {
		return false, fmt.Errorf("reload config %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg == s.cfg {
		return false, nil
	}
	s.cfg = cfg
	return true, nil
}

// applyRequest copies non-nil request fields onto dst and returns the json
// names of the fields that were supplied.
func applyRequest(dst *Config, req UpdateRequest) []string {
	var changed []string
	if req.ScanDuration != nil {
		dst.ScanDuration = *req.ScanDuration
		changed = append(changed, "scan_duration")
	}
	if req.ScanInterval != nil {
		dst.ScanInterval = *req.ScanInterval
		changed = append(changed, "scan_interval")
	}
	if req.SleepDuration != nil {
		dst.SleepDuration = *req.SleepDuration
		changed = append(changed, "sleep_duration")
	}
	if req.GapFactor != nil {
		dst.GapFactor = *req.GapFactor
		changed = append(changed, "gap_factor")
	}
	if req.DBPath != nil {
		dst.DBPath = *req.DBPath
		changed = append(changed, "db_path")
	}
	if req.Host != nil {
		dst.Host = *req.Host
		changed = append(changed, "host")
	}
	if req.Port != nil {
		dst.Port = *req.Port
		changed = append(changed, "port")
	}
	return changed
}

func parseAndValidate(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// saveAtomic persists cfg with a write-temp-then-rename so the file is
// either the old record or the new one, never a torn write.
func saveAtomic(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0640); err != nil {
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
