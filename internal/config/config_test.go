/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.QueuedSyncLimit != 32 {
		t.Errorf("expected default queued_sync_limit 32, got %d", cfg.QueuedSyncLimit)
	}
	if !cfg.ManualSyncEnabled {
		t.Errorf("expected manual sync enabled by default")
	}
	if !cfg.DiscoveryEnabled {
		t.Errorf("expected discovery enabled by default")
	}
	if cfg.RootKeyGenAttempts != 100 {
		t.Errorf("expected default root_key_gen_attempts 100, got %d", cfg.RootKeyGenAttempts)
	}
	if cfg.SecretTTLDays != 365 {
		t.Errorf("expected default secret_ttl_days 365, got %d", cfg.SecretTTLDays)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log_level 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogJSON {
		t.Errorf("expected default log_json false")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to validate, got: %v", err)
	}

	cfg.DataRoot = ""
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected empty data_root to fail validation")
	}

	cfg = DefaultConfig()
	cfg.QueuedSyncLimit = -1
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected negative queued_sync_limit to fail validation")
	}

	cfg = DefaultConfig()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected invalid log_level to fail validation")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgekv.conf")
	contents := `
# comment line
data_root = "/tmp/edgekv-test"
queued_sync_limit = 7
manual_sync_enabled = false
discovery_enabled = false
log_level = "debug"
log_json = true
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing fixture config: %v", err)
	}

	m := NewManager()
	if err := m.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	cfg := m.Get()
	if cfg.DataRoot != "/tmp/edgekv-test" {
		t.Errorf("expected data_root to be overridden, got %s", cfg.DataRoot)
	}
	if cfg.QueuedSyncLimit != 7 {
		t.Errorf("expected queued_sync_limit 7, got %d", cfg.QueuedSyncLimit)
	}
	if cfg.ManualSyncEnabled {
		t.Errorf("expected manual_sync_enabled false")
	}
	if cfg.DiscoveryEnabled {
		t.Errorf("expected discovery_enabled false")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level debug, got %s", cfg.LogLevel)
	}
	if !cfg.LogJSON {
		t.Errorf("expected log_json true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvDataRoot, "/tmp/edgekv-env")
	t.Setenv(EnvQueuedSyncLimit, "9")
	t.Setenv(EnvManualSyncEnabled, "false")

	m := NewManager()
	m.LoadFromEnv()

	cfg := m.Get()
	if cfg.DataRoot != "/tmp/edgekv-env" {
		t.Errorf("expected env override of data_root, got %s", cfg.DataRoot)
	}
	if cfg.QueuedSyncLimit != 9 {
		t.Errorf("expected env override of queued_sync_limit, got %d", cfg.QueuedSyncLimit)
	}
	if cfg.ManualSyncEnabled {
		t.Errorf("expected env override to disable manual sync")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roundtrip.conf")

	cfg := DefaultConfig()
	cfg.DataRoot = "/tmp/edgekv-roundtrip"
	cfg.QueuedSyncLimit = 4
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	m := NewManager()
	if err := m.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	loaded := m.Get()
	if loaded.DataRoot != cfg.DataRoot || loaded.QueuedSyncLimit != cfg.QueuedSyncLimit {
		t.Errorf("round trip mismatch: got %+v", loaded)
	}
}
