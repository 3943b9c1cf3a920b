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

/*
Package config provides layered configuration for the EdgeKV agent.

Sources are applied in order, later sources overriding earlier ones:

 1. Default values (lowest priority)
 2. Configuration file (TOML-flavored, hand-parsed, no external dependency)
 3. Environment variables (highest priority)

Example configuration file:

	data_root = "/var/lib/edgekv"
	security_level_de = "de"
	security_level_ce = "ce"
	queued_sync_limit = 32
	manual_sync_enabled = true
	discovery_enabled = true
	root_key_gen_attempts = 100
	log_level = "info"
	log_json = false

Environment Variables:
  - EDGEKV_DATA_ROOT: root directory under which per-(user,app,store) data lives
  - EDGEKV_QUEUED_SYNC_LIMIT: manual-sync queue depth (spec.md SyncQueue.queuedLimit)
  - EDGEKV_MANUAL_SYNC_ENABLED: whether manual sync admission is enabled at startup
  - EDGEKV_DISCOVERY_ENABLED: whether the mDNS transport advertises/discovers peers
  - EDGEKV_LOG_LEVEL / EDGEKV_LOG_JSON: logging configuration
  - EDGEKV_CONFIG_FILE: path to a configuration file, bypassing the default search paths
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Environment variable names for configuration.
const (
	EnvDataRoot            = "EDGEKV_DATA_ROOT"
	EnvQueuedSyncLimit     = "EDGEKV_QUEUED_SYNC_LIMIT"
	EnvManualSyncEnabled   = "EDGEKV_MANUAL_SYNC_ENABLED"
	EnvDiscoveryEnabled    = "EDGEKV_DISCOVERY_ENABLED"
	EnvRootKeyGenAttempts  = "EDGEKV_ROOT_KEY_GEN_ATTEMPTS"
	EnvLogLevel            = "EDGEKV_LOG_LEVEL"
	EnvLogJSON             = "EDGEKV_LOG_JSON"
	EnvConfigFile          = "EDGEKV_CONFIG_FILE"
)

// GetDefaultDataRoot returns the default directory for store data.
// Root processes use the Filesystem Hierarchy Standard location; other
// users get an XDG-style per-user data directory.
func GetDefaultDataRoot() string {
	if os.Getuid() == 0 {
		return "/var/lib/edgekv"
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "edgekv")
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".local", "share", "edgekv")
	}
	return "./edgekv-data"
}

// DefaultConfigPaths are searched, in order, for a configuration file.
var DefaultConfigPaths = []string{
	"/etc/edgekv/edgekv.conf",
	"$HOME/.config/edgekv/edgekv.conf",
	"./edgekv.conf",
}

// Config holds every tunable of the EdgeKV agent.
type Config struct {
	// DataRoot is the root directory under which
	// <sec>/<service>/<userId>/<appId>/<storeId>/ trees live (spec.md section 6).
	DataRoot string `toml:"data_root" json:"data_root"`

	// SecurityLevelDE and SecurityLevelCE name the two security-level roots
	// a StoreDescriptor.securityLevel selects between.
	SecurityLevelDE string `toml:"security_level_de" json:"security_level_de"`
	SecurityLevelCE string `toml:"security_level_ce" json:"security_level_ce"`

	// QueuedSyncLimit is the manual-sync queue's queuedLimit (spec.md section 4.7).
	QueuedSyncLimit int `toml:"queued_sync_limit" json:"queued_sync_limit"`

	// ManualSyncEnabled is the queue's initial admission state.
	ManualSyncEnabled bool `toml:"manual_sync_enabled" json:"manual_sync_enabled"`

	// DiscoveryEnabled toggles the mDNS-backed transport's advertise/discover loop.
	DiscoveryEnabled bool `toml:"discovery_enabled" json:"discovery_enabled"`

	// RootKeyGenAttempts and RootKeyGenIntervalMs describe the vault's lazy
	// root-key generation loop (spec.md section 4.1: 100 attempts, 1s apart)
	// for the startup banner and log. internal/vault does not read them: its
	// generator uses its own fixed bounds.
	RootKeyGenAttempts  int `toml:"root_key_gen_attempts" json:"root_key_gen_attempts"`
	RootKeyGenIntervalMs int `toml:"root_key_gen_interval_ms" json:"root_key_gen_interval_ms"`

	// RootKeyPassphrase seeds the vault when no raw key is available.
	// Never persisted to file.
	RootKeyPassphrase string `toml:"-" json:"-"`

	// SecretTTLDays is the displayed outdated-secret threshold (spec.md: one
	// year). Secret expiry itself uses model.SecretTTL, not this value.
	SecretTTLDays int `toml:"secret_ttl_days" json:"secret_ttl_days"`

	// Logging configuration
	LogLevel string `toml:"log_level" json:"log_level"`
	LogJSON  bool   `toml:"log_json" json:"log_json"`

	// ConfigFile records the path the config was loaded from, if any.
	ConfigFile string `toml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		DataRoot:             GetDefaultDataRoot(),
		SecurityLevelDE:      "de",
		SecurityLevelCE:      "ce",
		QueuedSyncLimit:      32,
		ManualSyncEnabled:    true,
		DiscoveryEnabled:     true,
		RootKeyGenAttempts:   100,
		RootKeyGenIntervalMs: 1000,
		SecretTTLDays:        365,
		LogLevel:             "info",
		LogJSON:              false,
	}
}

// Manager handles configuration loading, validation, and access.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	onReload []func(*Config)
}

// NewManager creates a configuration manager seeded with defaults.
func NewManager() *Manager {
	return &Manager{config: DefaultConfig()}
}

var globalManager = NewManager()

// Global returns the process-wide configuration manager.
func Global() *Manager { return globalManager }

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// Set replaces the current configuration.
func (m *Manager) Set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// OnReload registers a callback invoked whenever Reload succeeds.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

func (m *Manager) notifyReload() {
	m.mu.RLock()
	callbacks := make([]func(*Config), len(m.onReload))
	copy(callbacks, m.onReload)
	cfg := m.config
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.DataRoot == "" {
		errs = append(errs, "data_root cannot be empty")
	}
	if c.QueuedSyncLimit < 0 {
		errs = append(errs, fmt.Sprintf("invalid queued_sync_limit: %d (must be >= 0)", c.QueuedSyncLimit))
	}
	if c.RootKeyGenAttempts <= 0 {
		errs = append(errs, fmt.Sprintf("invalid root_key_gen_attempts: %d (must be > 0)", c.RootKeyGenAttempts))
	}
	if c.SecretTTLDays <= 0 {
		errs = append(errs, fmt.Sprintf("invalid secret_ttl_days: %d (must be > 0)", c.SecretTTLDays))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// LoadFromFile loads configuration from a TOML-flavored file.
func (m *Manager) LoadFromFile(path string) error {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := parseTOML(string(data), cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ConfigFile = path
	m.Set(cfg)
	return nil
}

// LoadFromEnv merges environment variables into the current configuration.
func (m *Manager) LoadFromEnv() {
	cfg := m.Get()

	if v := os.Getenv(EnvDataRoot); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv(EnvQueuedSyncLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueuedSyncLimit = n
		}
	}
	if v := os.Getenv(EnvManualSyncEnabled); v != "" {
		cfg.ManualSyncEnabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvDiscoveryEnabled); v != "" {
		cfg.DiscoveryEnabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv(EnvRootKeyGenAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RootKeyGenAttempts = n
		}
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		cfg.LogJSON = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("EDGEKV_ROOT_KEY_PASSPHRASE"); v != "" {
		cfg.RootKeyPassphrase = v
	}

	m.Set(cfg)
}

// FindConfigFile searches the default locations for a configuration file.
func FindConfigFile() string {
	if envPath := os.Getenv(EnvConfigFile); envPath != "" {
		if _, err := os.Stat(os.ExpandEnv(envPath)); err == nil {
			return os.ExpandEnv(envPath)
		}
	}
	for _, path := range DefaultConfigPaths {
		expanded := os.ExpandEnv(path)
		if _, err := os.Stat(expanded); err == nil {
			return expanded
		}
	}
	return ""
}

// Load loads configuration from file then environment, in that precedence order.
func (m *Manager) Load() error {
	if path := FindConfigFile(); path != "" {
		if err := m.LoadFromFile(path); err != nil {
			return err
		}
	}
	m.LoadFromEnv()
	return nil
}

// Reload reloads configuration from file and environment and notifies listeners.
func (m *Manager) Reload() error {
	cfg := m.Get()
	path := cfg.ConfigFile
	if path == "" {
		path = FindConfigFile()
	}

	m.Set(DefaultConfig())
	if path != "" {
		if err := m.LoadFromFile(path); err != nil {
			return err
		}
	}
	m.LoadFromEnv()
	m.notifyReload()
	return nil
}

// parseTOML is a hand-rolled parser for the small subset of TOML this
// configuration format needs, avoiding a third-party TOML dependency for a
// handful of scalar keys.
func parseTOML(data string, cfg *Config) error {
	for lineNum, line := range strings.Split(data, "\n") {
		if idx := strings.Index(line, "#"); idx != -1 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("line %d: invalid syntax: %s", lineNum+1, line)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		if err := applyConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNum+1, err)
		}
	}
	return nil
}

func applyConfigValue(cfg *Config, key, value string) error {
	switch key {
	case "data_root":
		cfg.DataRoot = value
	case "security_level_de":
		cfg.SecurityLevelDE = value
	case "security_level_ce":
		cfg.SecurityLevelCE = value
	case "queued_sync_limit":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid queued_sync_limit value: %s", value)
		}
		cfg.QueuedSyncLimit = n
	case "manual_sync_enabled":
		cfg.ManualSyncEnabled = strings.ToLower(value) == "true" || value == "1"
	case "discovery_enabled":
		cfg.DiscoveryEnabled = strings.ToLower(value) == "true" || value == "1"
	case "root_key_gen_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid root_key_gen_attempts value: %s", value)
		}
		cfg.RootKeyGenAttempts = n
	case "secret_ttl_days":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid secret_ttl_days value: %s", value)
		}
		cfg.SecretTTLDays = n
	case "log_level":
		cfg.LogLevel = value
	case "log_json":
		cfg.LogJSON = strings.ToLower(value) == "true" || value == "1"
	default:
		// ignore unknown keys for forward compatibility
	}
	return nil
}

// String renders the configuration for operator display.
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("EdgeKV Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Data Root:          %s\n", c.DataRoot))
	sb.WriteString(fmt.Sprintf("  Queued Sync Limit:  %d\n", c.QueuedSyncLimit))
	sb.WriteString(fmt.Sprintf("  Manual Sync:        %v\n", c.ManualSyncEnabled))
	sb.WriteString(fmt.Sprintf("  Discovery:          %v\n", c.DiscoveryEnabled))
	sb.WriteString(fmt.Sprintf("  Secret TTL (days):  %d\n", c.SecretTTLDays))
	sb.WriteString(fmt.Sprintf("  Log Level:          %s\n", c.LogLevel))
	sb.WriteString(fmt.Sprintf("  Log JSON:           %v\n", c.LogJSON))
	if c.ConfigFile != "" {
		sb.WriteString(fmt.Sprintf("  Config File:        %s\n", c.ConfigFile))
	}
	return sb.String()
}

// ToTOML returns the configuration rendered as a TOML file.
func (c *Config) ToTOML() string {
	var sb strings.Builder
	sb.WriteString("# EdgeKV Configuration File\n\n")
	sb.WriteString(fmt.Sprintf("data_root = \"%s\"\n", c.DataRoot))
	sb.WriteString(fmt.Sprintf("security_level_de = \"%s\"\n", c.SecurityLevelDE))
	sb.WriteString(fmt.Sprintf("security_level_ce = \"%s\"\n\n", c.SecurityLevelCE))
	sb.WriteString(fmt.Sprintf("queued_sync_limit = %d\n", c.QueuedSyncLimit))
	sb.WriteString(fmt.Sprintf("manual_sync_enabled = %v\n", c.ManualSyncEnabled))
	sb.WriteString(fmt.Sprintf("discovery_enabled = %v\n\n", c.DiscoveryEnabled))
	sb.WriteString(fmt.Sprintf("root_key_gen_attempts = %d\n", c.RootKeyGenAttempts))
	sb.WriteString(fmt.Sprintf("secret_ttl_days = %d\n\n", c.SecretTTLDays))
	sb.WriteString(fmt.Sprintf("log_level = \"%s\"\n", c.LogLevel))
	sb.WriteString(fmt.Sprintf("log_json = %v\n", c.LogJSON))
	return sb.String()
}

// SaveToFile writes the configuration to path, creating parent directories as needed.
func (c *Config) SaveToFile(path string) error {
	path = os.ExpandEnv(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(c.ToTOML()), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
