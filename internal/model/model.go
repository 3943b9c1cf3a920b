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

// Package model holds the domain types shared across every EdgeKV
// subsystem: store descriptors, secret keys, device identity, and the
// relational change-log entry shape. Kept dependency-free so vault,
// keymgr, metastore, registry, recovery, changelog, syncqueue, and
// syncengine can all import it without a cycle.
package model

import "time"

// StoreKind distinguishes a plain key-value store from a relational one.
// Per spec.md section 4.4 step 1, multi-version stores route only through
// the legacy (single) path regardless of their declared kind.
type StoreKind int

const (
	KindSingle StoreKind = iota
	KindRelational
)

func (k StoreKind) String() string {
	if k == KindRelational {
		return "relational"
	}
	return "single"
}

// SecurityLevel mirrors OpenHarmony's device-encryption classes: data
// available before first unlock (DE) versus only after (CE).
type SecurityLevel int

const (
	SecurityLevelDE SecurityLevel = iota
	SecurityLevelCE
)

func (l SecurityLevel) String() string {
	if l == SecurityLevelCE {
		return "CE"
	}
	return "DE"
}

// UserID and AppID are opaque identifiers bounded to 256 bytes per
// spec.md section 4.4 step 1.
type UserID string
type AppID string

// Descriptor is the triple (userId, appId, storeId) plus the runtime
// properties spec.md section 3 assigns to a StoreDescriptor. The triple is
// globally unique; Version increases monotonically across format upgrades.
type Descriptor struct {
	UserID        UserID
	AppID         AppID
	StoreID       string
	Kind          StoreKind
	Encrypted     bool
	AutoSync      bool
	BackupEnabled bool
	SecurityLevel SecurityLevel
	Schema        string
	DataDir       string
	Version       uint32
}

// MaxIDBytes bounds the length of AppID/StoreID per spec.md section 4.4.
const MaxIDBytes = 256

// Key returns a stable string form of the triple, used as the meta store
// key prefix for everything scoped to this store.
func (d Descriptor) Key() string {
	return string(d.UserID) + "\x1f" + string(d.AppID) + "\x1f" + d.StoreID
}

// Empty reports whether the descriptor carries no identifying triple.
func (d Descriptor) Empty() bool {
	return d.UserID == "" || d.AppID == "" || d.StoreID == ""
}

// SecretKey is the 32-byte symmetric key protecting one store. Raw must be
// zeroized by the holder on every exit path; CreatedAt anchors the one-year
// validity window spec.md section 4.2 names.
type SecretKey struct {
	Raw       []byte
	CreatedAt time.Time
}

// SecretTTL is the validity window after which a SecretKey is outdated.
const SecretTTL = 365 * 24 * time.Hour

// Outdated reports whether this secret has exceeded its validity window.
func (s SecretKey) Outdated() bool {
	return time.Since(s.CreatedAt) > SecretTTL
}

// Zeroize overwrites the key's raw bytes in place.
func (s *SecretKey) Zeroize() {
	for i := range s.Raw {
		s.Raw[i] = 0
	}
}

// DeviceIdentity is the local or remote peer identity surfaced by the sync
// engine's device list (spec.md section 6 RPC surface, SPEC_FULL.md
// section 4 addition).
type DeviceIdentity struct {
	DeviceID   [32]byte
	Nickname   string
	LastSeenAt time.Time
	Online     bool
}

// LogFlag classifies a relational change-log entry. Flags are a bitset:
// combinations like Local|Delete are valid.
type LogFlag int

const (
	LogLocal LogFlag = 1 << iota
	LogRemote
	LogDelete
	LogMissQuery
)

// LogEntry is one row of the per-table relational change log (spec.md
// section 3, section 4.6).
type LogEntry struct {
	DataKey   string
	Timestamp int64
	Flag      LogFlag
	HashKey   string
	Device    string
}

// Capability restricts which columns of a table a remote query may
// reference, supplementing spec.md's relational layer from
// original_source's kvdb capability concept (SPEC_FULL.md section 4).
type Capability struct {
	TableName string
	Columns   []string
}

// BackupDescriptor is the read contract recovery (C5) depends on; the
// backup file's own layout stays out of scope per spec.md section 1.
type BackupDescriptor struct {
	Path          string
	SecurityLevel SecurityLevel
	CreatedAt     time.Time
	RowCount      int
}
