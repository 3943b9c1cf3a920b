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
Package changelog implements the relational change log (spec.md section
4.6): per-table local capture into a shadow log, transactional remote
apply into per-device mirror tables, and a lazy restartable sync-read
(GetSyncData). Durability is delegated to a metastore.Store — the shadow
log and mirror tables are just specially-prefixed keys in the same durable
map C3 already provides, rather than a second storage engine.
*/
package changelog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"edgekv/internal/errors"
	"edgekv/internal/logging"
	"edgekv/internal/metastore"
	"edgekv/internal/model"
)

const (
	// maxEntrySize is the 4 MiB per-entry cap spec.md section 4.6 names;
	// an entry whose encoded row exceeds it is skipped from sync reads.
	maxEntrySize = 4 * 1024 * 1024

	// backwardsTolerance bounds how far wall-clock time may move
	// backwards before TimeHelper treats it as tamper rather than normal
	// NTP jitter.
	backwardsTolerance = 5 * time.Second
)

// TimeHelper is the per-store monotonic clock LogEntry.Timestamp is drawn
// from: it advances with wall-clock time but is always strictly greater
// than the last value it handed out, and it refuses to hand out any more
// values once it has detected tamper or overflow.
type TimeHelper struct {
	mu          sync.Mutex
	last        int64
	nonSyncable bool
}

// NewTimeHelper constructs a TimeHelper with no prior observed timestamp.
func NewTimeHelper() *TimeHelper {
	return &TimeHelper{}
}

// Next returns the next strictly-increasing timestamp, or an error if the
// store has been marked non-syncable.
func (t *TimeHelper) Next() (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nonSyncable {
		return 0, errors.DBError("clock non-syncable, awaiting repair scan")
	}
	now := time.Now().UnixNano()
	if now <= t.last {
		behind := t.last - now
		if behind > int64(backwardsTolerance) {
			t.nonSyncable = true
			return 0, errors.DBError("wall clock moved backwards beyond tolerance, marking store non-syncable")
		}
		now = t.last + 1
	}
	if now <= t.last {
		t.nonSyncable = true
		return 0, errors.DBError("monotonic clock overflow, marking store non-syncable")
	}
	t.last = now
	return now, nil
}

// Syncable reports whether the clock is still handing out timestamps.
func (t *TimeHelper) Syncable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.nonSyncable
}

// Repair re-establishes monotonicity from the maximum timestamp observed
// in the existing log, clearing the non-syncable mark. Called by
// RepairClock after a rescan of meta_T_log.
func (t *TimeHelper) Repair(maxObserved int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if maxObserved > t.last {
		t.last = maxObserved
	}
	t.nonSyncable = false
}

// Query restricts a GetSyncData read. Match selects which rows belong to
// the query; rows in range that don't match are still emitted, flagged
// miss-query, so the peer can tombstone them locally. Limit/Offset/OrderBy
// mode (IsPaged) returns at most one batch with no continuation token.
type Query struct {
	Match   func(dataKey, hashKey string) bool
	IsPaged bool
	Limit   int
	Offset  int
	OrderBy string
}

func matchAll(string, string) bool { return true }

// deviceHash derives the stable per-device mirror-table suffix H(D).
func deviceHash(device string) string {
	sum := sha256.Sum256([]byte(device))
	return hex.EncodeToString(sum[:8])
}

func logKey(table, hashKey string) string {
	return "log:" + table + "\x1f" + hashKey
}

func logPrefix(table string) string {
	return "log:" + table + "\x1f"
}

func mirrorKey(table, device, hashKey string) string {
	return "mirror:" + table + "\x1f" + deviceHash(device) + "\x1f" + hashKey
}

func watermarkKey(table, device string) string {
	return "watermark:" + table + "\x1f" + deviceHash(device)
}

func capabilityKey(table string) string {
	return "capability:" + table
}

func schemaKey(table string) string {
	return "schema:" + table
}

// Manager is C6. One Manager is scoped to a single open store; its
// backing metastore.Store is that store's meta handle.
type Manager struct {
	mu    sync.Mutex
	meta  metastore.Store
	clock *TimeHelper
	log   *logging.Logger
}

// New constructs a Manager over the given durable store.
func New(meta metastore.Store, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewLogger("changelog")
	}
	return &Manager{meta: meta, clock: NewTimeHelper(), log: log}
}

// CaptureLocal records a local insert/update/delete against table for the
// row identified by hashKey (a SHA-256 over its primary-key columns).
// dataKey is the row's current rowid; on delete it is forced to "-1" per
// spec.md section 4.6, and hashKey remains the entry's storage key so
// there is exactly one entry per logical row even as dataKey changes
// across inserts, updates, and the terminal delete.
func (m *Manager) CaptureLocal(table, dataKey, hashKey string, deleted bool) (model.LogEntry, error) {
	ts, err := m.clock.Next()
	if err != nil {
		return model.LogEntry{}, err
	}

	flag := model.LogLocal
	if deleted {
		flag |= model.LogDelete
		dataKey = "-1"
	}
	entry := model.LogEntry{DataKey: dataKey, Timestamp: ts, Flag: flag, HashKey: hashKey, Device: ""}

	data, err := json.Marshal(entry)
	if err != nil {
		return model.LogEntry{}, errors.DBError("encoding log entry").WithCause(err)
	}
	if err := m.meta.Put(logKey(table, hashKey), data); err != nil {
		return model.LogEntry{}, err
	}
	return entry, nil
}

// SetSchema registers table's local column schema, so a later
// ApplyRemoteBatch carrying an older peer's schema can be checked for
// spec.md section 4.6 prefix-extension compatibility via CheckCompatible.
// A table with no registered schema skips compatibility checking.
func (m *Manager) SetSchema(table string, schema Schema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return errors.DBError("encoding schema").WithCause(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.Put(schemaKey(table), data)
}

// Schema returns table's registered local schema, or ok=false if SetSchema
// was never called for it.
func (m *Manager) Schema(table string) (schema Schema, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schemaLocked(table)
}

func (m *Manager) schemaLocked(table string) (Schema, bool, error) {
	data, ok, err := m.meta.Get(schemaKey(table))
	if err != nil || !ok {
		return nil, ok, err
	}
	var schema Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, false, errors.DBError("decoding stored schema for " + table).WithCause(err)
	}
	return schema, true, nil
}

// ApplyRemoteBatch applies a batch of remote LogEntry values from device
// against table's mirror. Every entry is validated (schema, row payload,
// legacy decode) before any row is mutated, so a rejected batch writes
// nothing; a storage error partway through the writes is not rolled back.
// rows supplies the upsert payload for entries that aren't deletes or
// miss-query, keyed by HashKey. peerSchema is the sending device's column
// schema for table; when table has a local schema registered (SetSchema),
// peerSchema is checked against it with CheckCompatible before any row is
// mutated, and any column peerSchema marks with a non-UTF-8 CharacterEncoding
// is decoded to canonical UTF-8 via GetEncoder. Pass a nil peerSchema for a
// peer that doesn't report one; the batch then applies as opaque bytes,
// same as before schema compatibility checking existed.
func (m *Manager) ApplyRemoteBatch(table, device string, peerSchema Schema, batch []model.LogEntry, rows map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if peerSchema != nil {
		local, ok, err := m.schemaLocked(table)
		if err != nil {
			return err
		}
		if ok {
			if err := CheckCompatible(local, peerSchema); err != nil {
				return err
			}
		}
	}

	type op struct {
		key    string
		delete bool
		value  []byte
	}
	var ops []op
	watermark := int64(0)

	for _, e := range batch {
		if e.Timestamp > watermark {
			watermark = e.Timestamp
		}
		mk := mirrorKey(table, device, e.HashKey)
		if e.Flag&model.LogDelete != 0 || e.Flag&model.LogMissQuery != 0 {
			ops = append(ops, op{key: mk, delete: true})
			continue
		}
		row, ok := rows[e.HashKey]
		if !ok {
			return errors.DBError("apply batch missing row payload for hash_key " + e.HashKey)
		}
		if peerSchema != nil {
			decoded, err := decodeLegacyColumns(peerSchema, row)
			if err != nil {
				return err
			}
			row = decoded
		}
		ops = append(ops, op{key: mk, value: row})
	}

	// Apply in one pass; metastore has no multi-key transaction primitive,
	// so atomicity here means "fail before mutating anything" — validated
	// above — rather than a true multi-key commit/rollback.
	for _, o := range ops {
		if o.delete {
			if err := m.meta.Delete(o.key); err != nil {
				return err
			}
			continue
		}
		if err := m.meta.Put(o.key, o.value); err != nil {
			return err
		}
	}

	if watermark > 0 {
		if err := m.meta.Put(watermarkKey(table, device), int64ToBytes(watermark)); err != nil {
			return err
		}
	}
	return nil
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
	return b
}

// SetCapability restricts which columns of table a remote query may
// reference, supplementing spec.md's relational layer per SPEC_FULL.md
// section 4 (grounded on original_source's kvdb capability concept).
func (m *Manager) SetCapability(cap model.Capability) error {
	data, err := json.Marshal(cap)
	if err != nil {
		return errors.DBError("encoding capability").WithCause(err)
	}
	return m.meta.Put(capabilityKey(cap.TableName), data)
}

// GetSyncData returns the next batch of LogEntry for table with timestamp
// in (since, until], ordered strictly ascending, honoring query and the
// 4 MiB per-entry / blockCap per-batch caps. A non-empty continuation
// token means the read is Unfinished; pass it back as since to resume.
func (m *Manager) GetSyncData(table string, query Query, since, until int64, blockCap int) (batch []model.LogEntry, token string, err error) {
	if query.Match == nil {
		query.Match = matchAll
	}

	raw, err := m.meta.Scan(logPrefix(table))
	if err != nil {
		return nil, "", err
	}

	entries := make([]model.LogEntry, 0, len(raw))
	for _, v := range raw {
		var e model.LogEntry
		if jerr := json.Unmarshal(v, &e); jerr != nil {
			continue
		}
		if e.Timestamp > since && e.Timestamp <= until {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })

	if query.IsPaged {
		start := query.Offset
		if start > len(entries) {
			start = len(entries)
		}
		end := len(entries)
		if query.Limit > 0 && start+query.Limit < end {
			end = start + query.Limit
		}
		return applyMissQuery(entries[start:end], query), "", nil
	}

	totalSize := 0
	result := make([]model.LogEntry, 0, len(entries))
	for _, e := range entries {
		size := len(e.DataKey) + len(e.HashKey) + len(e.Device) + 16
		if size > maxEntrySize {
			m.log.Warn("skipping oversized sync entry", "table", table, "hashKey", e.HashKey)
			continue
		}
		if totalSize+size > blockCap {
			return applyMissQuery(result, query), formatToken(e.Timestamp - 1), nil
		}
		totalSize += size
		result = append(result, e)
	}
	return applyMissQuery(result, query), "", nil
}

func applyMissQuery(entries []model.LogEntry, query Query) []model.LogEntry {
	out := make([]model.LogEntry, len(entries))
	for i, e := range entries {
		if e.Flag&model.LogDelete == 0 && !query.Match(e.DataKey, e.HashKey) {
			e.Flag |= model.LogMissQuery
		}
		out[i] = e
	}
	return out
}

func formatToken(ts int64) string {
	return hex.EncodeToString(int64ToBytes(ts))
}

// RepairClock rescans table's shadow log to find the maximum observed
// timestamp and resets the store's clock to it, clearing the non-syncable
// mark. Supplements spec.md section 4.6, which names "a scan repairs the
// clock" without specifying its contract (SPEC_FULL.md section 5.6).
func (m *Manager) RepairClock(table string) error {
	raw, err := m.meta.Scan(logPrefix(table))
	if err != nil {
		return err
	}
	var max int64
	for _, v := range raw {
		var e model.LogEntry
		if jerr := json.Unmarshal(v, &e); jerr != nil {
			continue
		}
		if e.Timestamp > max {
			max = e.Timestamp
		}
	}
	m.clock.Repair(max)
	return nil
}

// MirrorRow returns the current mirrored row for (table, device, hashKey),
// for callers and tests to inspect the effect of ApplyRemoteBatch.
func (m *Manager) MirrorRow(table, device, hashKey string) ([]byte, bool, error) {
	return m.meta.Get(mirrorKey(table, device, hashKey))
}

// Watermark returns the highest applied timestamp recorded for
// (table, device), or 0 if no batch has been applied yet.
func (m *Manager) Watermark(table, device string) (int64, error) {
	data, ok, err := m.meta.Get(watermarkKey(table, device))
	if err != nil || !ok {
		return 0, err
	}
	var v int64
	for _, b := range data {
		v = v<<8 | int64(b)
	}
	return v, nil
}
