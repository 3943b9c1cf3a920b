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

package changelog

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"edgekv/internal/errors"
	"edgekv/internal/metastore"
	"edgekv/internal/model"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	meta, err := metastore.Open(filepath.Join(dir, "meta.log"), nil)
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	return New(meta, nil)
}

func TestCaptureLocalInsertThenDelete(t *testing.T) {
	m := setupManager(t)

	e1, err := m.CaptureLocal("users", "1", "hash-a", false)
	if err != nil {
		t.Fatalf("CaptureLocal insert: %v", err)
	}
	if e1.Flag != model.LogLocal {
		t.Errorf("expected LogLocal flag, got %v", e1.Flag)
	}
	if e1.DataKey != "1" {
		t.Errorf("expected dataKey 1, got %s", e1.DataKey)
	}

	e2, err := m.CaptureLocal("users", "1", "hash-a", true)
	if err != nil {
		t.Fatalf("CaptureLocal delete: %v", err)
	}
	if e2.DataKey != "-1" {
		t.Errorf("expected dataKey -1 on delete, got %s", e2.DataKey)
	}
	if e2.Flag&model.LogDelete == 0 {
		t.Errorf("expected LogDelete flag set")
	}
	if e2.Timestamp <= e1.Timestamp {
		t.Errorf("expected strictly increasing timestamps, got %d then %d", e1.Timestamp, e2.Timestamp)
	}
}

func TestApplyRemoteBatchUpsertAndDelete(t *testing.T) {
	m := setupManager(t)

	batch := []model.LogEntry{
		{DataKey: "5", Timestamp: 10, Flag: model.LogRemote, HashKey: "h1", Device: "peerA"},
		{DataKey: "6", Timestamp: 11, Flag: model.LogRemote, HashKey: "h2", Device: "peerA"},
	}
	rows := map[string][]byte{"h1": []byte("row1"), "h2": []byte("row2")}

	if err := m.ApplyRemoteBatch("users", "peerA", nil, batch, rows); err != nil {
		t.Fatalf("ApplyRemoteBatch: %v", err)
	}

	row, ok, err := m.MirrorRow("users", "peerA", "h1")
	if err != nil || !ok {
		t.Fatalf("expected mirror row h1 present, ok=%v err=%v", ok, err)
	}
	if string(row) != "row1" {
		t.Errorf("expected row1, got %s", row)
	}

	wm, err := m.Watermark("users", "peerA")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm != 11 {
		t.Errorf("expected watermark 11, got %d", wm)
	}

	deleteBatch := []model.LogEntry{
		{DataKey: "-1", Timestamp: 12, Flag: model.LogRemote | model.LogDelete, HashKey: "h1", Device: "peerA"},
	}
	if err := m.ApplyRemoteBatch("users", "peerA", nil, deleteBatch, nil); err != nil {
		t.Fatalf("ApplyRemoteBatch delete: %v", err)
	}
	if _, ok, _ := m.MirrorRow("users", "peerA", "h1"); ok {
		t.Errorf("expected mirror row h1 removed after delete batch")
	}
}

func TestApplyRemoteBatchMissingRowFailsWholeBatch(t *testing.T) {
	m := setupManager(t)

	batch := []model.LogEntry{
		{DataKey: "1", Timestamp: 1, Flag: model.LogRemote, HashKey: "h1", Device: "peerA"},
	}
	err := m.ApplyRemoteBatch("users", "peerA", nil, batch, nil)
	if errors.Of(err) != errors.CodeDBError {
		t.Errorf("expected DBError for missing row payload, got %v", err)
	}
	if _, ok, _ := m.MirrorRow("users", "peerA", "h1"); ok {
		t.Errorf("expected no partial mirror write on failed batch")
	}
}

func TestApplyRemoteBatchRejectsIncompatiblePeerSchema(t *testing.T) {
	m := setupManager(t)
	if err := m.SetSchema("users", Schema{{Name: "id", Type: "int"}}); err != nil {
		t.Fatalf("SetSchema: %v", err)
	}

	batch := []model.LogEntry{
		{DataKey: "1", Timestamp: 1, Flag: model.LogRemote, HashKey: "h1", Device: "peerA"},
	}
	rows := map[string][]byte{"h1": []byte("row1")}
	peerSchema := Schema{{Name: "id", Type: "text"}}

	err := m.ApplyRemoteBatch("users", "peerA", peerSchema, batch, rows)
	if errors.Of(err) != errors.CodeDBError {
		t.Errorf("expected DBError for incompatible peer schema, got %v", err)
	}
	if _, ok, _ := m.MirrorRow("users", "peerA", "h1"); ok {
		t.Errorf("expected no mirror write when peer schema is incompatible")
	}
}

func TestApplyRemoteBatchDecodesLegacyColumnEncoding(t *testing.T) {
	m := setupManager(t)
	if err := m.SetSchema("users", Schema{
		{Name: "id", Type: "int"},
		{Name: "name", Type: "text", Encoding: EncodingLatin1},
	}); err != nil {
		t.Fatalf("SetSchema: %v", err)
	}

	latin1Bytes, err := GetEncoder(EncodingLatin1).Encode("café")
	if err != nil {
		t.Fatalf("encoding latin1 fixture: %v", err)
	}
	row, err := json.Marshal(map[string][]byte{"id": []byte("1"), "name": latin1Bytes})
	if err != nil {
		t.Fatalf("marshal row: %v", err)
	}

	batch := []model.LogEntry{
		{DataKey: "1", Timestamp: 1, Flag: model.LogRemote, HashKey: "h1", Device: "peerA"},
	}
	peerSchema := Schema{
		{Name: "id", Type: "int"},
		{Name: "name", Type: "text", Encoding: EncodingLatin1},
	}
	if err := m.ApplyRemoteBatch("users", "peerA", peerSchema, batch, map[string][]byte{"h1": row}); err != nil {
		t.Fatalf("ApplyRemoteBatch: %v", err)
	}

	mirrored, ok, err := m.MirrorRow("users", "peerA", "h1")
	if err != nil || !ok {
		t.Fatalf("expected mirror row h1 present, ok=%v err=%v", ok, err)
	}
	var cols map[string][]byte
	if err := json.Unmarshal(mirrored, &cols); err != nil {
		t.Fatalf("unmarshal mirrored row: %v", err)
	}
	if string(cols["name"]) != "café" {
		t.Errorf("expected name decoded to UTF-8 café, got %q", cols["name"])
	}
}

func TestGetSyncDataOrderingAndMissQuery(t *testing.T) {
	m := setupManager(t)

	m.CaptureLocal("users", "1", "h1", false)
	m.CaptureLocal("users", "2", "h2", false)
	m.CaptureLocal("users", "3", "h3", false)

	onlyH2 := Query{Match: func(dataKey, hashKey string) bool { return hashKey == "h2" }}
	batch, token, err := m.GetSyncData("users", onlyH2, 0, 1<<62, 1<<20)
	if err != nil {
		t.Fatalf("GetSyncData: %v", err)
	}
	if token != "" {
		t.Errorf("expected no continuation token for a small batch, got %q", token)
	}
	if len(batch) != 3 {
		t.Fatalf("expected all 3 entries in range, got %d", len(batch))
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].Timestamp <= batch[i-1].Timestamp {
			t.Errorf("expected strictly ascending timestamps")
		}
	}
	for _, e := range batch {
		wantMiss := e.HashKey != "h2"
		gotMiss := e.Flag&model.LogMissQuery != 0
		if wantMiss != gotMiss {
			t.Errorf("hashKey %s: expected miss-query=%v, got %v", e.HashKey, wantMiss, gotMiss)
		}
	}
}

func TestGetSyncDataBlockCapReturnsUnfinishedToken(t *testing.T) {
	m := setupManager(t)
	for i := 0; i < 5; i++ {
		m.CaptureLocal("users", string(rune('a'+i)), "h"+string(rune('a'+i)), false)
	}

	batch, token, err := m.GetSyncData("users", Query{}, 0, 1<<62, 1)
	if err != nil {
		t.Fatalf("GetSyncData: %v", err)
	}
	if token == "" {
		t.Errorf("expected an Unfinished continuation token when blockCap is exceeded")
	}
	if len(batch) != 0 {
		t.Errorf("expected first batch empty given a 1-byte block cap, got %d entries", len(batch))
	}
}

func TestRepairClockRestoresMonotonicity(t *testing.T) {
	m := setupManager(t)
	m.CaptureLocal("users", "1", "h1", false)

	m.clock.mu.Lock()
	m.clock.nonSyncable = true
	m.clock.mu.Unlock()

	if _, err := m.clock.Next(); err == nil {
		t.Fatalf("expected Next to fail while non-syncable")
	}

	if err := m.RepairClock("users"); err != nil {
		t.Fatalf("RepairClock: %v", err)
	}
	if !m.clock.Syncable() {
		t.Errorf("expected clock syncable after repair")
	}
	if _, err := m.clock.Next(); err != nil {
		t.Errorf("expected Next to succeed after repair, got %v", err)
	}
}

func TestSchemaCompatiblePrefixExtension(t *testing.T) {
	local := Schema{{Name: "id", Type: "int"}, {Name: "name", Type: "text"}}
	peer := Schema{
		{Name: "id", Type: "int"},
		{Name: "name", Type: "text"},
		{Name: "created_at", Type: "int", Default: "0"},
	}
	if err := CheckCompatible(local, peer); err != nil {
		t.Errorf("expected prefix-extension schema to be compatible, got %v", err)
	}
}

func TestSchemaMismatchOnTypeDisagreement(t *testing.T) {
	local := Schema{{Name: "id", Type: "int"}}
	peer := Schema{{Name: "id", Type: "text"}}
	err := CheckCompatible(local, peer)
	if errors.Of(err) != errors.CodeDBError {
		t.Errorf("expected DBError for schema type mismatch, got %v", err)
	}
}

func TestSchemaMismatchOnMissingDefaultForExtraColumn(t *testing.T) {
	local := Schema{{Name: "id", Type: "int"}}
	peer := Schema{
		{Name: "id", Type: "int"},
		{Name: "extra", Type: "text"},
	}
	err := CheckCompatible(local, peer)
	if errors.Of(err) != errors.CodeDBError {
		t.Errorf("expected DBError for extra column missing a default, got %v", err)
	}
}
