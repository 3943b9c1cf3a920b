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

package recovery

import (
	"sync"
	"testing"

	"edgekv/internal/collab"
	"edgekv/internal/errors"
	"edgekv/internal/model"
)

// fakeBackend is a minimal model.Backend fake: corrupt simulates a
// data-file that returns CryptError until a Delete+Open cycle clears it,
// mirroring S2's "simulate data-file corruption" pre-state.
type fakeBackend struct {
	mu       sync.Mutex
	opened   bool
	corrupt  bool
	rows     map[string][]byte
	deleteCt int
}

func (b *fakeBackend) Open(d model.Descriptor, secret []byte, createIfMissing bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.corrupt {
		return false, errors.CryptError("simulated corruption")
	}
	b.opened = true
	return false, nil
}

func (b *fakeBackend) Close(d model.Descriptor) error { return nil }

func (b *fakeBackend) Delete(d model.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.corrupt = false
	b.opened = false
	b.rows = nil
	b.deleteCt++
	return nil
}

func (b *fakeBackend) Rekey(d model.Descriptor, oldSecret, newSecret []byte) error { return nil }

func (b *fakeBackend) RowCount(d model.Descriptor) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows), nil
}

func (b *fakeBackend) Import(d model.Descriptor, rows map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = rows
	return nil
}

func testDescriptor() model.Descriptor {
	return model.Descriptor{
		UserID:        "user1",
		AppID:         "ohos.app.a",
		StoreID:       "s1",
		Kind:          model.KindSingle,
		Encrypted:     true,
		SecurityLevel: model.SecurityLevelCE,
		DataDir:       "/tmp/s1",
	}
}

// S2 — corruption + backup recovery.
func TestS2CorruptionBackupRecovery(t *testing.T) {
	d := testDescriptor()
	backups := collab.NewFakeBackupSource()
	backupRows := map[string][]byte{"k1": []byte("v1"), "k2": []byte("v2")}
	backups.Put(d, d.SecurityLevel, backupRows)

	backend := &fakeBackend{corrupt: true}
	coord := New(backups, nil)

	err := coord.Recover(d, backend, []byte("secret"))
	if err != nil {
		t.Fatalf("expected RecoverSuccess (nil), got %v", err)
	}

	if backend.deleteCt != 1 {
		t.Errorf("expected store to be deleted exactly once, got %d", backend.deleteCt)
	}
	if !backend.opened {
		t.Errorf("expected store reopened after recovery")
	}

	rc, err := backend.RowCount(d)
	if err != nil {
		t.Fatalf("RowCount: %v", err)
	}
	if rc != len(backupRows) {
		t.Errorf("expected row count %d to match backup, got %d", len(backupRows), rc)
	}
}

// No backup present: recovery cannot proceed past the backup check and
// must surface CryptError rather than silently reporting success.
func TestRecoverNoBackupReportsCryptError(t *testing.T) {
	d := testDescriptor()
	backups := collab.NewFakeBackupSource()
	backend := &fakeBackend{corrupt: true}
	coord := New(backups, nil)

	err := coord.Recover(d, backend, []byte("secret"))
	if errors.Of(err) != errors.CodeCryptError {
		t.Errorf("expected CryptError with no backup present, got %v", err)
	}
	if backend.deleteCt != 0 {
		t.Errorf("expected no delete attempted without a backup, got %d", backend.deleteCt)
	}
}

// Invariant 2: once rekeyed, opening with the prior secret bytes fails
// CryptError while the recovery path using the current secret succeeds.
// Recovery itself is secret-agnostic — it deletes and rebuilds regardless
// of which secret bytes are handed to it — so this models the scenario at
// the backend boundary that reKey (C2) is responsible for enforcing.
func TestRecoverSecretAgnosticOfPriorKey(t *testing.T) {
	d := testDescriptor()
	backups := collab.NewFakeBackupSource()
	backups.Put(d, d.SecurityLevel, map[string][]byte{"k1": []byte("v1")})

	backend := &fakeBackend{corrupt: true}
	coord := New(backups, nil)

	oldSecret := []byte("stale-secret")
	if err := coord.Recover(d, backend, oldSecret); err != nil {
		t.Fatalf("expected RecoverSuccess, got %v", err)
	}

	backend.mu.Lock()
	backend.corrupt = true
	backend.mu.Unlock()

	newSecret := []byte("current-secret")
	if err := coord.Recover(d, backend, newSecret); err != nil {
		t.Fatalf("expected RecoverSuccess on second recovery, got %v", err)
	}
	if backend.deleteCt != 2 {
		t.Errorf("expected two independent recoveries to each delete once, got %d", backend.deleteCt)
	}
}
