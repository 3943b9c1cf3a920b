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

package registry

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"edgekv/internal/collab"
	"edgekv/internal/errors"
	"edgekv/internal/keymgr"
	"edgekv/internal/metastore"
	"edgekv/internal/model"
	"edgekv/internal/vault"
)

// memBackend is an in-memory Backend fake for registry tests: it never
// touches disk, and CorruptNext lets a test simulate the crypt failure S2
// depends on.
type memBackend struct {
	mu      sync.Mutex
	opened  map[string]bool
	corrupt map[string]bool
}

func newMemBackend() *memBackend {
	return &memBackend{opened: make(map[string]bool), corrupt: make(map[string]bool)}
}

func (b *memBackend) Open(d model.Descriptor, secret []byte, createIfMissing bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.corrupt[d.Key()] {
		return false, errors.CryptError("simulated corruption")
	}
	if !b.opened[d.Key()] && !createIfMissing {
		return false, errors.StoreNotOpen("store does not exist")
	}
	b.opened[d.Key()] = true
	return false, nil
}

func (b *memBackend) Close(d model.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.opened, d.Key())
	return nil
}

func (b *memBackend) Delete(d model.Descriptor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.opened, d.Key())
	delete(b.corrupt, d.Key())
	return nil
}

func (b *memBackend) Rekey(d model.Descriptor, oldSecret, newSecret []byte) error {
	return nil
}

func (b *memBackend) RowCount(d model.Descriptor) (int, error) { return 0, nil }

func (b *memBackend) Import(d model.Descriptor, rows map[string][]byte) error { return nil }

type fixedKeyStore struct{ key []byte }

func (f *fixedKeyStore) Get(alias string) ([]byte, bool, error) { return f.key, true, nil }
func (f *fixedKeyStore) Put(alias string, value []byte) error   { f.key = value; return nil }

func setupTestRegistry(t *testing.T) (*Registry, *collab.FakeChecker, *collab.FakeAccountProvider, *memBackend, *collab.FakeBackupSource, func()) {
	dir := t.TempDir()
	meta, err := metastore.Open(filepath.Join(dir, "meta.log"), nil)
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}

	key := make([]byte, 32)
	v := vault.New(&fixedKeyStore{key: key}, nil)
	if _, err := v.Load(); err != nil {
		t.Fatalf("vault.Load: %v", err)
	}
	km := keymgr.New(v, meta, nil)

	checker := collab.NewFakeChecker()
	accounts := collab.NewFakeAccountProvider()
	accounts.SetUID(10001, "user1")
	accounts.SetUID(10002, "user2")

	backend := newMemBackend()
	backups := collab.NewFakeBackupSource()

	reg := New(checker, accounts, km, meta, backend, nil, backups, [32]byte{1}, nil)

	return reg, checker, accounts, backend, backups, func() { reg.Close(); meta.Close() }
}

func descFor(userID model.UserID, appID model.AppID, storeID string, dataDir string) model.Descriptor {
	return model.Descriptor{
		UserID:    userID,
		AppID:     appID,
		StoreID:   storeID,
		Kind:      model.KindSingle,
		Encrypted: true,
		DataDir:   dataDir,
	}
}

// S1 — new encrypted store.
func TestS1NewEncryptedStore(t *testing.T) {
	reg, _, _, _, _, cleanup := setupTestRegistry(t)
	defer cleanup()

	dir := t.TempDir()
	d := descFor("", "app.a", "s1", filepath.Join(dir, "s1"))
	opts := Options{Encrypt: true, KVStoreType: model.KindSingle, CreateIfMissing: true}

	handle, err := reg.OpenStore(10001, d, opts)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	if handle.RefCount() != 1 {
		t.Errorf("expected refcount 1, got %d", handle.RefCount())
	}

	meta, ok, err := reg.meta.Get(storeMetaKey(reg.deviceID, handle.Descriptor))
	if err != nil || !ok {
		t.Fatalf("expected StoreMeta record to be written, ok=%v err=%v", ok, err)
	}
	_ = meta

	plain := d
	plain.UserID = "user1"
	_, err = reg.OpenStore(10001, plain, Options{Encrypt: false, KVStoreType: model.KindSingle})
	if errors.Of(err) != errors.CodeInvalidArgument {
		t.Errorf("expected InvalidArgument opening encrypt=false over encrypted meta, got %v", err)
	}
}

// S3 — peer delete propagation.
func TestS3PeerDeletePropagation(t *testing.T) {
	reg, _, _, backend, _, cleanup := setupTestRegistry(t)
	defer cleanup()

	dir := t.TempDir()
	d := descFor("user1", "ohos.app.a", "s1", filepath.Join(dir, "s1"))
	opts := Options{Encrypt: true, KVStoreType: model.KindSingle, CreateIfMissing: true}

	handle, err := reg.OpenStore(10001, model.Descriptor{AppID: d.AppID, StoreID: d.StoreID, Kind: d.Kind, Encrypted: d.Encrypted, DataDir: d.DataDir}, opts)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}

	if err := reg.MarkDirty(handle.Descriptor); err != nil {
		t.Fatalf("MarkDirty failed: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		bucket := reg.bucketFor(handle.Descriptor.UserID)
		bucket.mu.Lock()
		_, stillOpen := bucket.handles[handle.Descriptor.Key()]
		bucket.mu.Unlock()
		if !stillOpen {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for peer-triggered delete to propagate")
		case <-time.After(10 * time.Millisecond):
		}
	}

	backend.mu.Lock()
	_, stillOpened := backend.opened[handle.Descriptor.Key()]
	backend.mu.Unlock()
	if stillOpened {
		t.Errorf("expected backend to have closed the store")
	}
}

// S5 — client death.
func TestS5ClientDeath(t *testing.T) {
	reg, _, _, backend, _, cleanup := setupTestRegistry(t)
	defer cleanup()

	dir := t.TempDir()
	d := model.Descriptor{AppID: "app.b", StoreID: "s1", Kind: model.KindSingle, Encrypted: true, DataDir: filepath.Join(dir, "s1")}
	opts := Options{Encrypt: true, KVStoreType: model.KindSingle, CreateIfMissing: true}

	handle, err := reg.OpenStore(10002, d, opts)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}

	if err := reg.OnClientDeath(handle.Descriptor.UserID, "app.b"); err != nil {
		t.Fatalf("OnClientDeath failed: %v", err)
	}

	bucket := reg.bucketFor(handle.Descriptor.UserID)
	bucket.mu.Lock()
	_, stillOpen := bucket.handles[handle.Descriptor.Key()]
	bucket.mu.Unlock()
	if stillOpen {
		t.Errorf("expected handle to be closed after client death")
	}

	backend.mu.Lock()
	_, stillOpened := backend.opened[handle.Descriptor.Key()]
	backend.mu.Unlock()
	if stillOpened {
		t.Errorf("expected backend store closed after client death")
	}
}

func TestOpenCloseRefcountInvariant(t *testing.T) {
	reg, _, _, _, _, cleanup := setupTestRegistry(t)
	defer cleanup()

	dir := t.TempDir()
	d := model.Descriptor{AppID: "app.c", StoreID: "s1", Kind: model.KindSingle, Encrypted: true, DataDir: filepath.Join(dir, "s1")}
	opts := Options{Encrypt: true, KVStoreType: model.KindSingle, CreateIfMissing: true}

	handle, err := reg.OpenStore(10001, d, opts)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	if err := reg.CloseStore(handle.Descriptor); err != nil {
		t.Fatalf("CloseStore failed: %v", err)
	}

	bucket := reg.bucketFor(handle.Descriptor.UserID)
	bucket.mu.Lock()
	_, stillOpen := bucket.handles[handle.Descriptor.Key()]
	bucket.mu.Unlock()
	if stillOpen {
		t.Errorf("expected handle to be gone from bucket after matching close")
	}
}

func TestOpenStorePermissionDenied(t *testing.T) {
	reg, checker, _, _, _, cleanup := setupTestRegistry(t)
	defer cleanup()
	checker.Deny("app.denied")

	dir := t.TempDir()
	d := model.Descriptor{AppID: "app.denied", StoreID: "s1", Kind: model.KindSingle, Encrypted: true, DataDir: filepath.Join(dir, "s1")}
	opts := Options{Encrypt: true, KVStoreType: model.KindSingle, CreateIfMissing: true}

	_, err := reg.OpenStore(10001, d, opts)
	if errors.Of(err) != errors.CodePermissionDenied {
		t.Errorf("expected PermissionDenied, got %v", err)
	}
}

// DeleteStore must remove backups at both security levels before touching
// local data, per spec.md section 4.4's mandated ordering.
func TestDeleteStoreRemovesBackupsFirst(t *testing.T) {
	reg, _, _, backend, backups, cleanup := setupTestRegistry(t)
	defer cleanup()

	dir := t.TempDir()
	d := descFor("user1", "app.d", "s1", filepath.Join(dir, "s1"))
	opts := Options{Encrypt: true, KVStoreType: model.KindSingle, CreateIfMissing: true}

	handle, err := reg.OpenStore(10001, model.Descriptor{AppID: d.AppID, StoreID: d.StoreID, Kind: d.Kind, Encrypted: d.Encrypted, DataDir: d.DataDir}, opts)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	backups.Put(handle.Descriptor, model.SecurityLevelDE, map[string][]byte{"h1": []byte("row")})
	backups.Put(handle.Descriptor, model.SecurityLevelCE, map[string][]byte{"h2": []byte("row")})

	if err := reg.DeleteStore(handle.Descriptor); err != nil {
		t.Fatalf("DeleteStore: %v", err)
	}

	if _, ok, _ := backups.Locate(handle.Descriptor, model.SecurityLevelDE); ok {
		t.Errorf("expected DE backup removed by DeleteStore")
	}
	if _, ok, _ := backups.Locate(handle.Descriptor, model.SecurityLevelCE); ok {
		t.Errorf("expected CE backup removed by DeleteStore")
	}

	backend.mu.Lock()
	_, stillOpened := backend.opened[handle.Descriptor.Key()]
	backend.mu.Unlock()
	if stillOpened {
		t.Errorf("expected backend store deleted")
	}
}

// DeleteStore must tolerate a nil BackupSource (agent modes that never wire
// one) by skipping backup removal rather than failing the delete.
func TestDeleteStoreToleratesNilBackupSource(t *testing.T) {
	dir := t.TempDir()
	meta, err := metastore.Open(filepath.Join(dir, "meta.log"), nil)
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	defer meta.Close()

	key := make([]byte, 32)
	v := vault.New(&fixedKeyStore{key: key}, nil)
	if _, err := v.Load(); err != nil {
		t.Fatalf("vault.Load: %v", err)
	}
	km := keymgr.New(v, meta, nil)
	checker := collab.NewFakeChecker()
	accounts := collab.NewFakeAccountProvider()
	accounts.SetUID(10001, "user1")
	backend := newMemBackend()

	reg := New(checker, accounts, km, meta, backend, nil, nil, [32]byte{1}, nil)
	defer reg.Close()

	storeDir := t.TempDir()
	d := descFor("user1", "app.e", "s1", filepath.Join(storeDir, "s1"))
	opts := Options{Encrypt: true, KVStoreType: model.KindSingle, CreateIfMissing: true}
	handle, err := reg.OpenStore(10001, model.Descriptor{AppID: d.AppID, StoreID: d.StoreID, Kind: d.Kind, Encrypted: d.Encrypted, DataDir: d.DataDir}, opts)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}

	if err := reg.DeleteStore(handle.Descriptor); err != nil {
		t.Fatalf("DeleteStore with nil backups: %v", err)
	}
}
