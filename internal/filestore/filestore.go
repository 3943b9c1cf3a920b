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
Package filestore is a reference model.Backend implementation.

spec.md section 1 puts the store's actual on-disk byte layout out of
scope — Backend is an external collaborator contract (SPEC_FULL.md
section 4's BackupDescriptor note applies the same way here). cmd/edgekv-agentd
still needs something concrete to hand the registry, so this package
provides one: each store is one internal/metastore.WALStore rooted at
the descriptor's data directory, with every value AES-256-GCM sealed
under the store's per-descriptor secret before it touches disk. This
mirrors the teacher's internal/storage/kv.go WAL+map idiom (already
reused once for internal/metastore) rather than inventing a second
persistence shape.
*/
package filestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sync"

	"edgekv/internal/errors"
	"edgekv/internal/logging"
	"edgekv/internal/metastore"
	"edgekv/internal/model"
)

const rowsLogName = "rows.log"

// FileStore is the concrete model.Backend and syncengine.RowSource used
// by cmd/edgekv-agentd.
type FileStore struct {
	mu       sync.Mutex
	dataRoot string
	log      *logging.Logger
	open     map[string]*openStore
}

type openStore struct {
	wal    *metastore.WALStore
	secret []byte
}

// New creates a FileStore rooted at dataRoot.
func New(dataRoot string, log *logging.Logger) *FileStore {
	if log == nil {
		log = logging.NewLogger("filestore")
	}
	return &FileStore{
		dataRoot: dataRoot,
		log:      log,
		open:     make(map[string]*openStore),
	}
}

func (f *FileStore) dirFor(d model.Descriptor) string {
	return filepath.Join(f.dataRoot, d.SecurityLevel.String(), string(d.UserID), string(d.AppID), d.StoreID)
}

// canaryKey is a reserved row key (the \x00 prefix can't collide with a
// real hashKey, which is always a hex digest) holding a marker value
// sealed under the store's current secret. Open uses it to detect a
// secret that no longer matches what the store was last written with,
// classifying the mismatch as CryptError so the registry routes it to
// recovery (C5) per spec.md section 4.5.
const canaryKey = "\x00canary"

var canaryPlain = []byte("edgekv-canary")

// Open implements model.Backend. outdated is always false: this
// reference backend has no independent on-disk key-version tracking
// beyond what the secret manager (C2) already maintains.
func (f *FileStore) Open(d model.Descriptor, secret []byte, createIfMissing bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := d.Key()
	if _, ok := f.open[key]; ok {
		return false, nil
	}

	dir := f.dirFor(d)
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return false, errors.DBError("statting store directory").WithCause(err)
		}
		if !createIfMissing {
			return false, errors.StoreNotOpen("store directory does not exist")
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return false, errors.DBError("creating store directory").WithCause(err)
		}
	}

	wal, err := metastore.Open(filepath.Join(dir, rowsLogName), f.log)
	if err != nil {
		return false, err
	}

	sealedCanary, ok, err := wal.Get(canaryKey)
	if err != nil {
		wal.Close()
		return false, err
	}
	if !ok {
		sealed, err := seal(secret, canaryPlain)
		if err != nil {
			wal.Close()
			return false, errors.CryptError("sealing canary row").WithCause(err)
		}
		if err := wal.Put(canaryKey, sealed); err != nil {
			wal.Close()
			return false, err
		}
	} else if _, err := open(secret, sealedCanary); err != nil {
		wal.Close()
		return false, errors.CryptError("secret does not match store's canary row").WithCause(err)
	}

	secretCopy := make([]byte, len(secret))
	copy(secretCopy, secret)
	f.open[key] = &openStore{wal: wal, secret: secretCopy}
	return false, nil
}

// Close implements model.Backend.
func (f *FileStore) Close(d model.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := d.Key()
	st, ok := f.open[key]
	if !ok {
		return nil
	}
	delete(f.open, key)
	zero(st.secret)
	return st.wal.Close()
}

// Delete implements model.Backend: removes the store's directory
// entirely. The store must already be closed.
func (f *FileStore) Delete(d model.Descriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[d.Key()]; ok {
		return errors.IllegalState("cannot delete an open store")
	}
	if err := os.RemoveAll(f.dirFor(d)); err != nil {
		return errors.DBError("deleting store directory").WithCause(err)
	}
	return nil
}

// Rekey implements model.Backend: re-encrypts every row under newSecret.
func (f *FileStore) Rekey(d model.Descriptor, oldSecret, newSecret []byte) error {
	f.mu.Lock()
	st, ok := f.open[d.Key()]
	f.mu.Unlock()
	if !ok {
		return errors.StoreNotOpen("store is not open")
	}

	rows, err := st.wal.Scan("")
	if err != nil {
		return err
	}
	for hashKey, sealed := range rows {
		plain, err := open(oldSecret, sealed)
		if err != nil {
			return errors.CryptError("rekey: decrypting row under old secret").WithCause(err)
		}
		resealed, err := seal(newSecret, plain)
		if err != nil {
			return errors.CryptError("rekey: encrypting row under new secret").WithCause(err)
		}
		if err := st.wal.Put(hashKey, resealed); err != nil {
			return err
		}
	}

	f.mu.Lock()
	copy(st.secret, newSecret)
	f.mu.Unlock()
	return nil
}

// RowCount implements model.Backend.
func (f *FileStore) RowCount(d model.Descriptor) (int, error) {
	f.mu.Lock()
	st, ok := f.open[d.Key()]
	f.mu.Unlock()
	if !ok {
		return 0, errors.StoreNotOpen("store is not open")
	}
	rows, err := st.wal.Scan("")
	if err != nil {
		return 0, err
	}
	count := len(rows)
	if _, ok := rows[canaryKey]; ok {
		count--
	}
	return count, nil
}

// AllRows returns the plaintext of every row in an open store, keyed by
// hashKey. Used by cmd/edgekv-shell's manual backup command, the
// counterpart to Import's bulk write.
func (f *FileStore) AllRows(d model.Descriptor) (map[string][]byte, error) {
	f.mu.Lock()
	st, ok := f.open[d.Key()]
	f.mu.Unlock()
	if !ok {
		return nil, errors.StoreNotOpen("store is not open")
	}
	sealedRows, err := st.wal.Scan("")
	if err != nil {
		return nil, err
	}
	plain := make(map[string][]byte, len(sealedRows))
	for hashKey, sealed := range sealedRows {
		if hashKey == canaryKey {
			continue
		}
		row, err := open(st.secret, sealed)
		if err != nil {
			return nil, errors.CryptError("decrypting row for backup").WithCause(err)
		}
		plain[hashKey] = row
	}
	return plain, nil
}

// Import implements model.Backend: used by recovery (C5) to replay rows
// recovered from a BackupSource.
func (f *FileStore) Import(d model.Descriptor, rows map[string][]byte) error {
	f.mu.Lock()
	st, ok := f.open[d.Key()]
	f.mu.Unlock()
	if !ok {
		return errors.StoreNotOpen("store is not open")
	}
	for hashKey, plain := range rows {
		sealed, err := seal(st.secret, plain)
		if err != nil {
			return errors.CryptError("import: encrypting recovered row").WithCause(err)
		}
		if err := st.wal.Put(hashKey, sealed); err != nil {
			return err
		}
	}
	return nil
}

// RowBytes implements internal/syncengine.RowSource: plaintext bytes for
// one row of an open store, addressed by hashKey. table is accepted for
// interface symmetry with the relational change log but this backend
// keys purely by hashKey within a store.
func (f *FileStore) RowBytes(table, hashKey string) ([]byte, bool, error) {
	f.mu.Lock()
	var match *openStore
	for _, st := range f.open {
		match = st
		break
	}
	f.mu.Unlock()
	if match == nil {
		return nil, false, nil
	}

	sealed, ok, err := match.wal.Get(hashKey)
	if err != nil || !ok {
		return nil, ok, err
	}
	plain, err := open(match.secret, sealed)
	if err != nil {
		return nil, false, errors.CryptError("decrypting row").WithCause(err)
	}
	return plain, true, nil
}

func seal(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.CryptError("sealed row too short")
	}
	nonce, cipherText := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, cipherText, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
