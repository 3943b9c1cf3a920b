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
Package keymgr derives, persists, rotates, and recovers per-store secret
keys (spec component C2).

Every secret has two persisted copies: one wrapped by the root vault and
held in the meta store under a composite key, one raw on disk next to the
store's data directory. The two must agree on bytes; Invariant (iii)
(spec.md section 4.2) says the file copy wins on disagreement and is
written back to meta.

This mirrors the teacher's reserved-key-prefix persistence idiom in
internal/auth/auth.go (_sys_users:<name>, _sys_privs:<user>:<table>), here
applied to a composite ("KEY", "SINGLE_KEY", user, app, store, "default")
key instead of a username, with the meta copy wrapped by the root vault
rather than left plaintext.
*/
package keymgr

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"edgekv/internal/errors"
	"edgekv/internal/logging"
	"edgekv/internal/metastore"
	"edgekv/internal/model"
	"edgekv/internal/vault"
)

const secretFileName = ".secret_key"

// metaRecord is the JSON shape stored in the meta store: the vault-wrapped
// key bytes plus the creation timestamp used to compute Outdated.
type metaRecord struct {
	Wrapped   []byte    `json:"wrapped"`
	CreatedAt time.Time `json:"created_at"`
}

func metaKey(d model.Descriptor) string {
	return "KEY\x1fSINGLE_KEY\x1f" + string(d.UserID) + "\x1f" + string(d.AppID) + "\x1f" + d.StoreID + "\x1f" + "default"
}

// Manager is the concrete C2 implementation.
type Manager struct {
	vault vault.Vault
	meta  metastore.Store
	log   *logging.Logger
}

// New creates a Manager bound to the given vault and meta store.
func New(v vault.Vault, meta metastore.Store, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewLogger("keymgr")
	}
	return &Manager{vault: v, meta: meta, log: log}
}

func secretFilePath(d model.Descriptor) string {
	return filepath.Join(d.DataDir, secretFileName)
}

func readFileSecret(d model.Descriptor) ([]byte, bool, error) {
	raw, err := os.ReadFile(secretFilePath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.DBError("reading secret key file").WithCause(err)
	}
	if len(raw) != 32 {
		return nil, false, errors.CryptError("secret key file has unexpected length")
	}
	return raw, true, nil
}

func writeFileSecret(d model.Descriptor, raw []byte) error {
	if err := os.MkdirAll(d.DataDir, 0700); err != nil {
		return errors.DBError("creating store data directory").WithCause(err)
	}
	if err := os.WriteFile(secretFilePath(d), raw, 0600); err != nil {
		return errors.DBError("writing secret key file").WithCause(err)
	}
	return nil
}

// GetDBPassword returns the per-store secret, generating one on first use.
// Behavior follows spec.md section 4.2 steps 1-4 exactly.
func (m *Manager) GetDBPassword(d model.Descriptor) (model.SecretKey, bool, error) {
	fileRaw, fileExists, err := readFileSecret(d)
	if err != nil {
		return model.SecretKey{}, false, err
	}

	if !d.Encrypted {
		if fileExists {
			return model.SecretKey{}, false, errors.InvalidArgument("attempted plaintext open over an encrypted store")
		}
		return model.SecretKey{}, false, nil
	}

	mk := metaKey(d)
	metaVal, metaExists, err := m.meta.Get(mk)
	if err != nil {
		return model.SecretKey{}, false, err
	}

	if metaExists {
		var rec metaRecord
		if err := json.Unmarshal(metaVal, &rec); err != nil {
			return model.SecretKey{}, false, errors.DBError("decoding meta secret record").WithCause(err)
		}
		raw, err := m.vault.Decrypt(rec.Wrapped)
		if err != nil {
			return model.SecretKey{}, false, errors.CryptError("unwrapping meta-resident secret").WithCause(err)
		}

		if fileExists && !bytesEqual(raw, fileRaw) {
			m.log.Warn("meta and file secret copies disagree, file copy wins", "store", d.StoreID)
			zero(raw)
			if err := m.writeMetaSecret(d, fileRaw, time.Now()); err != nil {
				return model.SecretKey{}, false, err
			}
			return model.SecretKey{Raw: append([]byte(nil), fileRaw...), CreatedAt: time.Now()}, false, nil
		}

		secret := model.SecretKey{Raw: raw, CreatedAt: rec.CreatedAt}
		outdated := secret.Outdated()
		return secret, outdated, nil
	}

	if fileExists {
		if err := m.writeMetaSecret(d, fileRaw, time.Now()); err != nil {
			return model.SecretKey{}, false, err
		}
		return model.SecretKey{Raw: append([]byte(nil), fileRaw...), CreatedAt: time.Now()}, false, nil
	}

	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		return model.SecretKey{}, false, errors.CryptError("generating fresh secret").WithCause(err)
	}
	now := time.Now()
	if err := writeFileSecret(d, fresh); err != nil {
		return model.SecretKey{}, false, err
	}
	if err := m.writeMetaSecret(d, fresh, now); err != nil {
		return model.SecretKey{}, false, err
	}
	return model.SecretKey{Raw: append([]byte(nil), fresh...), CreatedAt: now}, false, nil
}

func (m *Manager) writeMetaSecret(d model.Descriptor, raw []byte, createdAt time.Time) error {
	wrapped, err := m.vault.Encrypt(raw)
	if err != nil {
		return errors.CryptError("wrapping secret for meta store").WithCause(err)
	}
	rec := metaRecord{Wrapped: wrapped, CreatedAt: createdAt}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.DBError("encoding meta secret record").WithCause(err)
	}
	return m.meta.Put(metaKey(d), data)
}

// DelDBPassword removes both copies of the secret.
func (m *Manager) DelDBPassword(d model.Descriptor) error {
	if err := m.meta.Delete(metaKey(d)); err != nil {
		return err
	}
	if err := os.Remove(secretFilePath(d)); err != nil && !os.IsNotExist(err) {
		return errors.DBError("removing secret key file").WithCause(err)
	}
	return nil
}

// Rekeyer re-encrypts a store's underlying data with a new secret. Supplied
// by the registry so keymgr does not need to know how a store's bytes are
// re-encrypted in place.
type Rekeyer interface {
	Rekey(d model.Descriptor, oldSecret, newSecret []byte) error
}

// ReKey synchronously replaces the store's secret with a fresh one, via the
// supplied Rekeyer, then overwrites both persisted copies. Any failure
// before the Rekeyer call succeeds leaves the old key usable.
func (m *Manager) ReKey(d model.Descriptor, r Rekeyer) error {
	old, _, err := m.GetDBPassword(d)
	if err != nil {
		return err
	}
	defer old.Zeroize()

	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		return errors.CryptError("generating rekey secret").WithCause(err)
	}
	defer zero(fresh)

	if err := r.Rekey(d, old.Raw, fresh); err != nil {
		return errors.DBError("rekeying store").WithCause(err)
	}

	now := time.Now()
	if err := writeFileSecret(d, fresh); err != nil {
		return err
	}
	return m.writeMetaSecret(d, fresh, now)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
