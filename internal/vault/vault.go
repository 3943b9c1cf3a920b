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
Package vault holds the single process-wide root key and wraps/unwraps
per-store secrets with it (spec component C1).

Root Key Overview:
==================

The vault owns exactly one 32-byte AES-256 key, referenced by a fixed
alias. It never leaves the vault in plaintext: callers get ciphertext in,
plaintext out, and nothing else.

The AAD and nonce used for every Encrypt/Decrypt call are fixed,
process-wide constants (not per-call random values) — this vault wraps a
small number of 32-byte secrets once each, not a high-volume record stream,
so nonce reuse across those few wraps is an accepted tradeoff for a simpler
wire contract between the vault and the secret-key manager (see spec.md
section 4.1).

Lazy Initialization:
====================

If the root key alias does not resolve on first use, StartGenerator runs a
bounded retry loop in the background: up to 100 attempts, 1 second apart,
to materialize a fresh 32-byte key. Until that succeeds, Encrypt/Decrypt
return NotInitialized.
*/
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"edgekv/internal/errors"
	"edgekv/internal/logging"
)

const (
	// rootKeyAlias is the fixed alias under which the root key is stored.
	rootKeyAlias = "edgekv.root.v1"

	// aad is the fixed additional authenticated data for every wrap.
	aad = "edgekv-root-vault-v1"

	// keyDerivationIterations is the PBKDF2 iteration count used when the
	// root key is supplied as a passphrase rather than raw bytes.
	keyDerivationIterations = 100000

	// generatorMaxAttempts and generatorInterval bound the lazy root-key
	// generation loop per spec.md section 4.1.
	generatorMaxAttempts = 100
	generatorInterval    = time.Second
)

// fixedNonce is the process-wide 12-byte nonce used for every wrap/unwrap.
var fixedNonce = [12]byte{0x65, 0x64, 0x67, 0x65, 0x6b, 0x76, 0x2d, 0x72, 0x6b, 0x76, 0x31, 0x00}

// KeyStore is the durable place the vault persists its root key alias.
// A thin seam over the meta store so vault has no hard dependency on it.
type KeyStore interface {
	Get(alias string) ([]byte, bool, error)
	Put(alias string, value []byte) error
}

// Vault protects per-store secrets with a single process-wide root key.
type Vault interface {
	// Encrypt wraps plain under the root key. Fails with NotInit until the
	// root key has been generated or supplied.
	Encrypt(plain []byte) ([]byte, error)
	// Decrypt unwraps cipher under the root key.
	Decrypt(cipher []byte) ([]byte, error)
}

// RootVault is the concrete AES-256-GCM backed Vault.
type RootVault struct {
	mu    sync.RWMutex
	store KeyStore
	log   *logging.Logger
	gcm   cipher.AEAD // nil until the root key is available
}

// New creates a RootVault bound to the given key store. The root key is not
// loaded yet; call Load or StartGenerator to materialize it.
func New(store KeyStore, log *logging.Logger) *RootVault {
	if log == nil {
		log = logging.NewLogger("vault")
	}
	return &RootVault{store: store, log: log}
}

// Load attempts to resolve the root key alias immediately, without
// generating one. Returns false if the alias does not yet resolve.
func (v *RootVault) Load() (bool, error) {
	key, ok, err := v.store.Get(rootKeyAlias)
	if err != nil {
		return false, errors.DBError("loading root key").WithCause(err)
	}
	if !ok {
		return false, nil
	}
	return true, v.install(key)
}

// Seed returns root key material from an externally supplied 32-byte key
// or, failing that, derives it from passphrase with PBKDF2-SHA256. It does
// not install or persist the key: cmd/edgekv-agentd and cmd/edgekv-shell
// store the result under the root key alias and then call Load.
func Seed(raw []byte, passphrase string, salt []byte) ([]byte, error) {
	if len(raw) == 32 {
		return raw, nil
	}
	if passphrase == "" {
		return nil, errors.InvalidArgument("root key must be 32 raw bytes or a passphrase")
	}
	if len(salt) == 0 {
		salt = []byte("edgekv-default-root-salt-v1")
	}
	return pbkdf2.Key([]byte(passphrase), salt, keyDerivationIterations, 32, sha256.New), nil
}

func (v *RootVault) install(key []byte) error {
	if len(key) != 32 {
		return errors.CryptError("root key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return errors.CryptError("constructing AES cipher").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return errors.CryptError("constructing AES-GCM").WithCause(err)
	}
	v.mu.Lock()
	v.gcm = gcm
	v.mu.Unlock()
	return nil
}

// StartGenerator runs the bounded lazy-generation loop in the background.
// It returns immediately; the caller should not block on it. Intended to be
// launched once at process start when Load reports the alias is absent.
func (v *RootVault) StartGenerator(ctx context.Context) {
	go func() {
		for attempt := 1; attempt <= generatorMaxAttempts; attempt++ {
			select {
			case <-ctx.Done():
				v.log.Warn("root key generation cancelled", "attempt", attempt)
				return
			default:
			}

			key := make([]byte, 32)
			if _, err := rand.Read(key); err != nil {
				v.log.Warn("root key generation attempt failed", "attempt", attempt, "error", err)
				time.Sleep(generatorInterval)
				continue
			}
			if err := v.store.Put(rootKeyAlias, key); err != nil {
				v.log.Warn("persisting generated root key failed", "attempt", attempt, "error", err)
				time.Sleep(generatorInterval)
				continue
			}
			if err := v.install(key); err != nil {
				v.log.Warn("installing generated root key failed", "attempt", attempt, "error", err)
				time.Sleep(generatorInterval)
				continue
			}
			v.log.Info("root key generated", "attempt", attempt)
			return
		}
		v.log.Error("root key generation exhausted all attempts, vault remains non-functional", "attempts", generatorMaxAttempts)
	}()
}

// Encrypt wraps plain under the root key, using the fixed process-wide AAD
// and nonce (see package docs).
func (v *RootVault) Encrypt(plain []byte) ([]byte, error) {
	v.mu.RLock()
	gcm := v.gcm
	v.mu.RUnlock()
	if gcm == nil {
		return nil, errors.NotInit("root key vault has no key loaded")
	}
	return gcm.Seal(nil, fixedNonce[:], plain, []byte(aad)), nil
}

// Decrypt unwraps cipher under the root key.
func (v *RootVault) Decrypt(cipherText []byte) ([]byte, error) {
	v.mu.RLock()
	gcm := v.gcm
	v.mu.RUnlock()
	if gcm == nil {
		return nil, errors.NotInit("root key vault has no key loaded")
	}
	plain, err := gcm.Open(nil, fixedNonce[:], cipherText, []byte(aad))
	if err != nil {
		return nil, errors.CryptError("root key unwrap failed").WithCause(err)
	}
	return plain, nil
}

// Ready reports whether the root key has been loaded or generated.
func (v *RootVault) Ready() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.gcm != nil
}
