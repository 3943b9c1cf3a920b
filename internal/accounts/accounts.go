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
Package accounts implements the account/user listener (spec.md section
4.4's onAccountEvent contract, C10): it subscribes to the OS account
provider and translates lifecycle events into registry calls.

On an account switch the listener forwards the event to the registry and,
only if that succeeds, calls the rebind hook for the new foreground user.
The switch path does not check a pairing passphrase.

Separately, the listener keeps a per-user pairing passphrase, hashed with
bcrypt and persisted in the meta store (SetPairingPassphrase), which
VerifyPairingPassphrase checks on request (cmd/edgekv-shell's
"pair verify"). The record is forgotten when the user is removed.
*/
package accounts

import (
	"encoding/json"

	"edgekv/internal/collab"
	"edgekv/internal/errors"
	"edgekv/internal/logging"
	"edgekv/internal/metastore"
	"edgekv/internal/model"

	"golang.org/x/crypto/bcrypt"
)

const pairingKeyPrefix = "_sys_pairing:"

// DefaultBcryptCost is the bcrypt cost factor for pairing-passphrase
// hashes; it equals bcrypt.DefaultCost.
const DefaultBcryptCost = 10

// dummyPairingHash is a well-formed bcrypt hash that a verify against a
// user with no pairing record is compared with, so that a miss costs the
// same bcrypt work as a mismatch.
var dummyPairingHash, _ = bcrypt.GenerateFromPassword([]byte("edgekv-no-pairing-record"), DefaultBcryptCost)

// pairingRecord is the persisted form of one user's pairing passphrase
// hash, stored under pairingKeyPrefix + userId.
type pairingRecord struct {
	PassphraseHash string
}

// RegistryCloser is the subset of *registry.Registry's account-event
// surface this listener drives. Declared locally so this package does
// not import internal/registry.
type RegistryCloser interface {
	OnAccountEvent(event collab.AccountEvent, dataDirRemover func(userID model.UserID, level model.SecurityLevel) error) error
}

// RebindFunc re-evaluates C8's active sync bindings for userID after an
// account switch. Supplied by the engine; nil is a valid no-op.
type RebindFunc func(userID model.UserID) error

// DataDirRemover force-removes a security-level data directory for
// userID, invoked during account removal. Supplied by the caller since
// the filesystem layout lives outside this package.
type DataDirRemover func(userID model.UserID, level model.SecurityLevel) error

// Listener is C10.
type Listener struct {
	accounts collab.AccountProvider
	registry RegistryCloser
	meta     metastore.Store
	rebind   RebindFunc
	removeDD DataDirRemover
	log      *logging.Logger

	unsubscribe func()
}

// New constructs a Listener. meta persists pairing-passphrase hashes;
// rebind and removeDD may be nil.
func New(accounts collab.AccountProvider, registry RegistryCloser, meta metastore.Store, rebind RebindFunc, removeDD DataDirRemover, log *logging.Logger) *Listener {
	if log == nil {
		log = logging.NewLogger("accounts")
	}
	return &Listener{
		accounts: accounts,
		registry: registry,
		meta:     meta,
		rebind:   rebind,
		removeDD: removeDD,
		log:      log,
	}
}

// Start subscribes to the account provider. Idempotent: calling Start
// again first unsubscribes the prior handler.
func (l *Listener) Start() {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
	l.unsubscribe = l.accounts.Subscribe(l.handle)
}

// Stop unsubscribes from the account provider.
func (l *Listener) Stop() {
	if l.unsubscribe != nil {
		l.unsubscribe()
		l.unsubscribe = nil
	}
}

func (l *Listener) handle(event collab.AccountEvent) {
	switch event.Kind {
	case collab.AccountRemoved:
		if err := l.registry.OnAccountEvent(event, l.removeDD); err != nil {
			l.log.Error("account removal teardown failed", "user", event.User, "error", err)
		}
		if err := l.forgetPairing(event.User); err != nil {
			l.log.Warn("forgetting pairing passphrase failed", "user", event.User, "error", err)
		}

	case collab.AccountSwitched:
		if err := l.registry.OnAccountEvent(event, l.removeDD); err != nil {
			l.log.Error("account switch processing failed", "user", event.User, "error", err)
			return
		}
		if l.rebind == nil {
			return
		}
		if err := l.rebind(event.User); err != nil {
			l.log.Error("rebinding sync targets after account switch failed", "user", event.User, "error", err)
		}

	case collab.AccountAdded:
		// Nothing to do until the new user pairs a passphrase and opens
		// their first store.
	}
}

// SetPairingPassphrase hashes and persists passphrase as userID's
// pairing secret. Called once, when a user first pairs this device.
func (l *Listener) SetPairingPassphrase(userID model.UserID, passphrase string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), DefaultBcryptCost)
	if err != nil {
		return errors.InvalidArgument("hashing pairing passphrase").WithCause(err)
	}
	data, err := json.Marshal(pairingRecord{PassphraseHash: string(hash)})
	if err != nil {
		return errors.InvalidArgument("encoding pairing record").WithCause(err)
	}
	return l.meta.Put(pairingKey(userID), data)
}

// VerifyPairingPassphrase checks passphrase against userID's persisted
// pairing hash. Returns SystemAccountEventProcessing if
// no pairing record exists or the passphrase doesn't match; bcrypt's
// constant-time comparison is used throughout to avoid leaking which
// failure occurred.
func (l *Listener) VerifyPairingPassphrase(userID model.UserID, passphrase string) error {
	val, ok, err := l.meta.Get(pairingKey(userID))
	if err != nil {
		return errors.DBError("reading pairing record").WithCause(err)
	}
	if !ok {
		bcrypt.CompareHashAndPassword(dummyPairingHash, []byte(passphrase))
		return errors.SystemAccountEventProcessing()
	}
	var rec pairingRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return errors.DBError("decoding pairing record").WithCause(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PassphraseHash), []byte(passphrase)); err != nil {
		return errors.SystemAccountEventProcessing()
	}
	return nil
}

func (l *Listener) forgetPairing(userID model.UserID) error {
	return l.meta.Delete(pairingKey(userID))
}

func pairingKey(userID model.UserID) string {
	return pairingKeyPrefix + string(userID)
}
