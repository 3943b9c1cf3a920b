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
Package registry is the store registry and lifecycle manager (spec
component C4): for each (user, app, storeId) it holds at most one live
store handle, opening, closing, and deleting stores on demand and routing
per-user operations.

Concurrency follows the teacher's lock-scoped resource idiom (the same
shape as internal/pool/pool.go's single mutex guarding per-device slot
accounting): one global lock resolves a UserBucket pointer,
then every store operation runs under that bucket's own lock so unrelated
users never contend with each other.
*/
package registry

import (
	"crypto/sha256"
	"encoding/json"
	"strings"
	"sync"

	"edgekv/internal/collab"
	"edgekv/internal/errors"
	"edgekv/internal/keymgr"
	"edgekv/internal/logging"
	"edgekv/internal/metastore"
	"edgekv/internal/model"
)

const storeMetaPrefix = "StoreMeta:"

// harmonyAppPrefix marks an appId as belonging to the harmony-managed
// namespace whose stores are torn down automatically when a peer marks
// them dirty (spec.md section 4.4, "StoreMeta-change watcher"). The
// distilled spec names this class of app without specifying how a
// descriptor's appId identifies membership; this repo resolves it by a
// reserved prefix, matching the convention `original_source` uses for its
// own system bundle names.
const harmonyAppPrefix = "ohos."

func isHarmonyApp(appID model.AppID) bool {
	return strings.HasPrefix(string(appID), harmonyAppPrefix)
}

func storeMetaKey(deviceID [32]byte, d model.Descriptor) string {
	return storeMetaPrefix + hexID(deviceID) + ":" + string(d.UserID) + ":default:" + string(d.AppID) + ":" + d.StoreID
}

func hexID(id [32]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0xf]
	}
	return string(out)
}

// storeMetaRecord is the persisted StoreMeta blob (spec.md section 4.4
// step 7 and section 6's abstract meta layout).
type storeMetaRecord struct {
	Descriptor model.Descriptor
	DeviceID   [32]byte
	IsDirty    bool
}

// StoreHandle is a live, open store.
type StoreHandle struct {
	Descriptor model.Descriptor
	refcount   int
	dirty      bool
}

// UserBucket is the per-userId set of live StoreHandles.
type UserBucket struct {
	mu      sync.Mutex
	handles map[string]*StoreHandle
}

func newUserBucket() *UserBucket {
	return &UserBucket{handles: make(map[string]*StoreHandle)}
}

// Options mirrors spec.md section 6's fixed Options payload.
type Options struct {
	Encrypt         bool
	AutoSync        bool
	Backup          bool
	SecurityLevel   model.SecurityLevel
	KVStoreType     model.StoreKind
	CreateIfMissing bool
	Schema          string
}

// Registry is the concrete C4 implementation.
type Registry struct {
	mu      sync.Mutex
	buckets map[model.UserID]*UserBucket

	checker  collab.Checker
	accounts collab.AccountProvider
	keys     *keymgr.Manager
	meta     metastore.Store
	backend  model.Backend
	recover  model.Recoverer
	backups  collab.BackupSource

	deviceID [32]byte
	log      *logging.Logger

	accountMu     sync.Mutex
	accountSwitch bool

	unsubscribeMeta func()
}

// New wires a Registry against its collaborators. deviceID is the local
// device's 32-byte identity stamped into every StoreMeta record. backups
// may be nil, in which case DeleteStore skips backup removal rather than
// failing a delete that has nothing to remove.
func New(checker collab.Checker, accounts collab.AccountProvider, keys *keymgr.Manager, meta metastore.Store, backend model.Backend, recoverer model.Recoverer, backups collab.BackupSource, deviceID [32]byte, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewLogger("registry")
	}
	r := &Registry{
		buckets:  make(map[model.UserID]*UserBucket),
		checker:  checker,
		accounts: accounts,
		keys:     keys,
		meta:     meta,
		backend:  backend,
		recover:  recoverer,
		backups:  backups,
		deviceID: deviceID,
		log:      log,
	}
	r.unsubscribeMeta = meta.Subscribe(storeMetaPrefix, r.onMetaChange)
	return r
}

// Close releases the registry's meta subscription. Intended for test and
// process shutdown symmetry with New.
func (r *Registry) Close() {
	if r.unsubscribeMeta != nil {
		r.unsubscribeMeta()
	}
}

func (r *Registry) bucketFor(userID model.UserID) *UserBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[userID]
	if !ok {
		b = newUserBucket()
		r.buckets[userID] = b
	}
	return b
}

// OpenStore implements spec.md section 4.4's openStore.
func (r *Registry) OpenStore(callerUID int, d model.Descriptor, opts Options) (*StoreHandle, error) {
	// UserID is not validated here: it is resolved from callerUID below.
	if d.AppID == "" || d.StoreID == "" || len(d.AppID) > model.MaxIDBytes || len(d.StoreID) > model.MaxIDBytes {
		return nil, errors.InvalidArgument("descriptor ids must be non-empty and at most 256 bytes")
	}
	if opts.KVStoreType != d.Kind {
		// Multi-version stores always route through the legacy (single) path.
		if d.Kind != model.KindSingle {
			return nil, errors.InvalidArgument("options.kvStoreType does not match descriptor kind")
		}
	}

	trueAppID := r.checker.TrueAppID(callerUID, string(d.AppID))
	if trueAppID == "" {
		return nil, errors.PermissionDenied("caller is not authorized for this appId")
	}

	userID, err := r.accounts.DeviceAccountIDByUID(callerUID)
	if err != nil {
		return nil, errors.InvalidArgument("could not resolve userId for caller").WithCause(err)
	}
	d.UserID = userID

	r.accountMu.Lock()
	switching := r.accountSwitch
	r.accountMu.Unlock()
	if switching {
		return nil, errors.SystemAccountEventProcessing()
	}

	bucket := r.bucketFor(userID)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	// The encrypt-option/meta check runs on every call, even one that will
	// resolve to an already-open handle below (spec.md section 4.4 step 4
	// precedes step 5's bucket lookup).
	secret, outdated, err := r.keys.GetDBPassword(d)
	if err != nil {
		return nil, err
	}
	recorded := d.Encrypted
	if raw, ok, merr := r.meta.Get(storeMetaKey(r.deviceID, d)); merr == nil && ok {
		var rec storeMetaRecord
		if json.Unmarshal(raw, &rec) == nil {
			recorded = rec.Descriptor.Encrypted
		}
	}
	if recorded != opts.Encrypt {
		secret.Zeroize()
		return nil, errors.InvalidArgument("options.encrypt disagrees with meta-recorded value")
	}

	key := d.Key()
	if existing, ok := bucket.handles[key]; ok {
		secret.Zeroize()
		existing.refcount++
		return existing, nil
	}

	openOutdated, err := r.backend.Open(d, secret.Raw, opts.CreateIfMissing)
	if err != nil {
		if errors.Of(err) == errors.CodeCryptError {
			if r.recover != nil {
				if recErr := r.recover.Recover(d, r.backend, secret.Raw); recErr != nil {
					secret.Zeroize()
					return nil, recErr
				}
				openOutdated = false
			} else {
				secret.Zeroize()
				return nil, err
			}
		} else {
			secret.Zeroize()
			return nil, err
		}
	}
	outdated = outdated || openOutdated

	if outdated {
		if err := r.keys.ReKey(d, r.backend); err != nil {
			secret.Zeroize()
			return nil, err
		}
	}
	secret.Zeroize()

	handle := &StoreHandle{Descriptor: d, refcount: 1}
	bucket.handles[key] = handle

	rec := storeMetaRecord{Descriptor: d, DeviceID: r.deviceID, IsDirty: false}
	data, merr := json.Marshal(rec)
	if merr != nil {
		return nil, errors.DBError("encoding store meta record").WithCause(merr)
	}
	if err := r.meta.Put(storeMetaKey(r.deviceID, d), data); err != nil {
		return nil, err
	}

	return handle, nil
}

// CloseStore decrements the handle's refcount, releasing resources at zero.
func (r *Registry) CloseStore(d model.Descriptor) error {
	bucket := r.bucketFor(d.UserID)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	key := d.Key()
	handle, ok := bucket.handles[key]
	if !ok {
		return errors.StoreNotOpen("no open handle for descriptor")
	}
	handle.refcount--
	if handle.refcount <= 0 {
		delete(bucket.handles, key)
		return r.backend.Close(d)
	}
	return nil
}

// CloseAllStores closes every handle for appId within the caller's bucket.
func (r *Registry) CloseAllStores(userID model.UserID, appID model.AppID) error {
	bucket := r.bucketFor(userID)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	var firstErr error
	for key, handle := range bucket.handles {
		if handle.Descriptor.AppID != appID {
			continue
		}
		if err := r.backend.Close(handle.Descriptor); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(bucket.handles, key)
	}
	return firstErr
}

// DeleteStore removes a store's backups, local data, secret, and meta, in
// that exact order (spec.md section 4.4: violating it risks orphan meta
// entries that trigger spurious re-opens).
func (r *Registry) DeleteStore(d model.Descriptor) error {
	bucket := r.bucketFor(d.UserID)
	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	if r.backups != nil {
		if err := r.backups.Remove(d, model.SecurityLevelDE); err != nil {
			return err
		}
		if err := r.backups.Remove(d, model.SecurityLevelCE); err != nil {
			return err
		}
	}

	key := d.Key()
	if handle, ok := bucket.handles[key]; ok {
		if err := r.backend.Close(handle.Descriptor); err != nil {
			return err
		}
		delete(bucket.handles, key)
	}

	if err := r.backend.Delete(d); err != nil {
		return err
	}
	if err := r.keys.DelDBPassword(d); err != nil {
		return err
	}
	return r.meta.Delete(storeMetaKey(r.deviceID, d))
}

// OnClientDeath handles a dead remote caller: removes its death observer
// (delegated to internal/deathwatch), revokes permission-change listeners
// (delegated to the checker collaborator, out of this repo's scope), and
// closes all of its open stores.
func (r *Registry) OnClientDeath(userID model.UserID, appID model.AppID) error {
	return r.CloseAllStores(userID, appID)
}

// OnAccountEvent handles OS account lifecycle events (spec.md section
// 4.4): removal tears everything down; switch re-evaluates bindings.
func (r *Registry) OnAccountEvent(event collab.AccountEvent, dataDirRemover func(userID model.UserID, level model.SecurityLevel) error) error {
	switch event.Kind {
	case collab.AccountRemoved:
		r.accountMu.Lock()
		r.accountSwitch = true
		r.accountMu.Unlock()
		defer func() {
			r.accountMu.Lock()
			r.accountSwitch = false
			r.accountMu.Unlock()
		}()

		r.mu.Lock()
		bucket, ok := r.buckets[event.User]
		delete(r.buckets, event.User)
		r.mu.Unlock()
		if !ok {
			return nil
		}

		bucket.mu.Lock()
		for _, handle := range bucket.handles {
			if err := r.backend.Close(handle.Descriptor); err != nil {
				r.log.Warn("close failed during account removal", "error", err)
			}
			if err := r.backend.Delete(handle.Descriptor); err != nil {
				r.log.Warn("delete failed during account removal", "error", err)
			}
			r.meta.Delete(storeMetaKey(r.deviceID, handle.Descriptor))
		}
		bucket.handles = make(map[string]*StoreHandle)
		bucket.mu.Unlock()

		if dataDirRemover != nil {
			if err := dataDirRemover(event.User, model.SecurityLevelDE); err != nil {
				r.log.Warn("force-remove DE data dir failed", "error", err)
			}
			if err := dataDirRemover(event.User, model.SecurityLevelCE); err != nil {
				r.log.Warn("force-remove CE data dir failed", "error", err)
			}
		}
		return nil

	case collab.AccountSwitched:
		r.accountMu.Lock()
		r.accountSwitch = true
		r.accountMu.Unlock()
		defer func() {
			r.accountMu.Lock()
			r.accountSwitch = false
			r.accountMu.Unlock()
		}()
		// Re-evaluation of active sync bindings is C8's responsibility;
		// the registry only gates new opens for the duration above.
		return nil
	}
	return nil
}

// onMetaChange is the StoreMeta-change watcher (spec.md section 4.4): an
// update from the local device for a harmony-app store whose isDirty is
// true means a peer deleted it remotely, so we close and delete it here.
func (r *Registry) onMetaChange(ch metastore.Change) {
	if ch.Flag != metastore.FlagUpdate {
		return
	}
	var rec storeMetaRecord
	if err := json.Unmarshal(ch.Value, &rec); err != nil {
		return
	}
	if rec.DeviceID != r.deviceID {
		return
	}
	if !isHarmonyApp(rec.Descriptor.AppID) || !rec.IsDirty {
		return
	}
	if err := r.DeleteStore(rec.Descriptor); err != nil {
		r.log.Warn("peer-triggered delete failed", "store", rec.Descriptor.StoreID, "error", err)
	}
}

// MarkDirty flags a store's meta record dirty, the trigger a peer uses to
// propagate a remote deletion (used by tests and internal/syncengine).
func (r *Registry) MarkDirty(d model.Descriptor) error {
	rec := storeMetaRecord{Descriptor: d, DeviceID: r.deviceID, IsDirty: true}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.DBError("encoding store meta record").WithCause(err)
	}
	return r.meta.Put(storeMetaKey(r.deviceID, d), data)
}

// DeviceIDFromTriple derives the 32-byte SHA-256 device identity stamped
// into StoreMeta records, per spec.md section 4.4 step 7.
func DeviceIDFromTriple(userID model.UserID, appID model.AppID, storeID string) [32]byte {
	return sha256.Sum256([]byte(string(userID) + "\x00" + string(appID) + "\x00" + storeID))
}

// RefCount reports the handle's reference count; tests use it to assert
// handle bookkeeping without reaching into unexported fields.
func (h *StoreHandle) RefCount() int { return h.refcount }
