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
Package syncengine implements C8, spec.md section 4.7's "Engine duties":
it binds internal/syncqueue to an internal/transport.Transport and an
internal/changelog.Manager, turning remoteDataChanged/remoteDeviceOffline
transport events into queued sync operations and turning queued
operations into GetSyncData reads and ApplyRemoteBatch writes carried
over the wire.
*/
package syncengine

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"

	"edgekv/internal/changelog"
	"edgekv/internal/errors"
	"edgekv/internal/logging"
	"edgekv/internal/model"
	"edgekv/internal/pool"
	"edgekv/internal/syncqueue"
	"edgekv/internal/transport"
)

// PolicyHook resolves Open Question 3 (pluggable sync policy): it gates
// whether callerUID may initiate sync for d. Default is always-allow.
type PolicyHook func(callerUID string, d model.Descriptor) error

func allowAll(string, model.Descriptor) error { return nil }

// RowSource resolves a table's current local row bytes by hashKey. The
// actual table T's storage is out of scope for the change log (spec.md
// section 4.6 only specifies the shadow log and mirror tables), so the
// engine depends on this collaborator to fetch what to push.
type RowSource interface {
	RowBytes(table, hashKey string) ([]byte, bool, error)
}

// syncBatch is the wire payload exchanged between engines. The wire
// format is this repo's own design (spec.md section 1 puts it out of
// scope); JSON matches the encoding every other package in this repo
// already uses for meta/log records, so the engine doesn't introduce a
// second serialization scheme.
type syncBatch struct {
	Table   string            `json:"table"`
	Schema  changelog.Schema  `json:"schema,omitempty"`
	Entries []model.LogEntry  `json:"entries"`
	Rows    map[string][]byte `json:"rows"`
}

// Engine is C8.
type Engine struct {
	mu          sync.Mutex
	transport   transport.Transport
	changelog   *changelog.Manager
	rows        RowSource
	queue       *syncqueue.Queue
	log         *logging.Logger
	policy      PolicyHook
	syncRetry   bool
	identifiers map[string][][32]byte // legacy identifier -> equivalent peer device ids

	initialized bool
	closing     bool

	// peerOps tracks which syncqueue ids are in flight against which
	// peer, so remoteDeviceOffline can cancel precisely.
	peerOps map[[32]byte]map[uint64]struct{}

	// pushSlots bounds how many pushTable calls may run concurrently
	// against a single device, since syncqueue's errgroup fan-out can
	// otherwise pile overlapping Sync calls onto one slow peer.
	pushSlots *pool.Pool
}

// New constructs an Engine. policy may be nil (defaults to allow-all).
func New(t transport.Transport, cl *changelog.Manager, rows RowSource, queue *syncqueue.Queue, policy PolicyHook, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.NewLogger("syncengine")
	}
	if policy == nil {
		policy = allowAll
	}
	return &Engine{
		transport:   t,
		changelog:   cl,
		rows:        rows,
		queue:       queue,
		log:         log,
		policy:      policy,
		identifiers: make(map[string][][32]byte),
		peerOps:     make(map[[32]byte]map[uint64]struct{}),
		pushSlots:   pool.New(pool.DefaultConfig()),
	}
}

// Initialize binds the engine as the transport's communicator. Returns
// NotInit if the transport is unavailable, leaving the engine closed —
// per spec.md section 4.7's failure semantics.
func (e *Engine) Initialize(processLabel, group string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transport == nil {
		return errors.NotInit("sync engine has no transport bound")
	}
	if err := e.transport.SetProcessLabel(processLabel, group); err != nil {
		return errors.NotInit("transport rejected process label").WithCause(err)
	}
	if err := e.transport.SetCommunicator(e); err != nil {
		return errors.NotInit("transport rejected communicator binding").WithCause(err)
	}
	e.initialized = true
	e.closing = false
	return nil
}

// SetSyncRetry records the retry flag. The engine's sync paths do not
// read it: a failed device sync is handled the same way whichever value
// is set.
func (e *Engine) SetSyncRetry(retry bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncRetry = retry
}

// SetEqualIdentifier registers identifier as equivalent to peers, for
// cross-identifier compatibility with legacy clients that address a
// group of devices by a shared logical name instead of individual ids.
func (e *Engine) SetEqualIdentifier(identifier string, peers [][32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identifiers[identifier] = peers
}

// resolveIdentifier expands a legacy identifier into its peer set, or
// returns {peerID} unchanged if identifier names no group.
func (e *Engine) resolveIdentifier(identifier string, peerID [32]byte) [][32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if peers, ok := e.identifiers[identifier]; ok {
		return peers
	}
	return [][32]byte{peerID}
}

// RemoteDataChanged triggers an auto-sync of table against peer, per
// spec.md section 4.7. callerUID is the identity the policy hook
// evaluates; pass "" for a transport-originated trigger with no caller.
func (e *Engine) RemoteDataChanged(callerUID string, d model.Descriptor, peer model.DeviceIdentity, table string) (uint64, error) {
	if err := e.policy(callerUID, d); err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.closing || !e.initialized {
		e.mu.Unlock()
		return 0, errors.NotInit("sync engine is not initialized")
	}
	e.mu.Unlock()

	deviceKey := deviceKeyFor(peer)
	syncFn := func(ctx context.Context, device string) error {
		return e.pushTable(peer, table)
	}

	id, err := e.queue.Sync(syncqueue.Params{
		Devices: []string{deviceKey},
		Mode:    syncqueue.ModeAuto,
		Wait:    false,
	}, syncFn)
	if err != nil {
		return 0, err
	}

	e.trackOp(peer.DeviceID, id)
	return id, nil
}

// ManualSync is the caller-facing sync(params) contract for a manual,
// possibly-blocking multi-device request.
func (e *Engine) ManualSync(callerUID string, d model.Descriptor, table string, peers []model.DeviceIdentity, wait bool) (uint64, error) {
	if err := e.policy(callerUID, d); err != nil {
		return 0, err
	}

	e.mu.Lock()
	if e.closing || !e.initialized {
		e.mu.Unlock()
		return 0, errors.NotInit("sync engine is not initialized")
	}
	e.mu.Unlock()

	devices := make([]string, len(peers))
	byKey := make(map[string]model.DeviceIdentity, len(peers))
	for i, p := range peers {
		k := deviceKeyFor(p)
		devices[i] = k
		byKey[k] = p
	}

	syncFn := func(ctx context.Context, device string) error {
		return e.pushTable(byKey[device], table)
	}

	id, err := e.queue.Sync(syncqueue.Params{
		Devices: devices,
		Mode:    syncqueue.ModeManual,
		Wait:    wait,
	}, syncFn)
	if err != nil {
		return 0, err
	}
	for _, p := range peers {
		e.trackOp(p.DeviceID, id)
	}
	return id, nil
}

// pushTable reads table's pending sync data and sends it to peer. Bounded
// by pushSlots so a single slow or offline peer named in several
// overlapping sync calls can't accumulate unbounded concurrent sends.
func (e *Engine) pushTable(peer model.DeviceIdentity, table string) error {
	deviceKey := deviceKeyFor(peer)
	if err := e.pushSlots.Acquire(deviceKey); err != nil {
		return err
	}
	defer e.pushSlots.Release(deviceKey)

	watermark, err := e.changelog.Watermark(table, deviceKeyFor(peer))
	if err != nil {
		return err
	}
	entries, _, err := e.changelog.GetSyncData(table, changelog.Query{}, watermark, 1<<62, 1<<20)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	rows := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		if entry.Flag&model.LogDelete != 0 || entry.Flag&model.LogMissQuery != 0 {
			continue
		}
		if row, ok, err := e.rows.RowBytes(table, entry.HashKey); err == nil && ok {
			rows[entry.HashKey] = row
		}
	}

	schema, _, err := e.changelog.Schema(table)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(syncBatch{Table: table, Schema: schema, Entries: entries, Rows: rows})
	if err != nil {
		return errors.DBError("encoding sync batch").WithCause(err)
	}
	return e.transport.Send(peer, payload)
}

// RemoteDeviceOffline cancels every in-flight queue op's state for peer
// with DeviceOffline, without affecting sibling devices in the same op.
func (e *Engine) RemoteDeviceOffline(peerID [32]byte) {
	e.mu.Lock()
	ops := e.peerOps[peerID]
	delete(e.peerOps, peerID)
	e.mu.Unlock()

	deviceKey := hex.EncodeToString(peerID[:])
	for id := range ops {
		e.queue.CancelDevice(id, deviceKey)
	}
}

func (e *Engine) trackOp(peerID [32]byte, opID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.peerOps[peerID] == nil {
		e.peerOps[peerID] = make(map[uint64]struct{})
	}
	e.peerOps[peerID][opID] = struct{}{}
}

// OnPeerData implements transport.Communicator: applies an inbound
// sync batch against the local mirror for the sending peer.
func (e *Engine) OnPeerData(peer model.DeviceIdentity, payload []byte) {
	var batch syncBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		e.log.Error("decoding inbound sync batch failed", "peer", deviceKeyFor(peer), "error", err)
		return
	}
	if err := e.changelog.ApplyRemoteBatch(batch.Table, deviceKeyFor(peer), batch.Schema, batch.Entries, batch.Rows); err != nil {
		e.log.Error("applying inbound sync batch failed", "peer", deviceKeyFor(peer), "table", batch.Table, "error", err)
	}
}

// OnPeerOnline implements transport.Communicator.
func (e *Engine) OnPeerOnline(peer model.DeviceIdentity) {
	e.log.Info("peer online", "peer", deviceKeyFor(peer))
}

// OnPeerOffline implements transport.Communicator: this is exactly
// remoteDeviceOffline from spec.md section 4.7.
func (e *Engine) OnPeerOffline(peer model.DeviceIdentity) {
	e.log.Info("peer offline", "peer", deviceKeyFor(peer))
	e.RemoteDeviceOffline(peer.DeviceID)
}

// Close is idempotent and waits for all in-flight operations to
// terminate before releasing the transport binding.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	e.mu.Unlock()

	e.queue.Close()
	e.pushSlots.Close()
	return e.transport.Close()
}

func deviceKeyFor(peer model.DeviceIdentity) string {
	return hex.EncodeToString(peer.DeviceID[:])
}
