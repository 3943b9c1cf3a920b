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
Package syncqueue implements the sync operation queue (spec.md section
4.7): it assigns sync ids, enforces the manual-sync quota, tracks
in-flight SyncOperations, and fans a single operation out across its
devices. Per-device dispatch itself (spec.md section 4.8's "interacts
with the transport") is supplied by the caller as a DeviceSyncFunc — the
queue never talks to the transport directly, that's internal/syncengine's
job.
*/
package syncqueue

import (
	"context"
	"sync"

	"edgekv/internal/errors"
	"edgekv/internal/logging"

	"golang.org/x/sync/errgroup"
)

// Mode distinguishes an automatic sync (triggered by remoteDataChanged)
// from a manual, caller-initiated one subject to the queue quota.
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
)

// DeviceState is one device's terminal or in-flight status within a
// SyncOperation.
type DeviceState int

const (
	DeviceRunning DeviceState = iota
	DeviceSuccess
	DeviceFailed
	DeviceOffline
)

func (s DeviceState) terminal() bool { return s != DeviceRunning }

// opState is the SyncOperation lifecycle: Created -> Running -> (Finished | Killed).
type opState int

const (
	opCreated opState = iota
	opRunning
	opFinished
	opKilled
)

// DeviceSyncFunc performs one device's share of a sync operation. It must
// respect ctx cancellation: the queue cancels a single device's context on
// remoteDeviceOffline without affecting its siblings.
type DeviceSyncFunc func(ctx context.Context, device string) error

// Params describes one sync(...) request. Query is opaque to the queue —
// it is carried through to the relational layer's predicate evaluation
// (changelog.Query) and never inspected here.
type Params struct {
	Devices    []string
	Mode       Mode
	Wait       bool
	Query      interface{}
	OnComplete func(status map[string]DeviceState)
	OnFinalize func()
}

// SyncOperation is one in-flight or completed sync, per spec.md section 3.
type SyncOperation struct {
	ID      uint64
	Devices []string
	Mode    Mode
	Wait    bool
	Query   interface{}

	mu          sync.Mutex
	state       opState
	deviceState map[string]DeviceState
	cancels     map[string]context.CancelFunc
	queued      bool // true while counted against queuedSize

	onComplete func(map[string]DeviceState)
	onFinalize func()
	done       chan struct{}
	finishOnce sync.Once
}

// Status returns a snapshot of each device's current state.
func (op *SyncOperation) Status() map[string]DeviceState {
	op.mu.Lock()
	defer op.mu.Unlock()
	out := make(map[string]DeviceState, len(op.deviceState))
	for k, v := range op.deviceState {
		out[k] = v
	}
	return out
}

// Done returns a channel closed when the operation reaches Finished or Killed.
func (op *SyncOperation) Done() <-chan struct{} { return op.done }

func (op *SyncOperation) setDeviceState(device string, state DeviceState) {
	op.mu.Lock()
	op.deviceState[device] = state
	op.mu.Unlock()
}

func (op *SyncOperation) allTerminal() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, s := range op.deviceState {
		if !s.terminal() {
			return false
		}
	}
	return true
}

// Queue is C7.
type Queue struct {
	mu             sync.Mutex
	nextID         uint64
	ops            map[uint64]*SyncOperation
	queuedSize     int
	queuedLimit    int
	manualDisabled bool
	closing        bool
	log            *logging.Logger
}

// New constructs a Queue with the given manual-sync admission quota.
func New(queuedLimit int, log *logging.Logger) *Queue {
	if log == nil {
		log = logging.NewLogger("syncqueue")
	}
	return &Queue{
		ops:         make(map[uint64]*SyncOperation),
		queuedLimit: queuedLimit,
		log:         log,
	}
}

func validMode(m Mode) bool { return m == ModeAuto || m == ModeManual }

// Sync implements spec.md section 4.7's sync(params) contract. deviceSync
// performs one device's share of the operation and is invoked once per
// device, concurrently, via golang.org/x/sync/errgroup — a fresh errgroup
// per operation, never shared across operations, so one device's hard
// failure never cancels its siblings (failure semantics, spec.md sections
// 4.7 and 7).
func (q *Queue) Sync(params Params, deviceSync DeviceSyncFunc) (uint64, error) {
	if len(params.Devices) == 0 {
		return 0, errors.InvalidArgument("sync requires a non-empty device set")
	}
	if !validMode(params.Mode) {
		return 0, errors.InvalidArgument("unrecognized sync mode")
	}

	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return 0, errors.Busy("sync queue is closing")
	}

	queued := params.Mode == ModeManual && !params.Wait
	if queued {
		if q.manualDisabled {
			q.mu.Unlock()
			return 0, errors.Busy("manual sync is disabled")
		}
		if q.queuedSize >= q.queuedLimit {
			q.mu.Unlock()
			return 0, errors.Busy("manual sync queue is at capacity")
		}
		q.queuedSize++
	}

	q.nextID++
	if q.nextID == 0 {
		q.nextID = 1
	}
	id := q.nextID

	op := &SyncOperation{
		ID:          id,
		Devices:     append([]string(nil), params.Devices...),
		Mode:        params.Mode,
		Wait:        params.Wait,
		Query:       params.Query,
		state:       opCreated,
		deviceState: make(map[string]DeviceState, len(params.Devices)),
		cancels:     make(map[string]context.CancelFunc, len(params.Devices)),
		queued:      queued,
		onComplete:  params.OnComplete,
		onFinalize:  params.OnFinalize,
		done:        make(chan struct{}),
	}
	for _, d := range op.Devices {
		op.deviceState[d] = DeviceRunning
	}
	q.ops[id] = op
	q.mu.Unlock()

	op.mu.Lock()
	op.state = opRunning
	op.mu.Unlock()

	run := func() {
		var g errgroup.Group
		for _, device := range op.Devices {
			device := device
			ctx, cancel := context.WithCancel(context.Background())
			op.mu.Lock()
			op.cancels[device] = cancel
			op.mu.Unlock()

			g.Go(func() error {
				defer cancel()
				err := deviceSync(ctx, device)
				// A device already marked terminal (DeviceOffline by
				// CancelDevice or StopSync) keeps that state.
				op.mu.Lock()
				if op.deviceState[device] == DeviceRunning {
					if err != nil {
						op.deviceState[device] = DeviceFailed
					} else {
						op.deviceState[device] = DeviceSuccess
					}
				}
				op.mu.Unlock()
				return err
			})
		}
		g.Wait()
		q.finish(op, opFinished)
	}

	if params.Wait {
		run()
	} else {
		go run()
	}

	return id, nil
}

// CancelDevice cancels one device's in-flight context within op, marking
// its state DeviceOffline, per remoteDeviceOffline (spec.md section 4.7).
// Sibling devices are unaffected.
func (q *Queue) CancelDevice(syncID uint64, device string) {
	q.mu.Lock()
	op, ok := q.ops[syncID]
	q.mu.Unlock()
	if !ok {
		return
	}
	op.mu.Lock()
	cancel, ok := op.cancels[device]
	op.mu.Unlock()
	if ok {
		cancel()
	}
	op.setDeviceState(device, DeviceOffline)
}

// finish drives op to its terminal state, exactly once: decrements
// queuedSize if it was a queued manual op, invokes onComplete then
// onFinalize, then drops the queue's reference.
func (q *Queue) finish(op *SyncOperation, to opState) {
	op.finishOnce.Do(func() {
		op.mu.Lock()
		op.state = to
		status := make(map[string]DeviceState, len(op.deviceState))
		for k, v := range op.deviceState {
			status[k] = v
		}
		op.mu.Unlock()

		q.mu.Lock()
		if op.queued {
			q.queuedSize--
		}
		delete(q.ops, op.ID)
		q.mu.Unlock()

		if op.onComplete != nil {
			op.onComplete(status)
		}
		if op.onFinalize != nil {
			op.onFinalize()
		}
		close(op.done)
	})
}

// StopSync drains every live sync id, killing each in-flight operation.
func (q *Queue) StopSync() {
	q.mu.Lock()
	ops := make([]*SyncOperation, 0, len(q.ops))
	for _, op := range q.ops {
		ops = append(ops, op)
	}
	q.mu.Unlock()

	for _, op := range ops {
		op.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(op.cancels))
		for _, c := range op.cancels {
			cancels = append(cancels, c)
		}
		op.mu.Unlock()
		for _, c := range cancels {
			c()
		}
		for _, d := range op.Devices {
			op.setDeviceState(d, DeviceOffline)
		}
		q.finish(op, opKilled)
	}
}

// DisableManualSync succeeds only when no manual operation is currently
// queued; future admission checks reject new non-wait manual syncs.
func (q *Queue) DisableManualSync() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queuedSize != 0 {
		return errors.Busy("manual sync queue is non-empty")
	}
	q.manualDisabled = true
	return nil
}

// EnableManualSync clears the manual-sync admission block.
func (q *Queue) EnableManualSync() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.manualDisabled = false
}

// Close marks the queue closing (future Sync calls return Busy) and
// drains in-flight operations.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closing = true
	q.mu.Unlock()
	q.StopSync()
}
