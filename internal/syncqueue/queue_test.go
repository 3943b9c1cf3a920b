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

package syncqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"edgekv/internal/errors"
)

// S4 — manual-sync quota.
func TestS4ManualSyncQuota(t *testing.T) {
	q := New(2, nil)

	release1 := make(chan struct{})
	release2 := make(chan struct{})
	blockingOn := func(release chan struct{}) DeviceSyncFunc {
		return func(ctx context.Context, device string) error {
			<-release
			return nil
		}
	}

	id1, err := q.Sync(Params{Devices: []string{"d1"}, Mode: ModeManual, Wait: false}, blockingOn(release1))
	if err != nil {
		t.Fatalf("first manual sync: %v", err)
	}
	_, err = q.Sync(Params{Devices: []string{"d2"}, Mode: ModeManual, Wait: false}, blockingOn(release2))
	if err != nil {
		t.Fatalf("second manual sync: %v", err)
	}

	neverRuns := blockingOn(make(chan struct{}))
	if _, err := q.Sync(Params{Devices: []string{"d3"}, Mode: ModeManual, Wait: false}, neverRuns); errors.Of(err) != errors.CodeBusy {
		t.Errorf("expected third manual sync to be Busy, got %v", err)
	}
	if _, err := q.Sync(Params{Devices: []string{"d4"}, Mode: ModeManual, Wait: false}, neverRuns); errors.Of(err) != errors.CodeBusy {
		t.Errorf("expected fourth manual sync to be Busy, got %v", err)
	}

	q.mu.Lock()
	op1 := q.ops[id1]
	q.mu.Unlock()

	close(release1) // let d1's worker finish; d2 is still blocked on release2

	select {
	case <-op1.Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first operation to finish")
	}

	if _, err := q.Sync(Params{Devices: []string{"d5"}, Mode: ModeManual, Wait: false}, blockingOn(release2)); err != nil {
		t.Errorf("expected a manual sync to succeed after a slot freed, got %v", err)
	}

	close(release2)
}

// Invariant 5: onComplete fires exactly once per syncId.
func TestOnCompleteFiresExactlyOnce(t *testing.T) {
	q := New(10, nil)
	var calls int32
	var wg sync.WaitGroup
	wg.Add(1)

	ok := func(ctx context.Context, device string) error { return nil }

	_, err := q.Sync(Params{
		Devices: []string{"d1", "d2", "d3"},
		Mode:    ModeAuto,
		Wait:    false,
		OnComplete: func(status map[string]DeviceState) {
			atomic.AddInt32(&calls, 1)
		},
		OnFinalize: func() { wg.Done() },
	}, ok)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onFinalize")
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected onComplete called exactly once, got %d", calls)
	}
}

// Invariant 6: disableManualSync only succeeds when queuedSize == 0.
func TestDisableManualSyncRequiresEmptyQueue(t *testing.T) {
	q := New(1, nil)
	release := make(chan struct{})
	blocking := func(ctx context.Context, device string) error {
		<-release
		return nil
	}

	id, err := q.Sync(Params{Devices: []string{"d1"}, Mode: ModeManual, Wait: false}, blocking)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if err := q.DisableManualSync(); errors.Of(err) != errors.CodeBusy {
		t.Errorf("expected DisableManualSync to fail with a non-empty queue, got %v", err)
	}

	q.mu.Lock()
	op := q.ops[id]
	q.mu.Unlock()
	close(release)
	<-op.Done()

	if err := q.DisableManualSync(); err != nil {
		t.Errorf("expected DisableManualSync to succeed once queue drained, got %v", err)
	}

	if _, err := q.Sync(Params{Devices: []string{"d2"}, Mode: ModeManual, Wait: false}, blocking); errors.Of(err) != errors.CodeBusy {
		t.Errorf("expected manual sync to be rejected while disabled, got %v", err)
	}
}

// Failure semantics: one device's failure doesn't cancel its siblings.
func TestDeviceFailureDoesNotCancelSiblings(t *testing.T) {
	q := New(10, nil)
	var d2Ran int32

	f := func(ctx context.Context, device string) error {
		if device == "d1" {
			return errors.DBError("simulated device failure")
		}
		atomic.AddInt32(&d2Ran, 1)
		return nil
	}

	id, err := q.Sync(Params{Devices: []string{"d1", "d2"}, Mode: ModeAuto, Wait: true}, f)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	_ = id
	if atomic.LoadInt32(&d2Ran) != 1 {
		t.Errorf("expected sibling device to still run despite d1's failure")
	}
}
