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

package syncengine

import (
	"path/filepath"
	"testing"
	"time"

	"edgekv/internal/changelog"
	"edgekv/internal/errors"
	"edgekv/internal/metastore"
	"edgekv/internal/model"
	"edgekv/internal/syncqueue"
	"edgekv/internal/transport"
)

type fakeRows struct {
	rows map[string][]byte
}

func (f *fakeRows) RowBytes(table, hashKey string) ([]byte, bool, error) {
	v, ok := f.rows[hashKey]
	return v, ok, nil
}

func setupEngine(t *testing.T, deviceID [32]byte, policy PolicyHook) (*Engine, *transport.FakeTransport, *changelog.Manager) {
	t.Helper()
	dir := t.TempDir()
	meta, err := metastore.Open(filepath.Join(dir, "meta.log"), nil)
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	cl := changelog.New(meta, nil)
	tr := transport.NewFakeTransport(deviceID)
	q := syncqueue.New(10, nil)
	rows := &fakeRows{rows: make(map[string][]byte)}
	e := New(tr, cl, rows, q, policy, nil)
	if err := e.Initialize("edgekv-test", "default"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return e, tr, cl
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRemoteDataChangedPushesPendingEntries(t *testing.T) {
	a, trA, clA := setupEngine(t, [32]byte{1}, nil)
	b, trB, clB := setupEngine(t, [32]byte{2}, nil)
	trA.Link(trB)
	_ = clB
	_ = b

	if _, err := clA.CaptureLocal("widgets", "7", "hash-7", false); err != nil {
		t.Fatalf("CaptureLocal: %v", err)
	}
	a.rows.(*fakeRows).rows["hash-7"] = []byte(`{"id":7}`)

	peerB := model.DeviceIdentity{DeviceID: [32]byte{2}}
	if _, err := a.RemoteDataChanged("", model.Descriptor{}, peerB, "widgets"); err != nil {
		t.Fatalf("RemoteDataChanged: %v", err)
	}

	waitFor(t, func() bool {
		_, ok, _ := clB.MirrorRow("widgets", deviceKeyFor(model.DeviceIdentity{DeviceID: [32]byte{1}}), "hash-7")
		return ok
	})
}

func TestRemoteDataChangedDeniedByPolicy(t *testing.T) {
	deny := func(callerUID string, d model.Descriptor) error {
		return errors.PermissionDenied("policy denies this caller")
	}
	a, trA, _ := setupEngine(t, [32]byte{1}, deny)
	b, trB, _ := setupEngine(t, [32]byte{2}, nil)
	trA.Link(trB)
	_ = b

	peerB := model.DeviceIdentity{DeviceID: [32]byte{2}}
	if _, err := a.RemoteDataChanged("caller", model.Descriptor{}, peerB, "widgets"); errors.Of(err) != errors.CodePermissionDenied {
		t.Errorf("expected PermissionDenied, got %v", err)
	}
}

func TestOnPeerOfflineCancelsInFlightDevice(t *testing.T) {
	a, trA, clA := setupEngine(t, [32]byte{1}, nil)
	b, trB, _ := setupEngine(t, [32]byte{2}, nil)
	trA.Link(trB)
	_ = b

	if _, err := clA.CaptureLocal("widgets", "1", "hash-1", false); err != nil {
		t.Fatalf("CaptureLocal: %v", err)
	}

	peerB := model.DeviceIdentity{DeviceID: [32]byte{2}}
	id, err := a.RemoteDataChanged("", model.Descriptor{}, peerB, "widgets")
	if err != nil {
		t.Fatalf("RemoteDataChanged: %v", err)
	}
	_ = id

	a.OnPeerOffline(peerB)

	a.mu.Lock()
	_, stillTracked := a.peerOps[peerB.DeviceID]
	a.mu.Unlock()
	if stillTracked {
		t.Error("expected peer's op tracking to be cleared after offline notification")
	}
}

func TestInitializeFailsWithoutTransport(t *testing.T) {
	dir := t.TempDir()
	meta, err := metastore.Open(filepath.Join(dir, "meta.log"), nil)
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	defer meta.Close()
	cl := changelog.New(meta, nil)
	q := syncqueue.New(10, nil)
	e := New(nil, cl, &fakeRows{rows: map[string][]byte{}}, q, nil, nil)

	if err := e.Initialize("label", "group"); errors.Of(err) != errors.CodeNotInit {
		t.Errorf("expected NotInit, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e, _, _ := setupEngine(t, [32]byte{3}, nil)
	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
