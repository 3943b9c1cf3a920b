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

package transport

import (
	"fmt"
	"sync"

	"edgekv/internal/model"
)

// FakeTransport is an in-memory Transport for tests: Send delivers
// directly to a peer FakeTransport's registered Communicator, with no
// network or mDNS involved.
type FakeTransport struct {
	mu       sync.Mutex
	deviceID [32]byte
	devices  map[[32]byte]*FakeTransport

	communicator   Communicator
	permCheck      PermissionCheckFunc
	syncActivation SyncActivationFunc
	autoLaunch     AutoLaunchFunc

	label, group string
	sent         []sentMessage
}

type sentMessage struct {
	Peer    model.DeviceIdentity
	Payload []byte
}

// NewFakeTransport constructs a fake identified by deviceID.
func NewFakeTransport(deviceID [32]byte) *FakeTransport {
	return &FakeTransport{
		deviceID: deviceID,
		devices:  make(map[[32]byte]*FakeTransport),
	}
}

// Link registers peer as reachable from t (and t as reachable from peer),
// and fires OnPeerOnline on both sides' communicators, if set.
func (t *FakeTransport) Link(peer *FakeTransport) {
	t.mu.Lock()
	t.devices[peer.deviceID] = peer
	comm := t.communicator
	t.mu.Unlock()

	peer.mu.Lock()
	peer.devices[t.deviceID] = t
	peerComm := peer.communicator
	peer.mu.Unlock()

	if comm != nil {
		comm.OnPeerOnline(model.DeviceIdentity{DeviceID: peer.deviceID, Online: true})
	}
	if peerComm != nil {
		peerComm.OnPeerOnline(model.DeviceIdentity{DeviceID: t.deviceID, Online: true})
	}
}

// Unlink removes peer from t's device set and fires OnPeerOffline.
func (t *FakeTransport) Unlink(peer *FakeTransport) {
	t.mu.Lock()
	delete(t.devices, peer.deviceID)
	comm := t.communicator
	t.mu.Unlock()

	if comm != nil {
		comm.OnPeerOffline(model.DeviceIdentity{DeviceID: peer.deviceID, Online: false})
	}
}

func (t *FakeTransport) SetProcessLabel(label, group string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.label, t.group = label, group
	return nil
}

func (t *FakeTransport) SetCommunicator(c Communicator) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.communicator = c
	return nil
}

func (t *FakeTransport) SetPermissionCheckCallback(cb PermissionCheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.permCheck = cb
}

func (t *FakeTransport) SetSyncActivationCheckCallback(cb SyncActivationFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncActivation = cb
}

func (t *FakeTransport) SetAutoLaunchRequestCallback(cb AutoLaunchFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.autoLaunch = cb
}

func (t *FakeTransport) Devices() []model.DeviceIdentity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.DeviceIdentity, 0, len(t.devices))
	for id := range t.devices {
		out = append(out, model.DeviceIdentity{DeviceID: id, Online: true})
	}
	return out
}

func (t *FakeTransport) Send(peer model.DeviceIdentity, payload []byte) error {
	t.mu.Lock()
	target, ok := t.devices[peer.DeviceID]
	self := t.deviceID
	t.sent = append(t.sent, sentMessage{Peer: peer, Payload: payload})
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %x", peer.DeviceID)
	}

	target.mu.Lock()
	comm := target.communicator
	target.mu.Unlock()
	if comm != nil {
		comm.OnPeerData(model.DeviceIdentity{DeviceID: self, Online: true}, payload)
	}
	return nil
}

func (t *FakeTransport) Close() error { return nil }

// Sent returns every payload this transport has sent, for test assertions.
func (t *FakeTransport) Sent() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}
