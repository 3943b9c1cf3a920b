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
Package transport defines the collaborator interface the sync engine (C8)
depends on for peer discovery and data exchange (spec.md section 6's
Transport collaborator), plus a default mDNS-discovered, TCP-delivered
implementation.

The collaborator-facing shape (setProcessLabel/setProcessCommunicator/
setPermissionCheckCallback/setSyncActivationCheckCallback/
setAutoLaunchRequestCallback) is exactly spec.md section 6's; this package
additionally exposes Send and Devices because a real sync engine needs
somewhere to push bytes and something to enumerate — spec.md leaves the
wire format and peer bookkeeping out of scope (section 1), so both are
this repo's own design, not a distillation of anything named in the spec.
*/
package transport

import (
	"edgekv/internal/model"
)

// PermissionCheckFunc gates whether peerDeviceID may act as appID at all
// (distinct from collab.Checker, which gates a local caller's uid).
type PermissionCheckFunc func(peerDeviceID [32]byte, appID string) bool

// SyncActivationFunc gates whether sync may activate for (peerDeviceID, appID).
type SyncActivationFunc func(peerDeviceID [32]byte, appID string) bool

// AutoLaunchFunc requests that the remote process behind appID be
// launched so it can take part in a sync.
type AutoLaunchFunc func(peerDeviceID [32]byte, appID string) error

// Communicator receives inbound peer traffic and liveness transitions.
// The sync engine implements this and registers it via SetCommunicator.
type Communicator interface {
	OnPeerData(peer model.DeviceIdentity, payload []byte)
	OnPeerOnline(peer model.DeviceIdentity)
	OnPeerOffline(peer model.DeviceIdentity)
}

// Transport is the collaborator the sync engine binds to. Concrete
// default is MDNSTransport; tests use FakeTransport.
type Transport interface {
	SetProcessLabel(label, group string) error
	SetCommunicator(c Communicator) error
	SetPermissionCheckCallback(cb PermissionCheckFunc)
	SetSyncActivationCheckCallback(cb SyncActivationFunc)
	SetAutoLaunchRequestCallback(cb AutoLaunchFunc)
	Devices() []model.DeviceIdentity
	// Send delivers payload to peer. Out of scope per spec.md section 1's
	// abstract Transport contract, but required for any concrete engine
	// to do actual sync work.
	Send(peer model.DeviceIdentity, payload []byte) error
	Close() error
}
