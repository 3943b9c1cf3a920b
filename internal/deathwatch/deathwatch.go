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
Package deathwatch implements the client-death registry (spec.md section
4.8 / C9): it tracks liveness of remote callers keyed by appId and, on
notification that a caller's process has died, closes every store that
caller held open.

The remote-object death subscription itself (an IPC primitive) is out of
scope per spec.md section 1; NotifyDeath stands in for whatever transport
delivers that signal, per the design notes' explicit function-pointer
model (spec.md section 9).
*/
package deathwatch

import (
	"sync"

	"edgekv/internal/collab"
	"edgekv/internal/errors"
	"edgekv/internal/logging"
	"edgekv/internal/model"
)

// Closer is the store registry's client-death hook (internal/registry's
// OnClientDeath). Declared here rather than imported from
// internal/registry so this package stays independent of C4.
type Closer interface {
	OnClientDeath(userID model.UserID, appID model.AppID) error
}

// Registry is C9.
type Registry struct {
	mu        sync.Mutex
	observers map[string]int // appId -> registering uid

	accounts collab.AccountProvider
	closer   Closer
	log      *logging.Logger
}

// New constructs a Registry against the given account resolver and store closer.
func New(accounts collab.AccountProvider, closer Closer, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewLogger("deathwatch")
	}
	return &Registry{
		observers: make(map[string]int),
		accounts:  accounts,
		closer:    closer,
		log:       log,
	}
}

// RegisterClientDeathObserver registers uid as the process to watch for
// appId. Duplicate registration for the same appId is rejected.
func (r *Registry) RegisterClientDeathObserver(appID string, uid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.observers[appID]; exists {
		return errors.IllegalState("a death observer is already registered for appId " + appID)
	}
	r.observers[appID] = uid
	return nil
}

// UnregisterClientDeathObserver removes appId's observer, if any. Not an
// error to unregister an appId with no observer.
func (r *Registry) UnregisterClientDeathObserver(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, appID)
}

// NotifyDeath is invoked when the transport reports that appId's remote
// process has died. It resolves the registering uid's userId and closes
// every store that caller held open. A one-shot unregister follows: a
// dead client can't die twice.
func (r *Registry) NotifyDeath(appID string) error {
	r.mu.Lock()
	uid, ok := r.observers[appID]
	if ok {
		delete(r.observers, appID)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn("death notification for an unregistered appId", "appId", appID)
		return nil
	}

	userID, err := r.accounts.DeviceAccountIDByUID(uid)
	if err != nil {
		return errors.InvalidArgument("resolving userId for dead client").WithCause(err)
	}

	if err := r.closer.OnClientDeath(userID, model.AppID(appID)); err != nil {
		r.log.Error("closing stores after client death failed", "appId", appID, "error", err)
		return err
	}
	return nil
}
