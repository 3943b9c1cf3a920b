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

package accounts

import (
	"path/filepath"
	"testing"

	"edgekv/internal/collab"
	"edgekv/internal/errors"
	"edgekv/internal/metastore"
	"edgekv/internal/model"
)

type fakeRegistry struct {
	events []collab.AccountEvent
	fail   bool
}

func (f *fakeRegistry) OnAccountEvent(event collab.AccountEvent, _ func(model.UserID, model.SecurityLevel) error) error {
	f.events = append(f.events, event)
	if f.fail {
		return errors.DBError("simulated registry failure")
	}
	return nil
}

func setupMeta(t *testing.T) metastore.Store {
	t.Helper()
	dir := t.TempDir()
	meta, err := metastore.Open(filepath.Join(dir, "meta.log"), nil)
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	return meta
}

func TestAccountRemovedTearsDownAndForgetsPairing(t *testing.T) {
	meta := setupMeta(t)
	reg := &fakeRegistry{}
	accountsProvider := collab.NewFakeAccountProvider()
	l := New(accountsProvider, reg, meta, nil, nil, nil)
	l.Start()
	defer l.Stop()

	if err := l.SetPairingPassphrase("user1", "correct horse"); err != nil {
		t.Fatalf("SetPairingPassphrase: %v", err)
	}

	accountsProvider.Emit(collab.AccountEvent{Kind: collab.AccountRemoved, User: "user1"})

	if len(reg.events) != 1 || reg.events[0].Kind != collab.AccountRemoved {
		t.Fatalf("expected registry to observe AccountRemoved, got %v", reg.events)
	}
	if err := l.VerifyPairingPassphrase("user1", "correct horse"); errors.Of(err) != errors.CodeSystemAccountEventProcessing {
		t.Errorf("expected pairing record to be forgotten after removal, got %v", err)
	}
}

func TestAccountSwitchedRebindsOnlyAfterRegistrySucceeds(t *testing.T) {
	meta := setupMeta(t)
	reg := &fakeRegistry{}
	accountsProvider := collab.NewFakeAccountProvider()

	var rebound []model.UserID
	rebind := func(userID model.UserID) error {
		rebound = append(rebound, userID)
		return nil
	}

	l := New(accountsProvider, reg, meta, rebind, nil, nil)
	l.Start()
	defer l.Stop()

	accountsProvider.Emit(collab.AccountEvent{Kind: collab.AccountSwitched, User: "user2", Prior: "user1"})

	if len(rebound) != 1 || rebound[0] != "user2" {
		t.Errorf("expected rebind to fire for the switched-to user, got %v", rebound)
	}
}

func TestAccountSwitchedSkipsRebindWhenRegistryFails(t *testing.T) {
	meta := setupMeta(t)
	reg := &fakeRegistry{fail: true}
	accountsProvider := collab.NewFakeAccountProvider()

	called := false
	rebind := func(userID model.UserID) error {
		called = true
		return nil
	}

	l := New(accountsProvider, reg, meta, rebind, nil, nil)
	l.Start()
	defer l.Stop()

	accountsProvider.Emit(collab.AccountEvent{Kind: collab.AccountSwitched, User: "user2"})

	if called {
		t.Error("expected rebind to be skipped when registry processing fails")
	}
}

func TestVerifyPairingPassphraseRejectsWrongPassphrase(t *testing.T) {
	meta := setupMeta(t)
	l := New(collab.NewFakeAccountProvider(), &fakeRegistry{}, meta, nil, nil, nil)

	if err := l.SetPairingPassphrase("user1", "correct horse"); err != nil {
		t.Fatalf("SetPairingPassphrase: %v", err)
	}
	if err := l.VerifyPairingPassphrase("user1", "wrong guess"); errors.Of(err) != errors.CodeSystemAccountEventProcessing {
		t.Errorf("expected SystemAccountEventProcessing on mismatch, got %v", err)
	}
	if err := l.VerifyPairingPassphrase("user1", "correct horse"); err != nil {
		t.Errorf("expected the correct passphrase to verify, got %v", err)
	}
}

func TestVerifyPairingPassphraseRejectsUnknownUser(t *testing.T) {
	meta := setupMeta(t)
	l := New(collab.NewFakeAccountProvider(), &fakeRegistry{}, meta, nil, nil, nil)

	if err := l.VerifyPairingPassphrase("nobody", "whatever"); errors.Of(err) != errors.CodeSystemAccountEventProcessing {
		t.Errorf("expected SystemAccountEventProcessing for an unpaired user, got %v", err)
	}
}
