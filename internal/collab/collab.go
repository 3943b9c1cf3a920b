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
Package collab defines the external collaborators the registry depends on
but does not implement: the permission checker and the OS account
provider (spec.md section 6). Both are out of scope per spec.md section 1;
this package holds their Go contracts plus in-memory fakes for tests.
*/
package collab

import (
	"edgekv/internal/model"
)

// Checker resolves and validates caller identity against the permission
// and whitelist subsystem, which lives outside this repository's scope.
type Checker interface {
	// TrueAppID returns the resolved application id for (callerUID,
	// bundleName), or "" if the caller is not permitted to act as it.
	TrueAppID(callerUID int, bundleName string) string
	IsValid(bundleName string, uid int) bool
}

// AccountEvent describes an OS account lifecycle transition.
type AccountEventKind int

const (
	AccountAdded AccountEventKind = iota
	AccountRemoved
	AccountSwitched
)

type AccountEvent struct {
	Kind   AccountEventKind
	User   model.UserID
	Prior  model.UserID // set only for AccountSwitched
}

// AccountProvider resolves OS account identity and notifies of account
// lifecycle events.
type AccountProvider interface {
	DeviceAccountIDByUID(uid int) (model.UserID, error)
	CurrentAccountID(bundleName string) (model.UserID, error)
	Subscribe(handler func(AccountEvent)) (unsubscribe func())
}

// FakeChecker is a permissive Checker for tests: it treats bundleName as
// already resolved unless explicitly denied.
type FakeChecker struct {
	Denied map[string]bool
}

func NewFakeChecker() *FakeChecker {
	return &FakeChecker{Denied: make(map[string]bool)}
}

func (f *FakeChecker) Deny(bundleName string) {
	f.Denied[bundleName] = true
}

func (f *FakeChecker) TrueAppID(callerUID int, bundleName string) string {
	if f.Denied[bundleName] {
		return ""
	}
	return bundleName
}

func (f *FakeChecker) IsValid(bundleName string, uid int) bool {
	return !f.Denied[bundleName]
}

// FakeAccountProvider is a controllable AccountProvider for tests.
type FakeAccountProvider struct {
	uidToUser map[int]model.UserID
	current   map[string]model.UserID
	handlers  []func(AccountEvent)
}

func NewFakeAccountProvider() *FakeAccountProvider {
	return &FakeAccountProvider{
		uidToUser: make(map[int]model.UserID),
		current:   make(map[string]model.UserID),
	}
}

func (f *FakeAccountProvider) SetUID(uid int, user model.UserID) {
	f.uidToUser[uid] = user
}

func (f *FakeAccountProvider) SetCurrent(bundleName string, user model.UserID) {
	f.current[bundleName] = user
}

func (f *FakeAccountProvider) DeviceAccountIDByUID(uid int) (model.UserID, error) {
	u, ok := f.uidToUser[uid]
	if !ok {
		return "", errNoSuchUID
	}
	return u, nil
}

func (f *FakeAccountProvider) CurrentAccountID(bundleName string) (model.UserID, error) {
	u, ok := f.current[bundleName]
	if !ok {
		return "", errNoSuchBundle
	}
	return u, nil
}

func (f *FakeAccountProvider) Subscribe(handler func(AccountEvent)) func() {
	f.handlers = append(f.handlers, handler)
	idx := len(f.handlers) - 1
	return func() {
		f.handlers[idx] = nil
	}
}

// Emit delivers event to every still-subscribed handler, for driving
// account-event tests deterministically.
func (f *FakeAccountProvider) Emit(event AccountEvent) {
	for _, h := range f.handlers {
		if h != nil {
			h(event)
		}
	}
}

// BackupSource is the backup-file collaborator recovery (C5) depends on.
// The file layout itself is out of scope per spec.md section 1; only its
// read contract is specified.
type BackupSource interface {
	// Locate reports whether a canonical backup file exists for d under
	// the given security level's backup directory.
	Locate(d model.Descriptor, level model.SecurityLevel) (model.BackupDescriptor, bool, error)
	// Open decodes the backup's row contents. The on-disk encoding is out
	// of scope; callers only see the recovered key/value rows.
	Open(bd model.BackupDescriptor) (map[string][]byte, error)
	// Remove deletes d's backup at the given security level, if one
	// exists. Removing a level with no backup present is not an error,
	// so a store delete that only ever backed up at one level can still
	// unconditionally remove both.
	Remove(d model.Descriptor, level model.SecurityLevel) error
}

// FakeBackupSource is an in-memory BackupSource for tests.
type FakeBackupSource struct {
	backups map[string]map[model.SecurityLevel]fakeBackup
}

type fakeBackup struct {
	descriptor model.BackupDescriptor
	rows       map[string][]byte
}

func NewFakeBackupSource() *FakeBackupSource {
	return &FakeBackupSource{backups: make(map[string]map[model.SecurityLevel]fakeBackup)}
}

// Put installs a backup for d at the given security level, for a test to
// simulate "backup present" pre-state.
func (f *FakeBackupSource) Put(d model.Descriptor, level model.SecurityLevel, rows map[string][]byte) {
	if f.backups[d.Key()] == nil {
		f.backups[d.Key()] = make(map[model.SecurityLevel]fakeBackup)
	}
	f.backups[d.Key()][level] = fakeBackup{
		descriptor: model.BackupDescriptor{SecurityLevel: level, RowCount: len(rows)},
		rows:       rows,
	}
}

func (f *FakeBackupSource) Locate(d model.Descriptor, level model.SecurityLevel) (model.BackupDescriptor, bool, error) {
	byLevel, ok := f.backups[d.Key()]
	if !ok {
		return model.BackupDescriptor{}, false, nil
	}
	b, ok := byLevel[level]
	if !ok {
		return model.BackupDescriptor{}, false, nil
	}
	return b.descriptor, true, nil
}

func (f *FakeBackupSource) Open(bd model.BackupDescriptor) (map[string][]byte, error) {
	for _, byLevel := range f.backups {
		for _, b := range byLevel {
			if b.descriptor.SecurityLevel == bd.SecurityLevel && b.descriptor.RowCount == bd.RowCount {
				return b.rows, nil
			}
		}
	}
	return nil, errNoSuchBackup
}

// Remove implements collab.BackupSource.
func (f *FakeBackupSource) Remove(d model.Descriptor, level model.SecurityLevel) error {
	byLevel, ok := f.backups[d.Key()]
	if !ok {
		return nil
	}
	delete(byLevel, level)
	return nil
}

// Rows returns the backup's row contents directly, for a test to assert
// against after recovery re-imports them.
func (f *FakeBackupSource) Rows(d model.Descriptor, level model.SecurityLevel) map[string][]byte {
	byLevel, ok := f.backups[d.Key()]
	if !ok {
		return nil
	}
	return byLevel[level].rows
}

type collabError string

func (e collabError) Error() string { return string(e) }

const (
	errNoSuchUID    = collabError("no account registered for uid")
	errNoSuchBundle = collabError("no current account for bundle")
	errNoSuchBackup = collabError("no backup found for descriptor")
)
