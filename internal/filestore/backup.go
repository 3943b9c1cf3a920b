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

package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"edgekv/internal/errors"
	"edgekv/internal/model"
)

const backupDirName = "_backups"

// DirBackupSource is a reference collab.BackupSource: one JSON file per
// (descriptor, security level) under <dataRoot>/<level>/_backups/. Real
// backup production is out of scope (spec.md section 1 only specifies the
// read contract recovery uses), so nothing in this repo writes these files
// except cmd/edgekv-shell's manual backup command; recovery (C5) only reads,
// and internal/registry.DeleteStore removes them as the first step of a
// store deletion (spec.md section 4.4).
type DirBackupSource struct {
	dataRoot string
}

// NewDirBackupSource constructs a DirBackupSource rooted at dataRoot.
func NewDirBackupSource(dataRoot string) *DirBackupSource {
	return &DirBackupSource{dataRoot: dataRoot}
}

type backupFile struct {
	CreatedAt time.Time         `json:"created_at"`
	Rows      map[string][]byte `json:"rows"`
}

func (b *DirBackupSource) path(d model.Descriptor, level model.SecurityLevel) string {
	name := string(d.UserID) + "__" + string(d.AppID) + "__" + d.StoreID + ".json"
	return filepath.Join(b.dataRoot, level.String(), backupDirName, name)
}

// Locate implements collab.BackupSource.
func (b *DirBackupSource) Locate(d model.Descriptor, level model.SecurityLevel) (model.BackupDescriptor, bool, error) {
	raw, err := os.ReadFile(b.path(d, level))
	if err != nil {
		if os.IsNotExist(err) {
			return model.BackupDescriptor{}, false, nil
		}
		return model.BackupDescriptor{}, false, errors.DBError("reading backup file").WithCause(err)
	}
	var bf backupFile
	if err := json.Unmarshal(raw, &bf); err != nil {
		return model.BackupDescriptor{}, false, errors.DBError("decoding backup file").WithCause(err)
	}
	return model.BackupDescriptor{
		Path:          b.path(d, level),
		SecurityLevel: level,
		CreatedAt:     bf.CreatedAt,
		RowCount:      len(bf.Rows),
	}, true, nil
}

// Open implements collab.BackupSource.
func (b *DirBackupSource) Open(bd model.BackupDescriptor) (map[string][]byte, error) {
	raw, err := os.ReadFile(bd.Path)
	if err != nil {
		return nil, errors.DBError("reading backup file").WithCause(err)
	}
	var bf backupFile
	if err := json.Unmarshal(raw, &bf); err != nil {
		return nil, errors.DBError("decoding backup file").WithCause(err)
	}
	return bf.Rows, nil
}

// Remove implements collab.BackupSource: deletes d's backup file at the
// given security level. A level with no backup present is not an error.
func (b *DirBackupSource) Remove(d model.Descriptor, level model.SecurityLevel) error {
	if err := os.Remove(b.path(d, level)); err != nil && !os.IsNotExist(err) {
		return errors.DBError("removing backup file").WithCause(err)
	}
	return nil
}

// Write persists a fresh backup for d at the given security level, used by
// cmd/edgekv-shell's manual backup command.
func (b *DirBackupSource) Write(d model.Descriptor, level model.SecurityLevel, rows map[string][]byte) error {
	path := b.path(d, level)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.DBError("creating backup directory").WithCause(err)
	}
	raw, err := json.Marshal(backupFile{CreatedAt: time.Now(), Rows: rows})
	if err != nil {
		return errors.DBError("encoding backup file").WithCause(err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return errors.DBError("writing backup file").WithCause(err)
	}
	return nil
}
