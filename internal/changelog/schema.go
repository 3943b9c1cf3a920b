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

package changelog

import "edgekv/internal/errors"

// Column describes one column of a mirror table's schema.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	// Default is the column's non-null default, required (unless
	// Nullable) for a trailing column a peer schema adds beyond ours.
	Default  string
	Encoding CharacterEncoding
}

// Schema is a table's column list, ordered.
type Schema []Column

// CheckCompatible implements spec.md section 4.6's schema compatibility
// rule: a peer schema that is a prefix-extension of ours (only trailing
// columns added, each either Nullable or with a non-null default) is
// compatible; any column name or type mismatch on the shared prefix fails
// the batch.
func CheckCompatible(local, peer Schema) error {
	shared := len(local)
	if len(peer) < shared {
		shared = len(peer)
	}
	for i := 0; i < shared; i++ {
		if local[i].Name != peer[i].Name || local[i].Type != peer[i].Type {
			return errors.DBError("schema mismatch: column " + local[i].Name +
				" type disagrees between local and peer schema")
		}
	}
	if len(peer) > len(local) {
		for _, extra := range peer[len(local):] {
			if !extra.Nullable && extra.Default == "" {
				return errors.DBError("schema mismatch: trailing column " + extra.Name +
					" has no non-null default for prefix-extension compatibility")
			}
		}
	}
	return nil
}
