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

package model

// Backend owns the actual store bytes on disk. The registry (C4) never
// touches storage internals directly; it drives Backend under its bucket
// lock. Declared here, rather than in internal/registry, so both
// internal/registry and internal/recovery can depend on the same contract
// without depending on each other.
type Backend interface {
	// Open opens (or creates, if createIfMissing) the store at d with the
	// given secret. outdated mirrors a backend that tracks its own
	// on-disk key-version independently of the secret manager's flag.
	Open(d Descriptor, secret []byte, createIfMissing bool) (outdated bool, err error)
	Close(d Descriptor) error
	Delete(d Descriptor) error
	Rekey(d Descriptor, oldSecret, newSecret []byte) error
	RowCount(d Descriptor) (int, error)
	Import(d Descriptor, rows map[string][]byte) error
}

// Recoverer is C5, invoked whenever Backend.Open fails classified as
// CryptError.
type Recoverer interface {
	Recover(d Descriptor, backend Backend, secret []byte) error
}
