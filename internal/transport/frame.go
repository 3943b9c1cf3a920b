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
	"encoding/binary"
	"errors"
	"io"
)

// Wire framing for peer-to-peer sync payloads: a fixed 6-byte header
// (magic, version, 4-byte big-endian length) followed by the payload.
// One message type only — the sync engine's own batches already carry
// their own structure (changelog.LogEntry, row bytes), so there's no
// protocol-level message-type byte the way a query protocol needs one.
const (
	frameMagic   byte = 0xEB
	frameVersion byte = 0x01
	frameHeader       = 6

	// MaxFrameSize bounds one wire message. Generous relative to
	// changelog's 4 MiB per-entry cap since a frame carries a whole batch.
	MaxFrameSize = 32 * 1024 * 1024
)

var (
	errBadMagic   = errors.New("transport: invalid frame magic")
	errBadVersion = errors.New("transport: unsupported frame version")
	errTooLarge   = errors.New("transport: frame exceeds maximum size")
)

func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errTooLarge
	}
	header := make([]byte, frameHeader)
	header[0] = frameMagic
	header[1] = frameVersion
	binary.BigEndian.PutUint32(header[2:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeader)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != frameMagic {
		return nil, errBadMagic
	}
	if header[1] != frameVersion {
		return nil, errBadVersion
	}
	length := binary.BigEndian.Uint32(header[2:])
	if length > MaxFrameSize {
		return nil, errTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
