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

import (
	"encoding/json"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"edgekv/internal/errors"
)

// CharacterEncoding names the on-disk text encoding a legacy peer schema's
// string column was written with, so a prefix-extension schema from an
// older store version decodes correctly during remote apply.
type CharacterEncoding int

const (
	EncodingUTF8 CharacterEncoding = iota
	EncodingLatin1
	EncodingASCII
	EncodingUTF16
)

// Encoder converts between a column's on-disk bytes and a Go string.
type Encoder interface {
	Encode(s string) ([]byte, error)
	Decode(b []byte) (string, error)
	Validate(s string) error
	Name() string
}

type utf8Encoder struct{}

func (e *utf8Encoder) Encode(s string) ([]byte, error) { return []byte(s), nil }

func (e *utf8Encoder) Decode(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", fmt.Errorf("invalid UTF-8 sequence")
	}
	return string(b), nil
}

func (e *utf8Encoder) Validate(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("string contains invalid UTF-8 sequences")
	}
	return nil
}

func (e *utf8Encoder) Name() string { return "UTF8" }

type latin1Encoder struct{}

func (e *latin1Encoder) Encode(s string) ([]byte, error) {
	return charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
}

func (e *latin1Encoder) Decode(b []byte) (string, error) {
	result, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(result), nil
}

func (e *latin1Encoder) Validate(s string) error {
	for _, r := range s {
		if r > 255 {
			return fmt.Errorf("character U+%04X is not valid in Latin-1 encoding", r)
		}
	}
	return nil
}

func (e *latin1Encoder) Name() string { return "LATIN1" }

type asciiEncoder struct{}

func (e *asciiEncoder) Encode(s string) ([]byte, error) {
	for _, r := range s {
		if r > 127 {
			return nil, fmt.Errorf("character U+%04X is not valid ASCII", r)
		}
	}
	return []byte(s), nil
}

func (e *asciiEncoder) Decode(b []byte) (string, error) {
	for _, c := range b {
		if c > 127 {
			return "", fmt.Errorf("byte 0x%02X is not valid ASCII", c)
		}
	}
	return string(b), nil
}

func (e *asciiEncoder) Validate(s string) error {
	for _, r := range s {
		if r > 127 {
			return fmt.Errorf("character U+%04X is not valid ASCII", r)
		}
	}
	return nil
}

func (e *asciiEncoder) Name() string { return "ASCII" }

type utf16Encoder struct{}

func (e *utf16Encoder) Encode(s string) ([]byte, error) {
	u16 := utf16.Encode([]rune(s))
	result := make([]byte, len(u16)*2)
	for i, v := range u16 {
		result[i*2] = byte(v >> 8)
		result[i*2+1] = byte(v)
	}
	return result, nil
}

func (e *utf16Encoder) Decode(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("invalid UTF-16: odd number of bytes")
	}
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = uint16(b[i*2])<<8 | uint16(b[i*2+1])
	}
	return string(utf16.Decode(u16)), nil
}

func (e *utf16Encoder) Validate(s string) error { return nil }

func (e *utf16Encoder) Name() string { return "UTF16" }

// GetEncoder returns the Encoder for the given column encoding.
func GetEncoder(encoding CharacterEncoding) Encoder {
	switch encoding {
	case EncodingLatin1:
		return &latin1Encoder{}
	case EncodingASCII:
		return &asciiEncoder{}
	case EncodingUTF16:
		return &utf16Encoder{}
	default:
		return &utf8Encoder{}
	}
}

// decodeLegacyColumns rewrites any column row carries under one of
// peerSchema's non-UTF-8 CharacterEncoding values into canonical UTF-8, so
// a mirror row applied from an older peer schema (spec.md section 4.6's
// prefix-extension compatibility) always reads back as UTF-8 regardless of
// what encoding the sending peer's schema used for that column. row must be
// a JSON object keyed by column name; a row that doesn't parse that way (an
// opaque blob from a peer with no per-column layout) is returned unchanged,
// and a schema with no non-UTF-8 columns is a no-op.
func decodeLegacyColumns(peerSchema Schema, row []byte) ([]byte, error) {
	legacy := false
	for _, col := range peerSchema {
		if col.Encoding != EncodingUTF8 {
			legacy = true
			break
		}
	}
	if !legacy {
		return row, nil
	}

	var cols map[string]json.RawMessage
	if err := json.Unmarshal(row, &cols); err != nil {
		return row, nil
	}

	for _, col := range peerSchema {
		if col.Encoding == EncodingUTF8 {
			continue
		}
		raw, ok := cols[col.Name]
		if !ok {
			continue
		}
		var onDisk []byte
		if err := json.Unmarshal(raw, &onDisk); err != nil {
			continue
		}
		decoded, err := GetEncoder(col.Encoding).Decode(onDisk)
		if err != nil {
			return nil, errors.DBError("decoding legacy column " + col.Name + " from peer schema").WithCause(err)
		}
		reencoded, err := json.Marshal([]byte(decoded))
		if err != nil {
			return nil, errors.DBError("re-encoding decoded column " + col.Name).WithCause(err)
		}
		cols[col.Name] = reencoded
	}

	out, err := json.Marshal(cols)
	if err != nil {
		return nil, errors.DBError("re-encoding row after legacy column decode").WithCause(err)
	}
	return out, nil
}
