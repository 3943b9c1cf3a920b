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
Package errors provides the closed error taxonomy for EdgeKV.

Every public API in this module returns either nil (Success) or an
*EdgeKVError carrying one of the Codes below. Categories group codes for
callers that want to branch on class rather than exact code (e.g. "was this
a crypto problem at all") without string-matching messages.

Propagation policy:
  - InvalidArgument, PermissionDenied, NotInit, Busy, IllegalState,
    SystemAccountEventProcessing: surfaced verbatim, never retried.
  - CryptError: always routed through the recovery coordinator before being
    surfaced to the caller.
  - DBError: surfaced after at most one retry.
  - Stale (internal only, never crosses a package boundary): Stale and
    IsStale exist, but no package in this module returns a Stale error or
    retries on one.
*/
package errors

import "fmt"

// Code identifies one of the externally visible error conditions.
type Code int

const (
	CodeInvalidArgument Code = iota + 1
	CodePermissionDenied
	CodeCryptError
	CodeDBError
	CodeStoreNotOpen
	CodeRecoverSuccess
	CodeRecoverFailed
	CodeBusy
	CodeNotInit
	CodeIllegalState
	CodeSystemAccountEventProcessing
	codeStale // internal-only; never returned from a public API
)

// Category groups related Codes for coarse-grained handling.
type Category string

const (
	CategoryValidation Category = "VALIDATION"
	CategorySecurity   Category = "SECURITY"
	CategoryCrypto     Category = "CRYPTO"
	CategoryStorage    Category = "STORAGE"
	CategoryLifecycle  Category = "LIFECYCLE"
	CategorySync       Category = "SYNC"
	CategoryInternal   Category = "INTERNAL"
)

func (c Code) category() Category {
	switch c {
	case CodeInvalidArgument:
		return CategoryValidation
	case CodePermissionDenied:
		return CategorySecurity
	case CodeCryptError:
		return CategoryCrypto
	case CodeDBError:
		return CategoryStorage
	case CodeStoreNotOpen, CodeBusy, CodeNotInit, CodeIllegalState, CodeSystemAccountEventProcessing:
		return CategoryLifecycle
	case CodeRecoverSuccess, CodeRecoverFailed:
		return CategoryStorage
	case codeStale:
		return CategoryInternal
	default:
		return CategoryInternal
	}
}

func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodePermissionDenied:
		return "PermissionDenied"
	case CodeCryptError:
		return "CryptError"
	case CodeDBError:
		return "DBError"
	case CodeStoreNotOpen:
		return "StoreNotOpen"
	case CodeRecoverSuccess:
		return "RecoverSuccess"
	case CodeRecoverFailed:
		return "RecoverFailed"
	case CodeBusy:
		return "Busy"
	case CodeNotInit:
		return "NotInit"
	case CodeIllegalState:
		return "IllegalState"
	case CodeSystemAccountEventProcessing:
		return "SystemAccountEventProcessing"
	case codeStale:
		return "Stale"
	default:
		return "Unknown"
	}
}

// EdgeKVError is the concrete error type returned by every public API.
type EdgeKVError struct {
	Code    Code
	Detail  string
	Hint    string
	Cause   error
}

// Error implements the error interface.
func (e *EdgeKVError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Code.category(), e.Detail)
	}
	return fmt.Sprintf("%s (%s)", e.Code, e.Code.category())
}

// Unwrap returns the underlying cause, if any.
func (e *EdgeKVError) Unwrap() error {
	return e.Cause
}

// Is reports whether target has the same Code, allowing errors.Is(err, New(CodeBusy, "")).
func (e *EdgeKVError) Is(target error) bool {
	t, ok := target.(*EdgeKVError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Category returns the error's category.
func (e *EdgeKVError) Category() Category {
	return e.Code.category()
}

// WithHint attaches an operator-facing hint and returns the receiver.
func (e *EdgeKVError) WithHint(hint string) *EdgeKVError {
	e.Hint = hint
	return e
}

// WithCause attaches the underlying cause and returns the receiver.
func (e *EdgeKVError) WithCause(cause error) *EdgeKVError {
	e.Cause = cause
	return e
}

// New constructs an EdgeKVError with the given code and detail.
func New(code Code, detail string) *EdgeKVError {
	return &EdgeKVError{Code: code, Detail: detail}
}

// ============================================================================
// Constructors, one per externally visible condition (spec.md section 7).
// ============================================================================

// InvalidArgument reports a malformed descriptor or an encrypt-option/meta mismatch.
func InvalidArgument(detail string) *EdgeKVError {
	return &EdgeKVError{Code: CodeInvalidArgument, Detail: detail}
}

// PermissionDenied reports that the checker collaborator rejected (callerUid, appId).
func PermissionDenied(detail string) *EdgeKVError {
	return &EdgeKVError{
		Code:   CodePermissionDenied,
		Detail: detail,
		Hint:   "verify the caller's bundle is whitelisted for this app id",
	}
}

// CryptError reports a missing, unrecoverable, or unreadable secret key.
func CryptError(detail string) *EdgeKVError {
	return &EdgeKVError{Code: CodeCryptError, Detail: detail}
}

// DBError reports a storage failure not attributable to cryptography.
func DBError(detail string) *EdgeKVError {
	return &EdgeKVError{Code: CodeDBError, Detail: detail}
}

// StoreNotOpen reports close/sync against an absent handle.
func StoreNotOpen(detail string) *EdgeKVError {
	return &EdgeKVError{Code: CodeStoreNotOpen, Detail: detail}
}

// RecoverSuccess reports that the recovery coordinator rebuilt the store from backup.
func RecoverSuccess(detail string) *EdgeKVError {
	return &EdgeKVError{Code: CodeRecoverSuccess, Detail: detail}
}

// RecoverFailed reports that recovery could not rebuild the store.
func RecoverFailed(detail string) *EdgeKVError {
	return &EdgeKVError{Code: CodeRecoverFailed, Detail: detail}
}

// Busy reports a quota conflict: queue full, manual sync disabled, or syncer closing.
func Busy(detail string) *EdgeKVError {
	return &EdgeKVError{Code: CodeBusy, Detail: detail}
}

// NotInit reports that the engine or its transport binding is not ready.
func NotInit(detail string) *EdgeKVError {
	return &EdgeKVError{Code: CodeNotInit, Detail: detail}
}

// IllegalState reports a listener unregister without a matching register, or similar misuse.
func IllegalState(detail string) *EdgeKVError {
	return &EdgeKVError{Code: CodeIllegalState, Detail: detail}
}

// SystemAccountEventProcessing reports a request received while the account
// listener is mid-switch.
func SystemAccountEventProcessing() *EdgeKVError {
	return &EdgeKVError{
		Code:   CodeSystemAccountEventProcessing,
		Detail: "an account add/remove/switch event is being processed",
	}
}

func stale(detail string) *EdgeKVError {
	return &EdgeKVError{Code: codeStale, Detail: detail}
}

// IsStale reports whether err is the internal Stale condition used by the
// connection-acquisition retry loop. Never true for an error returned across
// a package boundary.
func IsStale(err error) bool {
	e, ok := err.(*EdgeKVError)
	return ok && e.Code == codeStale
}

// ============================================================================
// Helpers
// ============================================================================

// Of extracts the Code from err, or 0 if err is not an *EdgeKVError.
func Of(err error) Code {
	if e, ok := err.(*EdgeKVError); ok {
		return e.Code
	}
	return 0
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return Of(err) == code
}
