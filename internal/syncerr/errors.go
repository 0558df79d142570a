// Package syncerr defines the error taxonomy of the sync engine.
//
// Every failure the engine classifies carries a Code. Callers branch on
// codes with the Is helpers, which unwrap through fmt.Errorf chains.
package syncerr

import (
	"errors"
	"fmt"
)

// Code categorizes an engine error.
type Code string

const (
	// CodeStorageUnavailable means the local store could not be reached.
	// The current operation is abandoned and retried on the next drain.
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	// CodeNetworkTransient is a retryable replay failure (network error, 5xx).
	CodeNetworkTransient Code = "NETWORK_TRANSIENT"

	// CodeNetworkUnavailable means the remote cannot be reached at all
	// (offline or circuit open). Attempts are not counted.
	CodeNetworkUnavailable Code = "NETWORK_UNAVAILABLE"

	// CodeRemoteRejected is a non-retryable replay failure (4xx).
	CodeRemoteRejected Code = "REMOTE_REJECTED"

	// CodeAutoResolutionFailed means automatic resolution raised an error.
	CodeAutoResolutionFailed Code = "AUTO_RESOLUTION_FAILED"

	// CodeInvalidChoice is an unknown manual resolution choice.
	CodeInvalidChoice Code = "INVALID_CHOICE"

	// CodeCustomDataRequired is a custom resolution without a payload.
	CodeCustomDataRequired Code = "CUSTOM_DATA_REQUIRED"

	CodeConflictNotFound Code = "CONFLICT_NOT_FOUND"
	CodeConflictClosed   Code = "CONFLICT_CLOSED"
	CodeInvalidPayload   Code = "INVALID_PAYLOAD"
	CodeRecordNotFound   Code = "RECORD_NOT_FOUND"
)

// Error is a classified engine error.
type Error struct {
	Code       Code
	Op         string
	EntityType string
	EntityID   string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.EntityType != "" || e.EntityID != "" {
		msg += fmt.Sprintf(" (entity=%s/%s)", e.EntityType, e.EntityID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap classifies err under code. Wrapping nil returns nil.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// WithEntity returns a copy of e annotated with the affected entity.
func (e *Error) WithEntity(entityType, entityID string) *Error {
	cp := *e
	cp.EntityType = entityType
	cp.EntityID = entityID
	return &cp
}

// CodeOf returns the code of the first Error in err's chain, or "".
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// HasCode reports whether err's chain carries code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsStorageUnavailable returns true if err is a storage outage.
func IsStorageUnavailable(err error) bool {
	return HasCode(err, CodeStorageUnavailable)
}

// IsTransient returns true if err is a retryable replay failure.
func IsTransient(err error) bool {
	return HasCode(err, CodeNetworkTransient)
}

// IsUnavailable returns true if the remote could not be reached at all.
func IsUnavailable(err error) bool {
	return HasCode(err, CodeNetworkUnavailable)
}

// IsRejected returns true if the remote refused the mutation.
func IsRejected(err error) bool {
	return HasCode(err, CodeRemoteRejected)
}

// IsInvalidChoice returns true for an unknown manual resolution choice.
func IsInvalidChoice(err error) bool {
	return HasCode(err, CodeInvalidChoice)
}

// IsCustomDataRequired returns true when a custom choice lacks its payload.
func IsCustomDataRequired(err error) bool {
	return HasCode(err, CodeCustomDataRequired)
}

// IsNotFound returns true for missing conflicts or records.
func IsNotFound(err error) bool {
	c := CodeOf(err)
	return c == CodeConflictNotFound || c == CodeRecordNotFound
}

// IsOperatorError returns true for validation failures that are surfaced
// synchronously to the caller of a manual operation.
func IsOperatorError(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidChoice, CodeCustomDataRequired, CodeConflictNotFound,
		CodeConflictClosed, CodeInvalidPayload, CodeRecordNotFound:
		return true
	}
	return false
}
