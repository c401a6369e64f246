// Package vaulterr defines the error taxonomy shared by the metadata and
// chunk-storage subsystems and the adapters that turn it into outbound
// command-error / query-response envelopes.
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way it is surfaced to the originating
// client or node.
type Kind int

const (
	// KindInternal covers disk I/O and serialization failures: logged
	// locally and mapped to a generic data error for the caller.
	KindInternal Kind = iota
	KindNoSuchData
	KindDataExists
	KindAccessDenied
	KindInvalidOwners
	KindInvalidOperation
	KindFailedToDelete
	KindNoSuchKey
)

func (k Kind) String() string {
	switch k {
	case KindNoSuchData:
		return "NoSuchData"
	case KindDataExists:
		return "DataExists"
	case KindAccessDenied:
		return "AccessDenied"
	case KindInvalidOwners:
		return "InvalidOwners"
	case KindInvalidOperation:
		return "InvalidOperation"
	case KindFailedToDelete:
		return "FailedToDelete"
	case KindNoSuchKey:
		return "NoSuchKey"
	default:
		return "Internal"
	}
}

// Error is the error type every subsystem in this module returns for
// user-visible failures. It wraps an optional underlying cause so callers
// can still use errors.Is/As against it.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, vaulterr.NoSuchData) style checks against the
// sentinel-ish values below by comparing Kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, defaulting
// to KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinels usable with errors.Is for the common cases.
var (
	NoSuchData       = New(KindNoSuchData, "no such data")
	DataExists       = New(KindDataExists, "data exists")
	AccessDenied     = New(KindAccessDenied, "access denied")
	InvalidOperation = New(KindInvalidOperation, "invalid operation")
	FailedToDelete   = New(KindFailedToDelete, "failed to delete")
	NoSuchKey        = New(KindNoSuchKey, "no such key")
)

// InvalidOwners builds the InvalidOwners(pk) variant carrying the
// offending origin key's hex encoding in the message.
func InvalidOwners(originHex string) *Error {
	return New(KindInvalidOwners, "invalid owners: "+originHex)
}
