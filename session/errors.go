// Copyright 2024 by the Authors
// This file is part of the contractvm library.
//
// The contractvm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The contractvm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the contractvm library. If not, see <http://www.gnu.org/licenses/>.

package session

import "github.com/pkg/errors"

// Kind classifies a contract-level or VM-level error, independent of the
// prose attached to it, so callers can branch on cause rather than message
// text (spec §7).
type Kind int

const (
	KindInfallible Kind = iota
	KindDoesNotExist
	KindAlreadyExists
	KindInvalidBytecode
	KindInvalidFunction
	KindInvalidMemory
	KindOutOfGas
	KindPanic
	KindMemoryAccessOutOfBounds
	KindArgBufferOverflow
	KindMissingHostQuery
	KindMissingHostData
	KindRuntime
	KindIo
	KindUtf8
	KindSerialization
)

func (k Kind) String() string {
	switch k {
	case KindDoesNotExist:
		return "DoesNotExist"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindInvalidBytecode:
		return "InvalidBytecode"
	case KindInvalidFunction:
		return "InvalidFunction"
	case KindInvalidMemory:
		return "InvalidMemory"
	case KindOutOfGas:
		return "OutOfGas"
	case KindPanic:
		return "Panic"
	case KindMemoryAccessOutOfBounds:
		return "MemoryAccessOutOfBounds"
	case KindArgBufferOverflow:
		return "ArgBufferOverflow"
	case KindMissingHostQuery:
		return "MissingHostQuery"
	case KindMissingHostData:
		return "MissingHostData"
	case KindRuntime:
		return "Runtime"
	case KindIo:
		return "Io"
	case KindUtf8:
		return "Utf8"
	case KindSerialization:
		return "Serialization"
	default:
		return "Infallible"
	}
}

// Error is a contract-level or VM-level failure carrying a Kind. Contract-
// level kinds (everything but Io and Runtime arising from store corruption)
// are not fatal to the session; the caller may keep issuing operations.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// newErr wraps cause (which may be nil) under kind, using pkg/errors so a
// stack trace is attached the way the rest of this module reports
// store/io failures.
func newErr(kind Kind, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, cause: cause}
}

func errf(kind Kind, format string, args ...interface{}) *Error {
	return newErr(kind, errors.Errorf(format, args...))
}

// KindOf extracts the Kind of err, defaulting to Runtime for anything not
// produced by this package (e.g. a bare I/O error bubbling up).
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if err == nil {
		return KindInfallible
	}
	return KindRuntime
}

var (
	ErrSessionConsumed = errf(KindRuntime, "session: already committed or discarded")
	ErrPoisoned        = errf(KindIo, "session: poisoned by a prior VM-level error")
)
