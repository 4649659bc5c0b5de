// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package fvmerr defines the error taxonomy shared by every FVM component:
// capacity, argument, state, integrity and I/O error kinds, plus a wrapping
// type that carries the kind and the failing operation alongside the
// underlying cause.
package fvmerr

import (
	"errors"
	"fmt"
)

// Kind classifies an FVM error into one of the taxonomies from the design:
// capacity, argument, state, integrity or I/O.
type Kind int

const (
	// Capacity errors: the operation needed more of some resource than exists.
	NoSpace Kind = iota
	NoFreeEntry
	DeviceTooSmall

	// Argument errors: the caller's inputs are invalid for this state.
	OutOfRange
	NameTooLong
	BadGUID
	AlreadyAllocated
	NotAllocated
	DuplicateInstance

	// State errors: the target doesn't exist or is in the wrong state.
	NotFound
	BadState

	// Integrity errors: on-disk metadata failed validation.
	BadMagic
	BadVersion
	BadChecksum
	BadStructure
	NoFVM

	// I/O errors: the backing device or transport failed.
	IOError
	ChannelClosed
)

func (k Kind) String() string {
	switch k {
	case NoSpace:
		return "NoSpace"
	case NoFreeEntry:
		return "NoFreeEntry"
	case DeviceTooSmall:
		return "DeviceTooSmall"
	case OutOfRange:
		return "OutOfRange"
	case NameTooLong:
		return "NameTooLong"
	case BadGUID:
		return "BadGuid"
	case AlreadyAllocated:
		return "AlreadyAllocated"
	case NotAllocated:
		return "NotAllocated"
	case DuplicateInstance:
		return "DuplicateInstance"
	case NotFound:
		return "NotFound"
	case BadState:
		return "BadState"
	case BadMagic:
		return "BadMagic"
	case BadVersion:
		return "BadVersion"
	case BadChecksum:
		return "BadChecksum"
	case BadStructure:
		return "BadStructure"
	case NoFVM:
		return "NoFVM"
	case IOError:
		return "IoError"
	case ChannelClosed:
		return "ChannelClosed"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with the operation that failed and, where applicable,
// an underlying cause (e.g. a block device I/O failure).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fvm: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("fvm: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, fvmerr.New("", fvmerr.NotFound, nil)) or, more
// idiomatically, use Kind's own comparison via errors.As.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error for op failing with kind, optionally wrapping err.
func New(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Of returns the Kind carried by err if err is (or wraps) an *Error, and
// false otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.Kind, true
}
