// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package perobs

import (
	"errors"
	"fmt"
)

// StoreError is the base error of the perobs package.
type StoreError struct {
	err error
}

// Error implements error.Error().
func (se StoreError) Error() string {
	return fmt.Sprintf("perobs: %s", se.err.Error())
}

// Unwrap implements error.Unwrap().
func (se StoreError) Unwrap() error {
	return se.err
}

// Errorf returns a new StoreError which wraps an error created from
// format string and arguments. The receiver is neither included in the
// message nor wrapped, so errors.Is(ErrX.Errorf(...), ErrX) is false.
func (se StoreError) Errorf(format string, args ...interface{}) StoreError {
	return StoreError{fmt.Errorf(format, args...)}
}

// UserError is the error type of ErrAbort, kept distinct from
// StoreError. Transaction does not wrap the error a caller's block
// returns in a UserError; it returns that error unchanged.
type UserError struct {
	err error
}

// Error implements error.Error().
func (ue UserError) Error() string {
	return fmt.Sprintf("perobs: user error: %s", ue.err.Error())
}

// Unwrap implements error.Unwrap().
func (ue UserError) Unwrap() error {
	return ue.err
}

// Errorf returns a new UserError which wraps an error created from
// format string and arguments.
func (ue UserError) Errorf(format string, args ...interface{}) UserError {
	return UserError{fmt.Errorf(format, args...)}
}

var (
	// ErrStore is the base generic error.
	ErrStore = StoreError{}

	// ErrClosed is returned by any operation on a closed Store.
	ErrClosed = StoreError{errors.New("store is closed")}

	// ErrLocked builds, through its Errorf, the error Open returns when
	// the store directory's lock cannot be acquired.
	ErrLocked = StoreError{errors.New("store directory is locked by another process")}

	// ErrUnsupportedVersion builds, through its Errorf, the error Open
	// returns when the on-disk version is newer than this
	// implementation supports or Options.Engine is not recognized.
	ErrUnsupportedVersion = StoreError{errors.New("unsupported on-disk version")}

	// ErrUnknownOID builds, through its Errorf, the error Handle.Bytes
	// returns for an OID with no live object. ObjectByID reports such
	// an OID with ok=false and a nil error instead.
	ErrUnknownOID = StoreError{errors.New("unknown oid")}

	// ErrReadOnly is returned by any mutating call on a Store opened
	// with Options.ReadOnly set.
	ErrReadOnly = StoreError{errors.New("store is read-only")}

	// ErrAbort is the sentinel a caller returns from inside a
	// Transaction block to trigger an explicit abort without treating
	// it as an unexpected failure.
	ErrAbort = UserError{errors.New("transaction aborted by caller")}
)
