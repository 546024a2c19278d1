// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package flatstore

import (
	"errors"
	"fmt"
)

// FlatStoreError is the base error of the flatstore package, following
// the teacher's wrapped-sentinel-error pattern exactly (errors.go).
type FlatStoreError struct {
	err error
}

// Error implements error.
func (e FlatStoreError) Error() string {
	return fmt.Sprintf("flatstore: %s", e.err.Error())
}

// Unwrap implements errors.Unwrap.
func (e FlatStoreError) Unwrap() error { return e.err }

// Errorf builds a new FlatStoreError wrapping a formatted error.
func (e FlatStoreError) Errorf(format string, args ...interface{}) FlatStoreError {
	return FlatStoreError{fmt.Errorf(format, args...)}
}

var (
	// ErrFlatStore is the base generic error.
	ErrFlatStore = FlatStoreError{}

	// ErrNotFound is returned when no blob exists under the given OID.
	ErrNotFound = FlatStoreError{errors.New("oid not found")}

	// ErrChecksumFailed is returned when a blob's CRC32 does not match
	// its header on read.
	ErrChecksumFailed = FlatStoreError{errors.New("blob checksum failed")}

	// ErrIndexCorrupt is returned when the IndexTree points at an
	// address whose header OID does not match, or at a free region.
	ErrIndexCorrupt = FlatStoreError{errors.New("index/flatfile divergence")}
)
