// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package txlog implements nested transaction frames backed by an
// append-only on-disk undo log, completing the teacher's abandoned
// intents.go Promise/Complete stubs (left as "// TODO Store intent" and
// "// TODO Remove intent") for real, and generalizing one intent per
// mutation into one undo frame per nested transaction scope. Record
// framing (a length prefix around each encoded record) follows the
// length-prefixed-record idiom of a two-phase-commit log.
package txlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// Kind distinguishes what an UndoRecord restores.
type Kind uint8

const (
	// KindCacheState restores a cache entry's prior presence/address.
	KindCacheState Kind = iota
	// KindIndexValue restores an IndexTree entry's prior value.
	KindIndexValue
	// KindNewOID rolls back an OID allocation by deleting it outright.
	KindNewOID
)

// UndoRecord captures enough state to reverse a single mutation.
// Fields not meaningful to a given Kind are left zero.
type UndoRecord struct {
	Kind Kind
	OID  uint64

	WasPresent       bool
	PriorAddress     uint64
	PriorBlobPresent bool
	PriorBlob        []byte

	PriorIndexPresent bool
	PriorIndexValue   uint64
}

func encodeRecord(r UndoRecord) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(r.Kind))
	writeU64(buf, r.OID)
	writeBool(buf, r.WasPresent)
	writeU64(buf, r.PriorAddress)
	writeBool(buf, r.PriorBlobPresent)
	writeU32(buf, uint32(len(r.PriorBlob)))
	buf.Write(r.PriorBlob)
	writeBool(buf, r.PriorIndexPresent)
	writeU64(buf, r.PriorIndexValue)
	return buf.Bytes()
}

func decodeRecord(b []byte) (UndoRecord, error) {
	r := bytes.NewReader(b)
	var r0 UndoRecord
	kb, err := r.ReadByte()
	if err != nil {
		return r0, err
	}
	r0.Kind = Kind(kb)
	if r0.OID, err = readU64(r); err != nil {
		return r0, err
	}
	if r0.WasPresent, err = readBool(r); err != nil {
		return r0, err
	}
	if r0.PriorAddress, err = readU64(r); err != nil {
		return r0, err
	}
	if r0.PriorBlobPresent, err = readBool(r); err != nil {
		return r0, err
	}
	n, err := readU32(r)
	if err != nil {
		return r0, err
	}
	if n > 0 {
		r0.PriorBlob = make([]byte, n)
		if _, err := io.ReadFull(r, r0.PriorBlob); err != nil {
			return r0, err
		}
	}
	if r0.PriorIndexPresent, err = readBool(r); err != nil {
		return r0, err
	}
	if r0.PriorIndexValue, err = readU64(r); err != nil {
		return r0, err
	}
	return r0, nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// Log is the on-disk undo log plus the in-memory nested-frame stack.
// Every record appended to the current frame is also appended to disk
// immediately, so a crash at any point in a transaction (nested or not)
// leaves a durable trail a later Recover can replay.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	frames [][]UndoRecord
}

// Open opens or creates the log file at path. It does not itself
// replay a non-empty log; call Recover explicitly once the store's
// other components are ready to have undo records applied to them.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("txlog: open error: %w", err)
	}
	return &Log{path: path, file: f}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Depth returns the current nesting depth (0 means no open transaction).
func (l *Log) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// Begin pushes a new, empty undo frame.
func (l *Log) Begin() {
	l.mu.Lock()
	l.frames = append(l.frames, nil)
	l.mu.Unlock()
}

// Record appends an undo record to the current frame and durably to
// the on-disk log. Record must be called within a Begin/Commit-or-
// Abort pair.
func (l *Log) Record(r UndoRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return fmt.Errorf("txlog: record outside a transaction")
	}
	top := len(l.frames) - 1
	l.frames[top] = append(l.frames[top], r)

	enc := encodeRecord(r)
	buf := new(bytes.Buffer)
	writeU32(buf, uint32(len(enc)))
	buf.Write(enc)
	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("txlog: append error: %w", err)
	}
	return l.file.Sync()
}

// Commit pops the current frame. If an outer frame remains, its
// records are merged into it (the on-disk log is untouched — the
// transaction as a whole is not yet durable). If this was the
// outermost frame, the transaction is now fully reflected in the
// store's other components, so the on-disk log is truncated away.
func (l *Log) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return fmt.Errorf("txlog: commit without a matching begin")
	}
	top := len(l.frames) - 1
	records := l.frames[top]
	l.frames = l.frames[:top]
	if len(l.frames) > 0 {
		parent := len(l.frames) - 1
		l.frames[parent] = append(l.frames[parent], records...)
		return nil
	}
	return l.truncateLocked()
}

// Abort pops the current frame and returns its records in the order
// they must be replayed (reverse of application order) to undo them.
// It does not merge into any parent frame.
func (l *Log) Abort() ([]UndoRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return nil, fmt.Errorf("txlog: abort without a matching begin")
	}
	top := len(l.frames) - 1
	records := l.frames[top]
	l.frames = l.frames[:top]

	reversed := make([]UndoRecord, len(records))
	for i, r := range records {
		reversed[len(records)-1-i] = r
	}
	if len(l.frames) == 0 {
		if err := l.truncateLocked(); err != nil {
			return nil, err
		}
	}
	return reversed, nil
}

func (l *Log) truncateLocked() error {
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("txlog: truncate error: %w", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("txlog: seek error: %w", err)
	}
	return nil
}

// Pending reads every record currently on disk, in append order,
// without touching the in-memory frame stack. A non-empty result means
// the process exited (or crashed) with an open transaction.
func (l *Log) Pending() ([]UndoRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("txlog: seek error: %w", err)
	}
	var records []UndoRecord
	for {
		n, err := readU32(l.file)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("txlog: read error: %w", err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(l.file, buf); err != nil {
			return nil, fmt.Errorf("txlog: read error: %w", err)
		}
		r, err := decodeRecord(buf)
		if err != nil {
			return nil, fmt.Errorf("txlog: decode error: %w", err)
		}
		records = append(records, r)
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("txlog: seek error: %w", err)
	}
	return records, nil
}

// Recover replays any pending records (in reverse of append order,
// i.e. as an abort of whatever transaction never committed) through
// apply, then clears the log. Called once at store Open, before the
// store accepts requests.
func (l *Log) Recover(apply func(UndoRecord) error) (int, error) {
	records, err := l.Pending()
	if err != nil {
		return 0, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if err := apply(records[i]); err != nil {
			return 0, fmt.Errorf("txlog: recovery apply error: %w", err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.truncateLocked(); err != nil {
		return 0, err
	}
	return len(records), nil
}
