// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package equibase implements EquiBlobsFile: an append-only file of
// equal-size cells with O(1) allocation, deletion and free-slot reuse.
//
// It is the L0 building block every higher layer in perobs stores its
// fixed-layout records in: BTree nodes, SpaceManager BST nodes and the
// store's own registered header scalars all live as cells in one of
// these files. A cell is either free, reserved (allocated but not yet
// holding a caller-written payload) or live. Free cells chain into a
// singly linked free list threaded through the payload area itself, the
// same way the teacher's header.go threads deleted cells by size.
package equibase

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/vedranvuk/binaryex"
)

// State is a cell's allocation state.
type State uint8

const (
	StateFree     State = iota // Unused, on the free list.
	StateReserved              // Allocated, awaiting a first Store.
	StateLive                  // Holds a caller-written payload.
)

// header is the file header, written after every mutation.
type header struct {
	TotalEntries           uint64
	TotalSpaces            uint64
	FirstFreeAddress       uint64
	EntrySize              uint32
	FirstCustomEntryAddress uint64
}

const headerFixedSize = 8 + 8 + 8 + 4 + 8

// customField is one registered named 64-bit header scalar.
type customField struct {
	name  string
	value uint64
}

// File is an EquiBlobsFile: a single file of equal-size cells.
type File struct {
	filename string
	f        *os.File
	hdr      header
	fields   []*customField
	fieldIdx map[string]int
	opened   bool
}

// New returns an unopened File. Register custom header fields with
// RegisterField before calling Open.
func New(filename string, entrySize int) *File {
	return &File{
		filename: filename,
		hdr:      header{EntrySize: uint32(entrySize)},
		fieldIdx: make(map[string]int),
	}
}

// RegisterField registers a named 64-bit header scalar. Must be called
// before Open. Returns the field's slot index.
func (f *File) RegisterField(name string) (int, error) {
	if f.opened {
		return 0, fmt.Errorf("equibase: cannot register field %q after open", name)
	}
	if _, ok := f.fieldIdx[name]; ok {
		return 0, fmt.Errorf("equibase: field %q already registered", name)
	}
	f.fields = append(f.fields, &customField{name: name})
	idx := len(f.fields) - 1
	f.fieldIdx[name] = idx
	return idx, nil
}

// cellSize is the on-disk size of one cell: one state byte plus the
// entry payload.
func (f *File) cellSize() int64 {
	return 1 + int64(f.hdr.EntrySize)
}

// customFieldsSize returns the serialized size of the custom field
// block: one uint16 length-prefixed name plus a uint64 value, per field.
func (f *File) customFieldsSize() int64 {
	var n int64
	for _, cf := range f.fields {
		n += 2 + int64(len(cf.name)) + 8
	}
	return n
}

// dataStart returns the file offset of cell 1 (address 1).
func (f *File) dataStart() int64 {
	return headerFixedSize + f.customFieldsSize()
}

// cellOffset returns the byte offset of the given 1-based address.
func (f *File) cellOffset(addr uint64) int64 {
	return f.dataStart() + int64(addr-1)*f.cellSize()
}

// Open opens an existing file or creates a new one.
func (f *File) Open() error {
	exists := true
	if _, err := os.Stat(f.filename); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("equibase: stat error: %w", err)
		}
		exists = false
	}
	file, err := os.OpenFile(f.filename, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("equibase: open error: %w", err)
	}
	f.f = file
	f.opened = true
	if !exists {
		f.hdr.FirstCustomEntryAddress = headerFixedSize
		if err := f.writeCustomFields(); err != nil {
			return err
		}
		return f.writeHeader()
	}
	return f.readHeader()
}

// writeHeader writes the fixed header fields at offset 0.
func (f *File) writeHeader() error {
	buf := new(bytes.Buffer)
	for _, v := range []interface{}{
		f.hdr.TotalEntries, f.hdr.TotalSpaces, f.hdr.FirstFreeAddress,
		f.hdr.EntrySize, f.hdr.FirstCustomEntryAddress,
	} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("equibase: header encode error: %w", err)
		}
	}
	if _, err := f.f.WriteAt(buf.Bytes(), 0); err != nil {
		return fmt.Errorf("equibase: header write error: %w", err)
	}
	return nil
}

// readHeader reads the fixed header fields and the registered custom
// fields, matching them up by name to the caller's RegisterField calls.
func (f *File) readHeader() error {
	buf := make([]byte, headerFixedSize)
	if _, err := io.ReadFull(f.f, buf); err != nil {
		return fmt.Errorf("equibase: header read error: %w", err)
	}
	r := bytes.NewReader(buf)
	for _, v := range []interface{}{
		&f.hdr.TotalEntries, &f.hdr.TotalSpaces, &f.hdr.FirstFreeAddress,
		&f.hdr.EntrySize, &f.hdr.FirstCustomEntryAddress,
	} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("equibase: header decode error: %w", err)
		}
	}
	return f.readCustomFields()
}

// writeCustomFields writes the custom field block right after the
// fixed header.
func (f *File) writeCustomFields() error {
	buf := new(bytes.Buffer)
	for _, cf := range f.fields {
		if err := binaryex.WriteString(buf, cf.name); err != nil {
			return fmt.Errorf("equibase: custom field name write error: %w", err)
		}
		if err := binary.Write(buf, binary.LittleEndian, cf.value); err != nil {
			return fmt.Errorf("equibase: custom field value write error: %w", err)
		}
	}
	if _, err := f.f.WriteAt(buf.Bytes(), headerFixedSize); err != nil {
		return fmt.Errorf("equibase: custom field write error: %w", err)
	}
	return nil
}

// readCustomFields reads back the custom field block written by a prior
// session. The set and order of RegisterField calls must match.
func (f *File) readCustomFields() error {
	if len(f.fields) == 0 {
		return nil
	}
	buf := make([]byte, f.customFieldsSize())
	if _, err := f.f.ReadAt(buf, int64(f.hdr.FirstCustomEntryAddress)); err != nil && err != io.EOF {
		return fmt.Errorf("equibase: custom field read error: %w", err)
	}
	r := bytes.NewReader(buf)
	for _, cf := range f.fields {
		var name string
		if err := binaryex.ReadString(r, &name); err != nil {
			return fmt.Errorf("equibase: custom field name read error: %w", err)
		}
		if name != cf.name {
			return fmt.Errorf("equibase: custom field mismatch: want %q got %q", cf.name, name)
		}
		if err := binary.Read(r, binary.LittleEndian, &cf.value); err != nil {
			return fmt.Errorf("equibase: custom field value read error: %w", err)
		}
	}
	return nil
}

// GetField returns the current value of a registered custom field.
func (f *File) GetField(name string) (uint64, error) {
	idx, ok := f.fieldIdx[name]
	if !ok {
		return 0, fmt.Errorf("equibase: unknown field %q", name)
	}
	return f.fields[idx].value, nil
}

// SetField sets a registered custom field's value and persists the
// custom field block immediately.
func (f *File) SetField(name string, value uint64) error {
	idx, ok := f.fieldIdx[name]
	if !ok {
		return fmt.Errorf("equibase: unknown field %q", name)
	}
	f.fields[idx].value = value
	return f.writeCustomFields()
}

// Close flushes and closes the underlying file.
func (f *File) Close() error {
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	f.opened = false
	return err
}

// cellCount returns the total number of cells currently in the file.
func (f *File) cellCount() uint64 {
	return f.hdr.TotalEntries + f.hdr.TotalSpaces
}

// readState returns the state byte of the cell at addr.
func (f *File) readState(addr uint64) (State, error) {
	b := make([]byte, 1)
	if _, err := f.f.ReadAt(b, f.cellOffset(addr)); err != nil {
		return 0, fmt.Errorf("equibase: state read error: %w", err)
	}
	return State(b[0]), nil
}

// writeState writes the state byte of the cell at addr.
func (f *File) writeState(addr uint64, s State) error {
	if _, err := f.f.WriteAt([]byte{byte(s)}, f.cellOffset(addr)); err != nil {
		return fmt.Errorf("equibase: state write error: %w", err)
	}
	return nil
}

// readNextFree reads the free-list "next" pointer stored in a free
// cell's payload area (first 8 bytes).
func (f *File) readNextFree(addr uint64) (uint64, error) {
	b := make([]byte, 8)
	if _, err := f.f.ReadAt(b, f.cellOffset(addr)+1); err != nil {
		return 0, fmt.Errorf("equibase: free-list read error: %w", err)
	}
	return binary.LittleEndian.Uint64(b), nil
}

// writeNextFree writes the free-list "next" pointer into a free cell's
// payload area.
func (f *File) writeNextFree(addr, next uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, next)
	if _, err := f.f.WriteAt(b, f.cellOffset(addr)+1); err != nil {
		return fmt.Errorf("equibase: free-list write error: %w", err)
	}
	return nil
}

// Alloc returns the address of a reserved cell: the head of the free
// list if non-empty, else a freshly appended cell. The header is
// written last so a crash mid-allocation leaves the prior state intact.
func (f *File) Alloc() (uint64, error) {
	if f.hdr.FirstFreeAddress != 0 {
		addr := f.hdr.FirstFreeAddress
		next, err := f.readNextFree(addr)
		if err != nil {
			return 0, err
		}
		if err := f.writeState(addr, StateReserved); err != nil {
			return 0, err
		}
		f.hdr.FirstFreeAddress = next
		f.hdr.TotalSpaces--
		f.hdr.TotalEntries++
		if err := f.writeHeader(); err != nil {
			return 0, err
		}
		return addr, nil
	}
	addr := f.cellCount() + 1
	if err := f.writeState(addr, StateReserved); err != nil {
		return 0, err
	}
	f.hdr.TotalEntries++
	if err := f.writeHeader(); err != nil {
		return 0, err
	}
	return addr, nil
}

// Store writes data into the cell at addr. The cell must be Reserved or
// Live; writing into a Free cell fails. data must fit within EntrySize.
func (f *File) Store(addr uint64, data []byte) error {
	if uint32(len(data)) > f.hdr.EntrySize {
		return fmt.Errorf("equibase: payload %d exceeds entry size %d", len(data), f.hdr.EntrySize)
	}
	st, err := f.readState(addr)
	if err != nil {
		return err
	}
	if st == StateFree {
		return fmt.Errorf("equibase: store into free cell %d", addr)
	}
	buf := make([]byte, f.hdr.EntrySize)
	copy(buf, data)
	if _, err := f.f.WriteAt(buf, f.cellOffset(addr)+1); err != nil {
		return fmt.Errorf("equibase: store write error: %w", err)
	}
	if st != StateLive {
		if err := f.writeState(addr, StateLive); err != nil {
			return err
		}
	}
	return nil
}

// Retrieve returns the payload of a Live cell.
func (f *File) Retrieve(addr uint64) ([]byte, error) {
	if addr == 0 || addr > f.cellCount() {
		return nil, fmt.Errorf("equibase: address %d out of range", addr)
	}
	st, err := f.readState(addr)
	if err != nil {
		return nil, err
	}
	if st != StateLive {
		return nil, fmt.Errorf("equibase: cell %d is not live", addr)
	}
	buf := make([]byte, f.hdr.EntrySize)
	if _, err := f.f.ReadAt(buf, f.cellOffset(addr)+1); err != nil {
		return nil, fmt.Errorf("equibase: retrieve read error: %w", err)
	}
	return buf, nil
}

// Delete marks a Live cell Free and pushes it onto the free list. If the
// freed cell is the highest-addressed cell, the file is trimmed: the
// tail of consecutive free cells is truncated away.
func (f *File) Delete(addr uint64) error {
	st, err := f.readState(addr)
	if err != nil {
		return err
	}
	if st != StateLive && st != StateReserved {
		return fmt.Errorf("equibase: delete of non-live cell %d", addr)
	}
	if err := f.writeNextFree(addr, f.hdr.FirstFreeAddress); err != nil {
		return err
	}
	if err := f.writeState(addr, StateFree); err != nil {
		return err
	}
	f.hdr.FirstFreeAddress = addr
	f.hdr.TotalEntries--
	f.hdr.TotalSpaces++
	if err := f.trim(); err != nil {
		return err
	}
	return f.writeHeader()
}

// trim truncates the file past the last live cell, repeatedly, removing
// free cells from the free list as they are trimmed away. It does not
// rewrite the header; the caller does that once trim returns.
func (f *File) trim() error {
	for {
		total := f.cellCount()
		if total == 0 {
			break
		}
		st, err := f.readState(total)
		if err != nil {
			return err
		}
		if st != StateFree {
			break
		}
		if err := f.removeFromFreeList(total); err != nil {
			return err
		}
		f.hdr.TotalSpaces--
		if err := f.f.Truncate(f.cellOffset(total)); err != nil {
			return fmt.Errorf("equibase: truncate error: %w", err)
		}
	}
	return nil
}

// removeFromFreeList splices addr out of the singly linked free list.
func (f *File) removeFromFreeList(addr uint64) error {
	if f.hdr.FirstFreeAddress == addr {
		next, err := f.readNextFree(addr)
		if err != nil {
			return err
		}
		f.hdr.FirstFreeAddress = next
		return nil
	}
	cur := f.hdr.FirstFreeAddress
	for cur != 0 {
		next, err := f.readNextFree(cur)
		if err != nil {
			return err
		}
		if next == addr {
			tail, err := f.readNextFree(addr)
			if err != nil {
				return err
			}
			return f.writeNextFree(cur, tail)
		}
		cur = next
	}
	return fmt.Errorf("equibase: cell %d not found in free list", addr)
}

// Clear logically empties the file: every cell is discarded and the
// free list is reset, but the custom field block is preserved.
func (f *File) Clear() error {
	f.hdr.TotalEntries = 0
	f.hdr.TotalSpaces = 0
	f.hdr.FirstFreeAddress = 0
	if err := f.f.Truncate(f.dataStart()); err != nil {
		return fmt.Errorf("equibase: clear truncate error: %w", err)
	}
	return f.writeHeader()
}

// Erase closes and removes the file from disk.
func (f *File) Erase() error {
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(f.filename)
}

// TotalEntries returns the number of live/reserved cells.
func (f *File) TotalEntries() uint64 { return f.hdr.TotalEntries }

// TotalSpaces returns the number of free cells.
func (f *File) TotalSpaces() uint64 { return f.hdr.TotalSpaces }

// EntrySize returns the fixed payload size of each cell.
func (f *File) EntrySize() uint32 { return f.hdr.EntrySize }

// Check walks the file and the free list, verifying: every non-free
// cell is reachable by address; the free-list chain length equals
// TotalSpaces; the free list has no cycle; TotalEntries+TotalSpaces
// equals the cell count.
func (f *File) Check() (bool, error) {
	total := f.cellCount()
	if total != f.hdr.TotalEntries+f.hdr.TotalSpaces {
		return false, nil
	}
	seen := make(map[uint64]bool)
	cur := f.hdr.FirstFreeAddress
	count := uint64(0)
	for cur != 0 {
		if seen[cur] {
			return false, nil
		}
		seen[cur] = true
		st, err := f.readState(cur)
		if err != nil {
			return false, err
		}
		if st != StateFree {
			return false, nil
		}
		count++
		next, err := f.readNextFree(cur)
		if err != nil {
			return false, err
		}
		cur = next
	}
	if count != f.hdr.TotalSpaces {
		return false, nil
	}
	for addr := uint64(1); addr <= total; addr++ {
		st, err := f.readState(addr)
		if err != nil {
			return false, err
		}
		if st != StateFree && seen[addr] {
			return false, nil
		}
	}
	return true, nil
}
