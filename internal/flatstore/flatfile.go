// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package flatstore implements FlatFile, the variable-length blob
// container keyed by OID, and SpaceManager, its free-region allocator.
//
// Each write frames its payload with a blobHeader (flags, length, oid,
// crc32), following the teacher's flatfile.go Put/Get/Modify/Delete
// state machine generalized from string keys to OIDs and from a
// single-file stream to spec.md's `database.blobs`. A write either
// reuses a free region via SpaceManager's best-fit search or appends to
// the end of the file; the authoritative oid -> address map is an
// internal/btree.Tree (the IndexTree of spec.md §4.2).
package flatstore

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/vedranvuk/perobs/internal/btree"
)

// MinSplinterBytes is the splinter threshold (spec.md §9 Open
// Question): an in-place update whose residual free space would be
// smaller than this many bytes does not reuse the old slot — it
// allocates fresh and frees the old region in full. Chosen larger than
// the 11-byte delta exercised by the spec's own "slightly smaller"
// scenario (§8 scenario 1), so that scenario's blob is NOT reused.
const MinSplinterBytes = 32

const (
	dbFileName     = "database.blobs"
	indexFileName  = "index.nodes"
	spacesFileName = "spaces.nodes"

	// indexOrder is the IndexTree's branching factor. Not specified by
	// spec.md §4.4 beyond "typical 7-16"; 16 favors fewer, wider nodes
	// for an OID index expected to hold many entries.
	indexOrder = 16
)

// FlatFile is the variable-length blob container.
type FlatFile struct {
	dir   string
	db    *os.File
	size  int64
	space *SpaceManager
	index *btree.Tree
}

// Open opens or creates a FlatFile rooted at dir.
func Open(dir string) (*FlatFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ErrFlatStore.Errorf("mkdir error: %w", err)
	}
	db, err := os.OpenFile(filepath.Join(dir, dbFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, ErrFlatStore.Errorf("database open error: %w", err)
	}
	fi, err := db.Stat()
	if err != nil {
		db.Close()
		return nil, ErrFlatStore.Errorf("database stat error: %w", err)
	}
	space, err := OpenSpaceManager(filepath.Join(dir, spacesFileName))
	if err != nil {
		db.Close()
		return nil, err
	}
	index, err := btree.Open(filepath.Join(dir, indexFileName), indexOrder)
	if err != nil {
		db.Close()
		space.Close()
		return nil, ErrFlatStore.Errorf("index open error: %w", err)
	}
	return &FlatFile{dir: dir, db: db, size: fi.Size(), space: space, index: index}, nil
}

// Close closes the database file and its component trees.
func (ff *FlatFile) Close() error {
	erri := ff.index.Close()
	errs := ff.space.Close()
	errd := ff.db.Close()
	if erri != nil || errs != nil || errd != nil {
		return ErrFlatStore.Errorf("close errors: index=%v space=%v db=%v", erri, errs, errd)
	}
	return nil
}

// alloc returns an address for a region of exactly total bytes, either
// recycled from the SpaceManager or appended to the end of the file.
// A candidate free region is only reused when the leftover it would
// split off is zero or at least MinSplinterBytes; a smaller leftover
// would be a sliver too small to ever satisfy another allocation, so
// the candidate is put back untouched and the blob is appended fresh
// instead (spec.md §8 scenario 1: "should not store a blob that is
// slightly smaller in the hole").
func (ff *FlatFile) alloc(total uint64) (uint64, error) {
	addr, size, ok, err := ff.space.GetSpace(total)
	if err != nil {
		return 0, err
	}
	if ok {
		residual := size - total
		if residual == 0 || residual >= MinSplinterBytes {
			if residual > 0 {
				if err := ff.space.AddSpace(addr+total, residual); err != nil {
					return 0, err
				}
			}
			return addr, nil
		}
		if err := ff.space.AddSpace(addr, size); err != nil {
			return 0, err
		}
	}
	addr = uint64(ff.size)
	ff.size += int64(total)
	return addr, nil
}

func (ff *FlatFile) writeAt(addr uint64, data []byte) error {
	if _, err := ff.db.WriteAt(data, int64(addr)); err != nil {
		return ErrFlatStore.Errorf("write error: %w", err)
	}
	return nil
}

func (ff *FlatFile) readAt(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := ff.db.ReadAt(buf, int64(addr)); err != nil {
		return nil, ErrFlatStore.Errorf("read error: %w", err)
	}
	return buf, nil
}

func (ff *FlatFile) readHeader(addr uint64) (blobHeader, error) {
	buf, err := ff.readAt(addr, blobHeaderSize)
	if err != nil {
		return blobHeader{}, err
	}
	return decodeBlobHeader(buf), nil
}

// writeBlob frames and writes oid/payload at addr as a live region.
func (ff *FlatFile) writeBlob(addr, oid uint64, payload []byte) error {
	h := blobHeader{OID: oid, Length: uint32(len(payload)), CRC32: crc32.ChecksumIEEE(payload)}
	h.setLive(true)
	buf := make([]byte, blobHeaderSize+len(payload))
	copy(buf, encodeBlobHeader(h))
	copy(buf[blobHeaderSize:], payload)
	return ff.writeAt(addr, buf)
}

// markFree writes a free-state header at addr carrying length, the
// payload length the region held while live, so the region's total
// physical span (blobHeaderSize+length) remains self-describing.
func (ff *FlatFile) markFree(addr uint64, length uint32) error {
	h := blobHeader{Length: length}
	return ff.writeAt(addr, encodeBlobHeader(h))
}

// Put stores a brand new blob under oid. oid must not already be
// present; use Update to overwrite an existing oid.
func (ff *FlatFile) Put(oid uint64, payload []byte) error {
	total := uint64(blobHeaderSize + len(payload))
	addr, err := ff.alloc(total)
	if err != nil {
		return err
	}
	if err := ff.writeBlob(addr, oid, payload); err != nil {
		return err
	}
	return ff.index.Insert(oid, addr)
}

// Get returns the payload stored under oid, or ErrNotFound.
func (ff *FlatFile) Get(oid uint64) ([]byte, error) {
	payload, _, err := ff.get(oid)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// get is the shared Get/read_obj_by_id implementation: it verifies the
// header's own oid matches (detecting index/flatfile divergence) and
// its CRC32, then returns the payload.
func (ff *FlatFile) get(oid uint64) ([]byte, uint64, error) {
	addr, ok, err := ff.index.Get(oid)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, ErrNotFound
	}
	h, err := ff.readHeader(addr)
	if err != nil {
		return nil, 0, err
	}
	if !h.live() || h.OID != oid {
		return nil, 0, ErrIndexCorrupt.Errorf("oid %d: index points at address %d whose header disagrees", oid, addr)
	}
	payload, err := ff.readAt(addr+blobHeaderSize, int(h.Length))
	if err != nil {
		return nil, 0, err
	}
	if crc32.ChecksumIEEE(payload) != h.CRC32 {
		return nil, 0, ErrChecksumFailed.Errorf("oid %d at address %d", oid, addr)
	}
	return payload, addr, nil
}

// FindAddr returns the current address of oid, without reading its
// payload (find_obj_addr_by_id in spec.md §4.2).
func (ff *FlatFile) FindAddr(oid uint64) (uint64, bool, error) {
	return ff.index.Get(oid)
}

// freeRegion marks addr's header-described region free and returns it
// to the SpaceManager.
func (ff *FlatFile) freeRegion(addr uint64, h blobHeader) error {
	total := uint64(blobHeaderSize) + uint64(h.Length)
	if err := ff.markFree(addr, h.Length); err != nil {
		return err
	}
	return ff.space.AddSpace(addr, total)
}

// Delete removes the blob under oid.
func (ff *FlatFile) Delete(oid uint64) error {
	addr, ok, err := ff.index.Get(oid)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	h, err := ff.readHeader(addr)
	if err != nil {
		return err
	}
	if err := ff.freeRegion(addr, h); err != nil {
		return err
	}
	_, _, err = ff.index.Remove(oid)
	return err
}

// Update replaces the payload stored under oid, reusing the existing
// slot in place when the new payload is no larger and the residual
// free space left behind is either zero or at least MinSplinterBytes;
// otherwise it allocates a fresh region and frees the old one.
func (ff *FlatFile) Update(oid uint64, payload []byte) error {
	addr, ok, err := ff.index.Get(oid)
	if err != nil {
		return err
	}
	if !ok {
		return ff.Put(oid, payload)
	}
	oldHeader, err := ff.readHeader(addr)
	if err != nil {
		return err
	}
	oldTotal := uint64(blobHeaderSize) + uint64(oldHeader.Length)
	newTotal := uint64(blobHeaderSize + len(payload))

	if newTotal <= oldTotal {
		residual := oldTotal - newTotal
		if residual == 0 || residual >= MinSplinterBytes {
			if err := ff.writeBlob(addr, oid, payload); err != nil {
				return err
			}
			if residual > 0 {
				if err := ff.space.AddSpace(addr+newTotal, residual); err != nil {
					return err
				}
			}
			return nil
		}
	}

	// Fresh allocation: free the old region in full, then write and
	// reindex at a new address.
	if err := ff.freeRegion(addr, oldHeader); err != nil {
		return err
	}
	newAddr, err := ff.alloc(newTotal)
	if err != nil {
		return err
	}
	if err := ff.writeBlob(newAddr, oid, payload); err != nil {
		return err
	}
	return ff.index.Insert(oid, newAddr)
}

// MarkObject sets the GC mark bit on oid's header.
func (ff *FlatFile) MarkObject(oid uint64) error {
	addr, ok, err := ff.index.Get(oid)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	h, err := ff.readHeader(addr)
	if err != nil {
		return err
	}
	h.setMark(true)
	return ff.writeAt(addr, encodeBlobHeader(h))
}

// IsMarked reports whether oid's header mark bit is set.
func (ff *FlatFile) IsMarked(oid uint64) (bool, error) {
	addr, ok, err := ff.index.Get(oid)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotFound
	}
	h, err := ff.readHeader(addr)
	if err != nil {
		return false, err
	}
	return h.marked(), nil
}

// ClearAllMarks clears the mark bit on every live blob.
func (ff *FlatFile) ClearAllMarks() error {
	var addrs []uint64
	if err := ff.index.Each(nil, 0, func(_, addr uint64) bool {
		addrs = append(addrs, addr)
		return true
	}); err != nil {
		return err
	}
	for _, addr := range addrs {
		h, err := ff.readHeader(addr)
		if err != nil {
			return err
		}
		if !h.marked() {
			continue
		}
		h.setMark(false)
		if err := ff.writeAt(addr, encodeBlobHeader(h)); err != nil {
			return err
		}
	}
	return nil
}

// DeleteUnmarked deletes every live blob whose mark bit is clear,
// returning the count removed. Oids are snapshotted before mutation
// since iteration is not safe under concurrent mutation (spec.md §5).
func (ff *FlatFile) DeleteUnmarked() (int, error) {
	var toDelete []uint64
	if err := ff.index.Each(nil, 0, func(oid, addr uint64) bool {
		h, err := ff.readHeader(addr)
		if err != nil {
			return false
		}
		if !h.marked() {
			toDelete = append(toDelete, oid)
		}
		return true
	}); err != nil {
		return 0, err
	}
	for _, oid := range toDelete {
		if err := ff.Delete(oid); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

// Len returns the number of live blobs.
func (ff *FlatFile) Len() uint64 { return ff.index.Length() }

// Each iterates live blobs in ascending OID order.
func (ff *FlatFile) Each(cb func(oid uint64, payload []byte) bool) error {
	var stop bool
	err := ff.index.Each(nil, 0, func(oid, addr uint64) bool {
		if stop {
			return false
		}
		payload, _, err := ff.get(oid)
		if err != nil {
			stop = true
			return false
		}
		if !cb(oid, payload) {
			stop = true
			return false
		}
		return true
	})
	return err
}

// Defragmentize rewrites the database file in ascending OID order with
// no gaps between live blobs, resets the SpaceManager to empty and
// updates the IndexTree to the new addresses.
func (ff *FlatFile) Defragmentize() error {
	tmpPath := filepath.Join(ff.dir, dbFileName+".defrag")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return ErrFlatStore.Errorf("defrag temp file error: %w", err)
	}

	type reloc struct {
		oid     uint64
		oldAddr uint64
	}
	var order []reloc
	if err := ff.index.Each(nil, 0, func(oid, addr uint64) bool {
		order = append(order, reloc{oid, addr})
		return true
	}); err != nil {
		tmp.Close()
		return err
	}

	var pos int64
	newAddrs := make(map[uint64]uint64, len(order))
	for _, r := range order {
		h, err := ff.readHeader(r.oldAddr)
		if err != nil {
			tmp.Close()
			return err
		}
		payload, err := ff.readAt(r.oldAddr+blobHeaderSize, int(h.Length))
		if err != nil {
			tmp.Close()
			return err
		}
		buf := make([]byte, blobHeaderSize+len(payload))
		copy(buf, encodeBlobHeader(h))
		copy(buf[blobHeaderSize:], payload)
		if _, err := tmp.WriteAt(buf, pos); err != nil {
			tmp.Close()
			return ErrFlatStore.Errorf("defrag write error: %w", err)
		}
		newAddrs[r.oid] = uint64(pos)
		pos += int64(len(buf))
	}

	if err := tmp.Close(); err != nil {
		return ErrFlatStore.Errorf("defrag close error: %w", err)
	}
	if err := ff.db.Close(); err != nil {
		return ErrFlatStore.Errorf("defrag close db error: %w", err)
	}
	dbPath := filepath.Join(ff.dir, dbFileName)
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return ErrFlatStore.Errorf("defrag rename error: %w", err)
	}
	db, err := os.OpenFile(dbPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return ErrFlatStore.Errorf("defrag reopen error: %w", err)
	}
	ff.db = db
	ff.size = pos

	for _, r := range order {
		if err := ff.index.Insert(r.oid, newAddrs[r.oid]); err != nil {
			return err
		}
	}
	return ff.space.Clear()
}

// Check cross-validates the FlatFile's IndexTree and SpaceManager:
// every live header's CRC matches, every index entry resolves to a
// live, matching header, and the SpaceManager's own internal
// invariants hold.
func (ff *FlatFile) Check() (bool, error) {
	ok, err := ff.index.Check(func(oid, addr uint64) error {
		h, err := ff.readHeader(addr)
		if err != nil {
			return err
		}
		if !h.live() || h.OID != oid {
			return fmt.Errorf("index/flatfile divergence at oid %d", oid)
		}
		payload, err := ff.readAt(addr+blobHeaderSize, int(h.Length))
		if err != nil {
			return err
		}
		if crc32.ChecksumIEEE(payload) != h.CRC32 {
			return fmt.Errorf("checksum mismatch at oid %d", oid)
		}
		return nil
	})
	if err != nil || !ok {
		return ok, err
	}
	return ff.space.Check()
}

// Size returns the current size of the database file in bytes.
func (ff *FlatFile) Size() int64 { return ff.size }

// FreeRatio returns the fraction of the database file's bytes
// currently tracked as free, used to decide when a GC pass should
// trigger a Defragmentize.
func (ff *FlatFile) FreeRatio() (float64, error) {
	if ff.size == 0 {
		return 0, nil
	}
	free, err := ff.space.TotalFreeBytes()
	if err != nil {
		return 0, err
	}
	return float64(free) / float64(ff.size), nil
}
