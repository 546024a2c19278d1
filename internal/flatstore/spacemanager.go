// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package flatstore

import (
	"encoding/binary"
	"fmt"

	"github.com/vedranvuk/perobs/internal/equibase"
)

// spaceNode is one free (address, size) region, stored as a single
// equibase cell: {size, address, left, right, parent}. The tree is an
// intentionally unbalanced BST keyed by size (see spec.md §4.3): every
// node's size is >= all sizes in its left subtree and <= all sizes in
// its right subtree, with equal sizes chained to the right.
type spaceNode struct {
	addr   uint64
	size   uint64
	region uint64
	left   uint64
	right  uint64
	parent uint64
}

const spaceNodeEntrySize = 8 * 5
const spaceRootField = "root"

// SpaceManager is the free-size -> address map backing FlatFile.
type SpaceManager struct {
	ebf  *equibase.File
	root uint64
}

// OpenSpaceManager opens or creates the free-space BST at filename.
func OpenSpaceManager(filename string) (*SpaceManager, error) {
	sm := &SpaceManager{ebf: equibase.New(filename, spaceNodeEntrySize)}
	if _, err := sm.ebf.RegisterField(spaceRootField); err != nil {
		return nil, err
	}
	if err := sm.ebf.Open(); err != nil {
		return nil, fmt.Errorf("spacemanager: open error: %w", err)
	}
	root, err := sm.ebf.GetField(spaceRootField)
	if err != nil {
		return nil, err
	}
	sm.root = root
	return sm, nil
}

// Close closes the underlying equibase file.
func (sm *SpaceManager) Close() error { return sm.ebf.Close() }

func encodeSpaceNode(n *spaceNode) []byte {
	b := make([]byte, spaceNodeEntrySize)
	binary.LittleEndian.PutUint64(b[0:], n.size)
	binary.LittleEndian.PutUint64(b[8:], n.region)
	binary.LittleEndian.PutUint64(b[16:], n.left)
	binary.LittleEndian.PutUint64(b[24:], n.right)
	binary.LittleEndian.PutUint64(b[32:], n.parent)
	return b
}

func decodeSpaceNode(addr uint64, b []byte) *spaceNode {
	return &spaceNode{
		addr:   addr,
		size:   binary.LittleEndian.Uint64(b[0:]),
		region: binary.LittleEndian.Uint64(b[8:]),
		left:   binary.LittleEndian.Uint64(b[16:]),
		right:  binary.LittleEndian.Uint64(b[24:]),
		parent: binary.LittleEndian.Uint64(b[32:]),
	}
}

func (sm *SpaceManager) load(addr uint64) (*spaceNode, error) {
	if addr == 0 {
		return nil, nil
	}
	b, err := sm.ebf.Retrieve(addr)
	if err != nil {
		return nil, fmt.Errorf("spacemanager: load node %d: %w", addr, err)
	}
	return decodeSpaceNode(addr, b), nil
}

func (sm *SpaceManager) save(n *spaceNode) error {
	return sm.ebf.Store(n.addr, encodeSpaceNode(n))
}

func (sm *SpaceManager) setRoot(addr uint64) error {
	sm.root = addr
	return sm.ebf.SetField(spaceRootField, addr)
}

// AddSpace inserts a free (address, size) region.
func (sm *SpaceManager) AddSpace(address, size uint64) error {
	n := &spaceNode{size: size, region: address}
	nodeAddr, err := sm.ebf.Alloc()
	if err != nil {
		return err
	}
	n.addr = nodeAddr

	if sm.root == 0 {
		if err := sm.save(n); err != nil {
			return err
		}
		return sm.setRoot(nodeAddr)
	}
	cur := sm.root
	for {
		curNode, err := sm.load(cur)
		if err != nil {
			return err
		}
		if size < curNode.size {
			if curNode.left == 0 {
				curNode.left = nodeAddr
				n.parent = cur
				if err := sm.save(curNode); err != nil {
					return err
				}
				return sm.save(n)
			}
			cur = curNode.left
		} else {
			if curNode.right == 0 {
				curNode.right = nodeAddr
				n.parent = cur
				if err := sm.save(curNode); err != nil {
					return err
				}
				return sm.save(n)
			}
			cur = curNode.right
		}
	}
}

// GetSpace removes and returns a free region whose size is >= requested
// (the smallest such region: best-fit upward), or ok=false if none
// fits and the caller must append to the file instead.
func (sm *SpaceManager) GetSpace(requested uint64) (address uint64, size uint64, ok bool, err error) {
	var best *spaceNode
	cur := sm.root
	for cur != 0 {
		n, lerr := sm.load(cur)
		if lerr != nil {
			return 0, 0, false, lerr
		}
		if n.size >= requested {
			best = n
			cur = n.left
		} else {
			cur = n.right
		}
	}
	if best == nil {
		return 0, 0, false, nil
	}
	if err := sm.deleteNode(best.addr); err != nil {
		return 0, 0, false, err
	}
	return best.region, best.size, true, nil
}

// HasSpace reports whether a free region of exactly (address, size)
// is present. Exposed for tests only, per spec.md §4.3.
func (sm *SpaceManager) HasSpace(address, size uint64) (bool, error) {
	found := false
	var walk func(addr uint64) error
	walk = func(addr uint64) error {
		if addr == 0 || found {
			return nil
		}
		n, err := sm.load(addr)
		if err != nil {
			return err
		}
		if n.size == size && n.region == address {
			found = true
			return nil
		}
		if err := walk(n.left); err != nil {
			return err
		}
		return walk(n.right)
	}
	if err := walk(sm.root); err != nil {
		return false, err
	}
	return found, nil
}

// replaceChild rewires parentAddr's pointer to oldAddr so it points to
// newAddr instead (or updates the tree root if oldAddr had no parent).
func (sm *SpaceManager) replaceChild(parentAddr, oldAddr, newAddr uint64) error {
	if parentAddr == 0 {
		return sm.setRoot(newAddr)
	}
	parent, err := sm.load(parentAddr)
	if err != nil {
		return err
	}
	if parent.left == oldAddr {
		parent.left = newAddr
	} else {
		parent.right = newAddr
	}
	return sm.save(parent)
}

// deleteNode removes the node at addr from the BST, following the
// standard unbalanced-BST deletion algorithm: zero or one child is
// spliced directly into the parent; two children are resolved by
// copying the in-order successor's payload up and deleting the
// successor (which has no left child) recursively.
func (sm *SpaceManager) deleteNode(addr uint64) error {
	n, err := sm.load(addr)
	if err != nil {
		return err
	}
	if n.left != 0 && n.right != 0 {
		succ, err := sm.leftmost(n.right)
		if err != nil {
			return err
		}
		n.size, n.region = succ.size, succ.region
		if err := sm.save(n); err != nil {
			return err
		}
		return sm.deleteNode(succ.addr)
	}
	var child uint64
	if n.left != 0 {
		child = n.left
	} else {
		child = n.right
	}
	if child != 0 {
		childNode, err := sm.load(child)
		if err != nil {
			return err
		}
		childNode.parent = n.parent
		if err := sm.save(childNode); err != nil {
			return err
		}
	}
	if err := sm.replaceChild(n.parent, addr, child); err != nil {
		return err
	}
	return sm.ebf.Delete(addr)
}

func (sm *SpaceManager) leftmost(addr uint64) (*spaceNode, error) {
	n, err := sm.load(addr)
	if err != nil {
		return nil, err
	}
	for n.left != 0 {
		n, err = sm.load(n.left)
		if err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Len returns the number of free regions tracked.
func (sm *SpaceManager) Len() uint64 { return sm.ebf.TotalEntries() }

// TotalFreeBytes sums the size of every tracked free region, for
// fragmentation-ratio reporting.
func (sm *SpaceManager) TotalFreeBytes() (uint64, error) {
	var total uint64
	var walk func(addr uint64) error
	walk = func(addr uint64) error {
		if addr == 0 {
			return nil
		}
		n, err := sm.load(addr)
		if err != nil {
			return err
		}
		total += n.size
		if err := walk(n.left); err != nil {
			return err
		}
		return walk(n.right)
	}
	if err := walk(sm.root); err != nil {
		return 0, err
	}
	return total, nil
}

// Clear empties the space manager.
func (sm *SpaceManager) Clear() error {
	if err := sm.ebf.Clear(); err != nil {
		return err
	}
	return sm.setRoot(0)
}

// Check verifies node count matches the backing file's TotalEntries and
// that no two nodes refer to the same region address. Overlapping
// regions that start at different addresses are not detected.
func (sm *SpaceManager) Check() (bool, error) {
	seen := make(map[uint64]bool)
	count := uint64(0)
	var walk func(addr uint64) (bool, error)
	walk = func(addr uint64) (bool, error) {
		if addr == 0 {
			return true, nil
		}
		n, err := sm.load(addr)
		if err != nil {
			return false, err
		}
		if seen[n.region] {
			return false, nil
		}
		seen[n.region] = true
		count++
		if ok, err := walk(n.left); err != nil || !ok {
			return ok, err
		}
		return walk(n.right)
	}
	ok, err := walk(sm.root)
	if err != nil || !ok {
		return ok, err
	}
	return count == sm.ebf.TotalEntries(), nil
}
