// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package btree implements a generic, disk-resident B+tree over
// (uint64 key -> uint64 value) pairs, stored one node per cell in an
// equibase.File. It serves both as the store's OID->address index and
// as the BigArray/BigHash building block (BigTreeNode, a value-only
// leaf variant keyed by position rather than an explicit key).
//
// Every node lives in a single fixed-size equibase cell, following the
// teacher's "everything is a record in a header file" idiom from
// header.go/cell.go, generalized from a flat keyed store into a real
// ordered tree.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vedranvuk/perobs/internal/equibase"
)

type kind uint8

const (
	leafKind   kind = 0
	branchKind kind = 1
)

const rootFieldName = "root"
const lengthFieldName = "length"

// Tree is a disk-resident B+tree.
type Tree struct {
	ebf    *equibase.File
	order  int
	root   uint64
	length uint64
}

// node is the in-memory decoding of one on-disk cell.
//
// For a leaf node, keys[i] maps to vals[i].
// For a branch node, vals has len(keys)+1 entries: vals[i] is the child
// holding keys < keys[i] (vals[last] holds keys >= keys[last-1]).
type node struct {
	addr  uint64
	kind  kind
	keys  []uint64
	vals  []uint64
	prev  uint64
	next  uint64
}

// Open opens or creates a B+tree of the given order (branching factor,
// >= 3) backed by filename.
func Open(filename string, order int) (*Tree, error) {
	if order < 3 {
		return nil, fmt.Errorf("btree: order must be >= 3, got %d", order)
	}
	t := &Tree{order: order}
	entrySize := t.entrySize()
	t.ebf = equibase.New(filename, entrySize)
	if _, err := t.ebf.RegisterField(rootFieldName); err != nil {
		return nil, err
	}
	if _, err := t.ebf.RegisterField(lengthFieldName); err != nil {
		return nil, err
	}
	if err := t.ebf.Open(); err != nil {
		return nil, fmt.Errorf("btree: open error: %w", err)
	}
	root, err := t.ebf.GetField(rootFieldName)
	if err != nil {
		return nil, err
	}
	t.root = root
	length, err := t.ebf.GetField(lengthFieldName)
	if err != nil {
		return nil, err
	}
	t.length = length
	if t.root == 0 {
		n := &node{kind: leafKind}
		addr, err := t.allocNode(n)
		if err != nil {
			return nil, err
		}
		t.root = addr
		if err := t.ebf.SetField(rootFieldName, t.root); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Close closes the underlying equibase file.
func (t *Tree) Close() error { return t.ebf.Close() }

// maxKeys is the maximum number of keys a node may hold: order-1.
func (t *Tree) maxKeys() int { return t.order - 1 }

// minKeys is the minimum number of keys a non-root node must hold.
func (t *Tree) minKeys() int {
	m := (t.order + 1) / 2
	return m - 1
}

// entrySize computes the fixed cell size for this tree's order:
// 1 (kind) + 2 (count) + maxKeys*8 (keys) + order*8 (vals) + 8 (prev) + 8 (next).
func (t *Tree) entrySize() int {
	return 1 + 2 + t.maxKeys()*8 + t.order*8 + 8 + 8
}

func (t *Tree) encode(n *node) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(n.kind))
	var cnt [2]byte
	binary.LittleEndian.PutUint16(cnt[:], uint16(len(n.keys)))
	buf.Write(cnt[:])
	kb := make([]byte, t.maxKeys()*8)
	for i, k := range n.keys {
		binary.LittleEndian.PutUint64(kb[i*8:], k)
	}
	buf.Write(kb)
	vb := make([]byte, t.order*8)
	for i, v := range n.vals {
		binary.LittleEndian.PutUint64(vb[i*8:], v)
	}
	buf.Write(vb)
	var pn [16]byte
	binary.LittleEndian.PutUint64(pn[0:8], n.prev)
	binary.LittleEndian.PutUint64(pn[8:16], n.next)
	buf.Write(pn[:])
	return buf.Bytes()
}

func (t *Tree) decode(addr uint64, data []byte) *node {
	n := &node{addr: addr}
	n.kind = kind(data[0])
	count := int(binary.LittleEndian.Uint16(data[1:3]))
	off := 3
	n.keys = make([]uint64, count)
	for i := 0; i < count; i++ {
		n.keys[i] = binary.LittleEndian.Uint64(data[off+i*8:])
	}
	off += t.maxKeys() * 8
	valCount := count
	if n.kind == branchKind {
		valCount = count + 1
	}
	n.vals = make([]uint64, valCount)
	for i := 0; i < valCount; i++ {
		n.vals[i] = binary.LittleEndian.Uint64(data[off+i*8:])
	}
	off += t.order * 8
	n.prev = binary.LittleEndian.Uint64(data[off:])
	n.next = binary.LittleEndian.Uint64(data[off+8:])
	return n
}

func (t *Tree) loadNode(addr uint64) (*node, error) {
	data, err := t.ebf.Retrieve(addr)
	if err != nil {
		return nil, fmt.Errorf("btree: load node %d: %w", addr, err)
	}
	return t.decode(addr, data), nil
}

func (t *Tree) saveNode(n *node) error {
	return t.ebf.Store(n.addr, t.encode(n))
}

func (t *Tree) allocNode(n *node) (uint64, error) {
	addr, err := t.ebf.Alloc()
	if err != nil {
		return 0, err
	}
	n.addr = addr
	if err := t.saveNode(n); err != nil {
		return 0, err
	}
	return addr, nil
}

func (t *Tree) freeNode(n *node) error {
	return t.ebf.Delete(n.addr)
}

func (t *Tree) setLength(n uint64) error {
	t.length = n
	return t.ebf.SetField(lengthFieldName, n)
}

func (t *Tree) setRoot(addr uint64) error {
	t.root = addr
	return t.ebf.SetField(rootFieldName, addr)
}

// Length returns the number of keys in the tree.
func (t *Tree) Length() uint64 { return t.length }

// Clear empties the tree, leaving a single empty leaf as root.
func (t *Tree) Clear() error {
	if err := t.ebf.Clear(); err != nil {
		return err
	}
	n := &node{kind: leafKind}
	addr, err := t.allocNode(n)
	if err != nil {
		return err
	}
	if err := t.setRoot(addr); err != nil {
		return err
	}
	return t.setLength(0)
}

// findLeaf descends from the root to the leaf that would contain key,
// recording the path of branch nodes walked for later split/merge use.
func (t *Tree) findLeaf(key uint64) (*node, []*node, error) {
	var path []*node
	addr := t.root
	for {
		n, err := t.loadNode(addr)
		if err != nil {
			return nil, nil, err
		}
		if n.kind == leafKind {
			return n, path, nil
		}
		path = append(path, n)
		idx := upperBound(n.keys, key)
		addr = n.vals[idx]
	}
}

// upperBound returns the index of the first element in keys strictly
// greater than key (i.e. the child slot that must contain key if
// present).
func upperBound(keys []uint64, key uint64) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if keys[mid] <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Get returns the value mapped to key, if present.
func (t *Tree) Get(key uint64) (uint64, bool, error) {
	leaf, _, err := t.findLeaf(key)
	if err != nil {
		return 0, false, err
	}
	i := lowerBound(leaf.keys, key)
	if i < len(leaf.keys) && leaf.keys[i] == key {
		return leaf.vals[i], true, nil
	}
	return 0, false, nil
}

// HasKey reports whether key is present in the tree.
func (t *Tree) HasKey(key uint64) (bool, error) {
	_, ok, err := t.Get(key)
	return ok, err
}

func lowerBound(keys []uint64, key uint64) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if keys[mid] < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Insert inserts or replaces the value mapped to key.
func (t *Tree) Insert(key, value uint64) error {
	leaf, path, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	i := lowerBound(leaf.keys, key)
	isNew := !(i < len(leaf.keys) && leaf.keys[i] == key)
	if !isNew {
		leaf.vals[i] = value
		if err := t.saveNode(leaf); err != nil {
			return err
		}
		return nil
	}
	leaf.keys = insertAt(leaf.keys, i, key)
	leaf.vals = insertAt(leaf.vals, i, value)
	if len(leaf.keys) > t.maxKeys() {
		if err := t.splitLeaf(leaf, path); err != nil {
			return err
		}
	} else if err := t.saveNode(leaf); err != nil {
		return err
	}
	return t.setLength(t.length + 1)
}

func insertAt(s []uint64, i int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt(s []uint64, i int) []uint64 {
	copy(s[i:], s[i+1:])
	return s[:len(s)-1]
}

// splitLeaf splits an overfull leaf into two and propagates the new
// separator key up the recorded path, splitting branch nodes in turn.
func (t *Tree) splitLeaf(leaf *node, path []*node) error {
	mid := len(leaf.keys) / 2
	right := &node{
		kind: leafKind,
		keys: append([]uint64{}, leaf.keys[mid:]...),
		vals: append([]uint64{}, leaf.vals[mid:]...),
		next: leaf.next,
	}
	leaf.keys = leaf.keys[:mid]
	leaf.vals = leaf.vals[:mid]

	rightAddr, err := t.allocNode(right)
	if err != nil {
		return err
	}
	right.prev = leaf.addr
	if err := t.saveNode(right); err != nil {
		return err
	}
	if right.next != 0 {
		nextNode, err := t.loadNode(right.next)
		if err != nil {
			return err
		}
		nextNode.prev = rightAddr
		if err := t.saveNode(nextNode); err != nil {
			return err
		}
	}
	leaf.next = rightAddr
	if err := t.saveNode(leaf); err != nil {
		return err
	}

	sepKey := right.keys[0]
	return t.insertIntoParent(leaf.addr, sepKey, rightAddr, path)
}

// insertIntoParent inserts (sepKey -> rightAddr) into the parent branch
// of leftAddr, creating a new root if there is no parent, and splits
// the parent in turn if it overflows.
func (t *Tree) insertIntoParent(leftAddr, sepKey, rightAddr uint64, path []*node) error {
	if len(path) == 0 {
		newRoot := &node{
			kind: branchKind,
			keys: []uint64{sepKey},
			vals: []uint64{leftAddr, rightAddr},
		}
		addr, err := t.allocNode(newRoot)
		if err != nil {
			return err
		}
		return t.setRoot(addr)
	}
	parent := path[len(path)-1]
	idx := upperBound(parent.keys, sepKey)
	parent.keys = insertAt(parent.keys, idx, sepKey)
	parent.vals = insertValAt(parent.vals, idx+1, rightAddr)
	if len(parent.keys) <= t.maxKeys() {
		return t.saveNode(parent)
	}
	return t.splitBranch(parent, path[:len(path)-1])
}

func insertValAt(s []uint64, i int, v uint64) []uint64 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeValAt(s []uint64, i int) []uint64 {
	copy(s[i:], s[i+1:])
	return s[:len(s)-1]
}

// splitBranch splits an overfull branch node, pushing its middle key up
// to the parent (the middle key is not duplicated in either child, per
// standard B+tree branch-split semantics).
func (t *Tree) splitBranch(n *node, path []*node) error {
	mid := len(n.keys) / 2
	sepKey := n.keys[mid]

	right := &node{
		kind: branchKind,
		keys: append([]uint64{}, n.keys[mid+1:]...),
		vals: append([]uint64{}, n.vals[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.vals = n.vals[:mid+1]

	rightAddr, err := t.allocNode(right)
	if err != nil {
		return err
	}
	if err := t.saveNode(n); err != nil {
		return err
	}
	return t.insertIntoParent(n.addr, sepKey, rightAddr, path)
}

// Remove deletes key from the tree, returning its value if present.
// Underfull leaves are merged with or redistributed from a sibling;
// branch nodes are merged/redistributed in turn, and the root is
// collapsed when it becomes a single-child branch.
func (t *Tree) Remove(key uint64) (uint64, bool, error) {
	leaf, path, err := t.findLeaf(key)
	if err != nil {
		return 0, false, err
	}
	i := lowerBound(leaf.keys, key)
	if i >= len(leaf.keys) || leaf.keys[i] != key {
		return 0, false, nil
	}
	value := leaf.vals[i]
	leaf.keys = removeAt(leaf.keys, i)
	leaf.vals = removeAt(leaf.vals, i)
	if err := t.saveNode(leaf); err != nil {
		return 0, false, err
	}
	if err := t.rebalance(leaf, path); err != nil {
		return 0, false, err
	}
	if err := t.setLength(t.length - 1); err != nil {
		return 0, false, err
	}
	return value, true, nil
}

// rebalance restores the minimum-occupancy invariant for n (a leaf or
// branch node) after a deletion, walking up path as needed.
func (t *Tree) rebalance(n *node, path []*node) error {
	if len(path) == 0 {
		// n is the root.
		if n.kind == branchKind && len(n.keys) == 0 {
			return t.setRoot(n.vals[0])
		}
		return nil
	}
	if len(n.keys) >= t.minKeys() {
		return nil
	}
	parent := path[len(path)-1]
	childIdx := indexOfChild(parent, n.addr)

	// Try borrowing from the left sibling.
	if childIdx > 0 {
		leftAddr := parent.vals[childIdx-1]
		left, err := t.loadNode(leftAddr)
		if err != nil {
			return err
		}
		if len(left.keys) > t.minKeys() {
			return t.borrowFromLeft(n, left, parent, childIdx, path[:len(path)-1])
		}
	}
	// Try borrowing from the right sibling.
	if childIdx < len(parent.vals)-1 {
		rightAddr := parent.vals[childIdx+1]
		right, err := t.loadNode(rightAddr)
		if err != nil {
			return err
		}
		if len(right.keys) > t.minKeys() {
			return t.borrowFromRight(n, right, parent, childIdx, path[:len(path)-1])
		}
	}
	// Merge with a sibling.
	if childIdx > 0 {
		leftAddr := parent.vals[childIdx-1]
		left, err := t.loadNode(leftAddr)
		if err != nil {
			return err
		}
		return t.merge(left, n, parent, childIdx-1, path[:len(path)-1])
	}
	rightAddr := parent.vals[childIdx+1]
	right, err := t.loadNode(rightAddr)
	if err != nil {
		return err
	}
	return t.merge(n, right, parent, childIdx, path[:len(path)-1])
}

func indexOfChild(parent *node, childAddr uint64) int {
	for i, v := range parent.vals {
		if v == childAddr {
			return i
		}
	}
	return -1
}

func (t *Tree) borrowFromLeft(n, left *node, parent *node, childIdx int, grandpath []*node) error {
	if n.kind == leafKind {
		lk := left.keys[len(left.keys)-1]
		lv := left.vals[len(left.vals)-1]
		left.keys = left.keys[:len(left.keys)-1]
		left.vals = left.vals[:len(left.vals)-1]
		n.keys = insertAt(n.keys, 0, lk)
		n.vals = insertAt(n.vals, 0, lv)
		parent.keys[childIdx-1] = lk
	} else {
		sep := parent.keys[childIdx-1]
		lv := left.vals[len(left.vals)-1]
		lk := left.keys[len(left.keys)-1]
		left.keys = left.keys[:len(left.keys)-1]
		left.vals = left.vals[:len(left.vals)-1]
		n.keys = insertAt(n.keys, 0, sep)
		n.vals = insertValAt(n.vals, 0, lv)
		parent.keys[childIdx-1] = lk
	}
	if err := t.saveNode(left); err != nil {
		return err
	}
	if err := t.saveNode(n); err != nil {
		return err
	}
	return t.saveNode(parent)
}

func (t *Tree) borrowFromRight(n, right *node, parent *node, childIdx int, grandpath []*node) error {
	if n.kind == leafKind {
		rk := right.keys[0]
		rv := right.vals[0]
		right.keys = removeAt(right.keys, 0)
		right.vals = removeAt(right.vals, 0)
		n.keys = append(n.keys, rk)
		n.vals = append(n.vals, rv)
		parent.keys[childIdx] = right.keys[0]
	} else {
		sep := parent.keys[childIdx]
		rv := right.vals[0]
		rk := right.keys[0]
		right.keys = removeAt(right.keys, 0)
		right.vals = removeValAt(right.vals, 0)
		n.keys = append(n.keys, sep)
		n.vals = append(n.vals, rv)
		parent.keys[childIdx] = rk
	}
	if err := t.saveNode(right); err != nil {
		return err
	}
	if err := t.saveNode(n); err != nil {
		return err
	}
	return t.saveNode(parent)
}

// merge merges right into left (left.addr < right.addr in key order),
// removes the separator from parent and recurses the rebalance upward.
func (t *Tree) merge(left, right *node, parent *node, sepIdx int, grandpath []*node) error {
	if left.kind == leafKind {
		left.keys = append(left.keys, right.keys...)
		left.vals = append(left.vals, right.vals...)
		left.next = right.next
		if right.next != 0 {
			nn, err := t.loadNode(right.next)
			if err != nil {
				return err
			}
			nn.prev = left.addr
			if err := t.saveNode(nn); err != nil {
				return err
			}
		}
	} else {
		sep := parent.keys[sepIdx]
		left.keys = append(left.keys, sep)
		left.keys = append(left.keys, right.keys...)
		left.vals = append(left.vals, right.vals...)
	}
	if err := t.saveNode(left); err != nil {
		return err
	}
	if err := t.freeNode(right); err != nil {
		return err
	}
	parent.keys = removeAt(parent.keys, sepIdx)
	parent.vals = removeValAt(parent.vals, sepIdx+1)
	if err := t.saveNode(parent); err != nil {
		return err
	}
	return t.rebalance(parent, grandpath)
}

// leftmostLeaf returns the leftmost leaf of the tree.
func (t *Tree) leftmostLeaf() (*node, error) {
	addr := t.root
	for {
		n, err := t.loadNode(addr)
		if err != nil {
			return nil, err
		}
		if n.kind == leafKind {
			return n, nil
		}
		addr = n.vals[0]
	}
}

// rightmostLeaf returns the rightmost leaf of the tree.
func (t *Tree) rightmostLeaf() (*node, error) {
	addr := t.root
	for {
		n, err := t.loadNode(addr)
		if err != nil {
			return nil, err
		}
		if n.kind == leafKind {
			return n, nil
		}
		addr = n.vals[len(n.vals)-1]
	}
}

// Each iterates ascending key order, calling cb(key, value). Iteration
// stops early if cb returns false. start, if non-nil, is the first key
// to begin iteration at or after; count, if > 0, bounds the number of
// pairs visited.
func (t *Tree) Each(start *uint64, count int, cb func(key, value uint64) bool) error {
	var n *node
	var err error
	var i int
	if start != nil {
		n, _, err = t.findLeaf(*start)
		if err != nil {
			return err
		}
		i = lowerBound(n.keys, *start)
	} else {
		n, err = t.leftmostLeaf()
		if err != nil {
			return err
		}
	}
	visited := 0
	for n != nil {
		for ; i < len(n.keys); i++ {
			if !cb(n.keys[i], n.vals[i]) {
				return nil
			}
			visited++
			if count > 0 && visited >= count {
				return nil
			}
		}
		if n.next == 0 {
			break
		}
		n, err = t.loadNode(n.next)
		if err != nil {
			return err
		}
		i = 0
	}
	return nil
}

// ReverseEach iterates descending key order.
func (t *Tree) ReverseEach(cb func(key, value uint64) bool) error {
	n, err := t.rightmostLeaf()
	if err != nil {
		return err
	}
	for n != nil {
		for i := len(n.keys) - 1; i >= 0; i-- {
			if !cb(n.keys[i], n.vals[i]) {
				return nil
			}
		}
		if n.prev == 0 {
			break
		}
		n, err = t.loadNode(n.prev)
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteIf removes every (key, value) pair for which pred returns true.
func (t *Tree) DeleteIf(pred func(key, value uint64) bool) error {
	var toDelete []uint64
	if err := t.Each(nil, 0, func(k, v uint64) bool {
		if pred(k, v) {
			toDelete = append(toDelete, k)
		}
		return true
	}); err != nil {
		return err
	}
	for _, k := range toDelete {
		if _, _, err := t.Remove(k); err != nil {
			return err
		}
	}
	return nil
}

// Check walks the whole tree, verifying: all leaves at the same depth,
// every non-root node at least half full, and keys strictly increasing
// in-order. If validate is non-nil it is called for every (key, value)
// pair encountered.
func (t *Tree) Check(validate func(key, value uint64) error) (bool, error) {
	var leafDepth = -1
	var prevKey *uint64
	var walk func(addr uint64, depth int, isRoot bool) (bool, error)
	walk = func(addr uint64, depth int, isRoot bool) (bool, error) {
		n, err := t.loadNode(addr)
		if err != nil {
			return false, err
		}
		if n.kind == leafKind {
			if leafDepth == -1 {
				leafDepth = depth
			} else if leafDepth != depth {
				return false, nil
			}
			if !isRoot && len(n.keys) < t.minKeys() {
				return false, nil
			}
			for i, k := range n.keys {
				if prevKey != nil && k <= *prevKey {
					return false, nil
				}
				kk := k
				prevKey = &kk
				if validate != nil {
					if err := validate(k, n.vals[i]); err != nil {
						return false, nil
					}
				}
			}
			return true, nil
		}
		if !isRoot && len(n.keys) < t.minKeys() {
			return false, nil
		}
		for _, child := range n.vals {
			ok, err := walk(child, depth+1, false)
			if err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	}
	return walk(t.root, 0, true)
}

// BigTreeNode is the positional variant of Tree: the same on-disk
// node/leaf mechanics, keyed by an implicit, zero-based position
// instead of an application-chosen key. It is the shared building
// block a BigArray layer would index into (key i holds the value at
// array position i) — BigTreeNode itself carries none of BigArray's
// own semantics (negative indices, insert-with-shift, delete-with-
// shift), since those are a wrapper-layer concern out of scope here.
type BigTreeNode struct {
	t *Tree
}

// OpenBigTreeNode opens or creates a positional B+tree of the given
// order backed by filename.
func OpenBigTreeNode(filename string, order int) (*BigTreeNode, error) {
	t, err := Open(filename, order)
	if err != nil {
		return nil, err
	}
	return &BigTreeNode{t: t}, nil
}

// Close closes the underlying tree.
func (b *BigTreeNode) Close() error { return b.t.Close() }

// Length returns the number of positional entries currently stored.
func (b *BigTreeNode) Length() uint64 { return b.t.Length() }

// At returns the value stored at position pos.
func (b *BigTreeNode) At(pos uint64) (uint64, bool, error) { return b.t.Get(pos) }

// SetAt overwrites the value stored at an already-occupied position.
func (b *BigTreeNode) SetAt(pos, value uint64) error {
	if _, ok, err := b.t.Get(pos); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("btree: BigTreeNode.SetAt: position %d not present", pos)
	}
	return b.t.Insert(pos, value)
}

// Append stores value at the next free position, Length().
func (b *BigTreeNode) Append(value uint64) error {
	return b.t.Insert(b.t.Length(), value)
}

// Each iterates entries in ascending position order, starting at
// position start (or the beginning, if start is nil).
func (b *BigTreeNode) Each(start *uint64, count int, cb func(pos, value uint64) bool) error {
	return b.t.Each(start, count, cb)
}

// Clear removes every entry, resetting the sequence to empty.
func (b *BigTreeNode) Clear() error { return b.t.Clear() }
