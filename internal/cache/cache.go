// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package cache implements the bounded, two-pool resident-object set
// sitting between the Store façade and the FlatFile: a read-LRU pool
// so that heavy reading cannot evict unflushed writes, and a FIFO write
// pool that flushes its oldest dirty entry to make room, following the
// teacher's cache.go/mem.go FIFO eviction idiom generalized with a real
// LRU on the read side.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vedranvuk/perobs/internal/flatstore"
)

// State is a cache entry's relationship to its FlatFile image.
type State uint8

const (
	// Clean entries mirror what is on disk; they live only in the read pool.
	Clean State = iota
	// Dirty entries have a newer payload than the FlatFile.
	Dirty
	// New entries have no FlatFile image yet.
	New
)

// Backend is the durable store a Cache flushes dirty entries to. A
// *flatstore.FlatFile satisfies it.
type Backend interface {
	Put(oid uint64, payload []byte) error
	Update(oid uint64, payload []byte) error
	Get(oid uint64) ([]byte, error)
	Delete(oid uint64) error
}

type writeEntry struct {
	oid     uint64
	payload []byte
	state   State
}

// Cache is the bounded two-pool resident set.
type Cache struct {
	mu      sync.Mutex
	backend Backend
	limit   int

	readPool *lru.Cache[uint64, []byte]

	writeList *list.List
	writeIdx  map[uint64]*list.Element

	pins map[uint64]int
}

// New returns a Cache whose read and write pools each hold 2^bits
// entries, per spec.md §6's cache_bits option.
func New(backend Backend, bits uint) (*Cache, error) {
	limit := 1 << bits
	readPool, err := lru.New[uint64, []byte](limit)
	if err != nil {
		return nil, fmt.Errorf("cache: read pool init error: %w", err)
	}
	return &Cache{
		backend:   backend,
		limit:     limit,
		readPool:  readPool,
		writeList: list.New(),
		writeIdx:  make(map[uint64]*list.Element),
		pins:      make(map[uint64]int),
	}, nil
}

// Get returns oid's current payload: a pending write if dirty/new,
// else the read pool, else a FlatFile read that populates the read
// pool. The null handle (ok=false) is returned for an unknown oid, not
// an error (spec.md §4.8 policy).
func (c *Cache) Get(oid uint64) ([]byte, bool, error) {
	c.mu.Lock()
	if elem, ok := c.writeIdx[oid]; ok {
		payload := elem.Value.(*writeEntry).payload
		c.mu.Unlock()
		return payload, true, nil
	}
	if payload, ok := c.readPool.Get(oid); ok {
		c.mu.Unlock()
		return payload, true, nil
	}
	c.mu.Unlock()

	payload, err := c.backend.Get(oid)
	if err != nil {
		if errors.Is(err, flatstore.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	c.mu.Lock()
	c.readPool.Add(oid, payload)
	c.mu.Unlock()
	return payload, true, nil
}

// Put marks oid dirty with payload, flushing the write pool's oldest
// unpinned entry first if it is at capacity.
func (c *Cache) Put(oid uint64, payload []byte, isNew bool) error {
	c.mu.Lock()
	state := Dirty
	if isNew {
		state = New
	}
	if elem, ok := c.writeIdx[oid]; ok {
		e := elem.Value.(*writeEntry)
		e.payload = payload
		if e.state != New {
			e.state = state
		}
		c.writeList.MoveToBack(elem)
		c.mu.Unlock()
		return nil
	}
	c.readPool.Remove(oid)
	c.writeIdx[oid] = c.writeList.PushBack(&writeEntry{oid: oid, payload: payload, state: state})
	c.mu.Unlock()
	return c.makeRoom()
}

// makeRoom flushes oldest dirty entries until the write pool is back
// within its limit. Pinned entries are skipped over (moved aside) so
// application code holding a reference is never evicted out from under it.
func (c *Cache) makeRoom() error {
	for {
		c.mu.Lock()
		if c.writeList.Len() <= c.limit {
			c.mu.Unlock()
			return nil
		}
		oid, ok := c.oldestUnpinnedLocked()
		c.mu.Unlock()
		if !ok {
			// Every entry is pinned; cannot shrink further right now.
			return nil
		}
		if err := c.Flush(oid); err != nil {
			return err
		}
	}
}

func (c *Cache) oldestUnpinnedLocked() (uint64, bool) {
	for elem := c.writeList.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*writeEntry)
		if c.pins[e.oid] == 0 {
			return e.oid, true
		}
	}
	return 0, false
}

// Flush writes oid's pending payload to the backend (Put for a new
// object, Update for an existing one), then demotes it to the read
// pool as clean.
func (c *Cache) Flush(oid uint64) error {
	c.mu.Lock()
	elem, ok := c.writeIdx[oid]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	e := elem.Value.(*writeEntry)
	payload := e.payload
	state := e.state
	c.mu.Unlock()

	var err error
	if state == New {
		err = c.backend.Put(oid, payload)
	} else {
		err = c.backend.Update(oid, payload)
	}
	if err != nil {
		return fmt.Errorf("cache: flush oid %d: %w", oid, err)
	}

	c.mu.Lock()
	if elem, ok := c.writeIdx[oid]; ok {
		c.writeList.Remove(elem)
		delete(c.writeIdx, oid)
	}
	c.readPool.Add(oid, payload)
	c.mu.Unlock()
	return nil
}

// Sync flushes every pending write pool entry and blocks until each is
// durable at the backend.
func (c *Cache) Sync() error {
	for {
		c.mu.Lock()
		elem := c.writeList.Front()
		if elem == nil {
			c.mu.Unlock()
			return nil
		}
		oid := elem.Value.(*writeEntry).oid
		c.mu.Unlock()
		if err := c.Flush(oid); err != nil {
			return err
		}
	}
}

// Unload evicts oid from both pools without flushing a pending write.
// Returns an error if oid is currently pinned.
func (c *Cache) Unload(oid uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pins[oid] > 0 {
		return fmt.Errorf("cache: oid %d is pinned", oid)
	}
	if elem, ok := c.writeIdx[oid]; ok {
		c.writeList.Remove(elem)
		delete(c.writeIdx, oid)
	}
	c.readPool.Remove(oid)
	return nil
}

// Evict drops oid from the read pool only, leaving any pending write
// pool entry untouched. Used after Delete so a stale clean copy is
// never served.
func (c *Cache) Evict(oid uint64) {
	c.mu.Lock()
	c.readPool.Remove(oid)
	c.mu.Unlock()
}

// Pin increments oid's pin count, preventing eviction until a matching Unpin.
func (c *Cache) Pin(oid uint64) {
	c.mu.Lock()
	c.pins[oid]++
	c.mu.Unlock()
}

// Unpin decrements oid's pin count.
func (c *Cache) Unpin(oid uint64) {
	c.mu.Lock()
	if c.pins[oid] > 0 {
		c.pins[oid]--
		if c.pins[oid] == 0 {
			delete(c.pins, oid)
		}
	}
	c.mu.Unlock()
}

// IsDirty reports whether oid has a pending, unflushed write.
func (c *Cache) IsDirty(oid uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.writeIdx[oid]
	return ok
}

// Len returns the number of entries currently in the write pool.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeList.Len()
}
