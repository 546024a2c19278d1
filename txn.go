// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package perobs

import (
	"errors"
	"fmt"

	"github.com/vedranvuk/perobs/internal/flatstore"
	"github.com/vedranvuk/perobs/internal/txlog"
)

// Txn is the scope passed to a Transaction block. Its methods are only
// valid for the duration of that call.
type Txn struct {
	store *Store
}

// Get returns oid's current payload within the transaction.
func (t *Txn) Get(oid OID) ([]byte, bool, error) {
	payload, ok, err := t.store.c.Get(oid)
	if err != nil {
		return nil, false, ErrStore.Errorf("txn get oid %d: %w", oid, err)
	}
	return payload, ok, nil
}

// Set records oid's prior payload for undo, then writes payload.
func (t *Txn) Set(oid OID, payload []byte) error {
	if err := t.store.recordPriorState(oid); err != nil {
		return err
	}
	if err := t.store.c.Put(oid, payload, false); err != nil {
		return ErrStore.Errorf("txn set oid %d: %w", oid, err)
	}
	return nil
}

// New allocates a fresh OID within the transaction, recording a
// KindNewOID undo entry so an abort deletes it outright.
func (t *Txn) New(payload []byte) (OID, error) {
	oid := t.store.nextOID
	t.store.nextOID++
	if err := t.store.log.Record(txlog.UndoRecord{Kind: txlog.KindNewOID, OID: oid}); err != nil {
		return 0, ErrStore.Errorf("txn new oid %d: undo record error: %w", oid, err)
	}
	if err := t.store.c.Put(oid, payload, true); err != nil {
		return 0, ErrStore.Errorf("txn new oid %d: %w", oid, err)
	}
	return oid, nil
}

// Delete records oid's prior payload for undo, then deletes it.
func (t *Txn) Delete(oid OID) error {
	if err := t.store.recordPriorState(oid); err != nil {
		return err
	}
	if err := t.store.c.Unload(oid); err != nil {
		return ErrStore.Errorf("txn delete oid %d: %w", oid, err)
	}
	if err := t.store.ff.Delete(oid); err != nil && !errors.Is(err, flatstore.ErrNotFound) {
		return ErrStore.Errorf("txn delete oid %d: %w", oid, err)
	}
	return nil
}

// Transaction runs fn within a nested child transaction frame, pushed
// inside the frame t itself belongs to. A non-nil return from fn, or a
// panic escaping it, undoes only the mutations fn made (replayed via
// the same log/applyUndo machinery Store.Transaction uses) and the
// error or panic propagates to the caller; the enclosing transaction is
// otherwise unaffected and may still go on to commit. This is how
// spec.md §4.6/§8 scenario 4's outer/inner/innermost nesting is
// actually reached: Store.Transaction opens the outermost frame, and
// any Txn handed to a caller's block — at any depth — can open another.
func (t *Txn) Transaction(fn func(tx *Txn) error) (err error) {
	s := t.store
	s.log.Begin()
	child := &Txn{store: s}

	var panicked interface{}
	func() {
		defer func() {
			if p := recover(); p != nil {
				panicked = p
			}
		}()
		err = fn(child)
	}()

	if err != nil || panicked != nil {
		records, abortErr := s.log.Abort()
		if abortErr != nil {
			if panicked != nil {
				panic(panicked)
			}
			return ErrStore.Errorf("nested abort error: %w", abortErr)
		}
		for _, r := range records {
			if undoErr := s.applyUndo(r); undoErr != nil {
				s.logger.Error().Err(undoErr).Msg("nested undo replay failed")
			}
		}
		if panicked != nil {
			panic(panicked)
		}
		return err
	}

	if commitErr := s.log.Commit(); commitErr != nil {
		return ErrStore.Errorf("nested commit error: %w", commitErr)
	}
	return nil
}

// recordPriorState appends an undo record capturing oid's current
// payload (present or not) before the caller mutates it.
func (s *Store) recordPriorState(oid OID) error {
	payload, ok, err := s.c.Get(oid)
	if err != nil {
		return ErrStore.Errorf("prior state read oid %d: %w", oid, err)
	}
	r := txlog.UndoRecord{
		Kind:             txlog.KindCacheState,
		OID:              oid,
		WasPresent:       ok,
		PriorBlobPresent: ok,
	}
	if ok {
		r.PriorBlob = append([]byte(nil), payload...)
	}
	if err := s.log.Record(r); err != nil {
		return ErrStore.Errorf("prior state undo record oid %d: %w", oid, err)
	}
	return nil
}

// applyUndo reverses a single undo record against the cache and, if
// already flushed, the backing FlatFile. Used both by Transaction's
// abort path and by Store.Open's crash recovery (a log left non-empty
// at the previous Close means the process died mid-transaction).
func (s *Store) applyUndo(r txlog.UndoRecord) error {
	switch r.Kind {
	case txlog.KindNewOID:
		if err := s.c.Unload(r.OID); err != nil {
			return err
		}
		s.c.Evict(r.OID)
		if err := s.ff.Delete(r.OID); err != nil && !errors.Is(err, flatstore.ErrNotFound) {
			return err
		}
		return nil
	case txlog.KindCacheState:
		if r.PriorBlobPresent {
			return s.c.Put(r.OID, r.PriorBlob, !r.WasPresent)
		}
		if err := s.c.Unload(r.OID); err != nil {
			return err
		}
		s.c.Evict(r.OID)
		if err := s.ff.Delete(r.OID); err != nil && !errors.Is(err, flatstore.ErrNotFound) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("perobs: unrecognized undo record kind %d", r.Kind)
	}
}

// Transaction runs fn within a nested transaction frame. A nil return
// commits: on an outermost commit the undo log is truncated, since the
// mutation is now fully reflected in the cache/FlatFile and does not
// need replaying again. A non-nil return, or a panic escaping fn, is an
// abort: every undo record recorded during fn is replayed in reverse
// and the error (or re-panicked value) propagates to the caller
// unchanged, per spec.md §5/§7.
func (s *Store) Transaction(fn func(tx *Txn) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return ErrReadOnly
	}

	s.log.Begin()
	tx := &Txn{store: s}

	var panicked interface{}
	func() {
		defer func() {
			if p := recover(); p != nil {
				panicked = p
			}
		}()
		err = fn(tx)
	}()

	if err != nil || panicked != nil {
		records, abortErr := s.log.Abort()
		if abortErr != nil {
			if panicked != nil {
				panic(panicked)
			}
			return ErrStore.Errorf("abort error: %w", abortErr)
		}
		for _, r := range records {
			if undoErr := s.applyUndo(r); undoErr != nil {
				s.logger.Error().Err(undoErr).Msg("undo replay failed")
			}
		}
		if panicked != nil {
			panic(panicked)
		}
		return err
	}

	if commitErr := s.log.Commit(); commitErr != nil {
		return ErrStore.Errorf("commit error: %w", commitErr)
	}
	return nil
}
