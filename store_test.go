// Copyright 2019 Vedran Vuk. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package perobs

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vedranvuk/perobs/internal/txlog"
)

// encodeU64s/decodeU64s is a tiny test-only "serialization format": a
// payload is a sequence of referenced OIDs, little-endian, 8 bytes each.
func encodeU64s(refs ...OID) []byte {
	buf := make([]byte, 8*len(refs))
	for i, r := range refs {
		binary.LittleEndian.PutUint64(buf[i*8:], r)
	}
	return buf
}

func extractU64s(payload []byte) []OID {
	var refs []OID
	for i := 0; i+8 <= len(payload); i += 8 {
		refs = append(refs, binary.LittleEndian.Uint64(payload[i:]))
	}
	return refs
}

func openTestStore(t *testing.T, extract RefExtractor) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil, extract)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCloseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil)
	require.NoError(t, err)
	h, err := s.New(context.Background(), []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	s2, err := Open(dir, nil, nil)
	require.NoError(t, err)
	defer s2.Close()
	reopened, ok, err := s2.ObjectByID(h.OID())
	require.NoError(t, err)
	require.True(t, ok)
	b, err := reopened.Bytes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)
}

func TestNewGetSetRoots(t *testing.T) {
	s := openTestStore(t, nil)

	h, err := s.New(context.Background(), []byte("root object"))
	require.NoError(t, err)
	require.NoError(t, s.Set("main", h))

	got, ok, err := s.Get("main")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, h.OID(), got.OID())

	_, ok, err = s.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)

	byID, ok, err := s.ObjectByID(h.OID())
	require.NoError(t, err)
	require.True(t, ok)
	b, err := byID.Bytes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("root object"), b)
}

func TestTransactionCommit(t *testing.T) {
	s := openTestStore(t, nil)

	var oid OID
	err := s.Transaction(func(tx *Txn) error {
		var err error
		oid, err = tx.New([]byte("committed"))
		return err
	})
	require.NoError(t, err)

	payload, ok, err := s.ObjectByID(oid)
	require.NoError(t, err)
	require.True(t, ok)
	b, err := payload.Bytes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("committed"), b)
}

func TestTransactionAbortRollsBack(t *testing.T) {
	s := openTestStore(t, nil)

	h, err := s.New(context.Background(), []byte("original"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	sentinel := errors.New("boom")
	var newOID OID
	err = s.Transaction(func(tx *Txn) error {
		require.NoError(t, tx.Set(h.OID(), []byte("modified")))
		var nerr error
		newOID, nerr = tx.New([]byte("orphan"))
		require.NoError(t, nerr)
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	b, err := h.Bytes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("original"), b)

	_, ok, err := s.ObjectByID(newOID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransactionNestedAbort(t *testing.T) {
	// Mirrors the nested-abort shape of spec.md §8 scenario 4: an inner
	// transaction's abort must not unwind the outer transaction's own
	// mutations.
	s := openTestStore(t, nil)

	h, err := s.New(context.Background(), []byte("v0"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	inner := errors.New("inner abort")
	err = s.Transaction(func(outer *Txn) error {
		require.NoError(t, outer.Set(h.OID(), []byte("v1")))

		abortErr := outer.Transaction(func(nested *Txn) error {
			require.NoError(t, nested.Set(h.OID(), []byte("v2-should-not-stick")))
			return inner
		})
		require.ErrorIs(t, abortErr, inner)
		return nil
	})
	require.NoError(t, err)

	b, err := h.Bytes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), b)
}

func TestNestedTransactionThreeLevelsMirrorsScenario4(t *testing.T) {
	// spec.md §8 scenario 4, literally: outer sets person0; inner sets
	// person1; innermost sets person2 then raises. Only the innermost
	// frame rolls back — inner observes the error as an ordinary return
	// value from its own nested Transaction call and chooses not to
	// re-raise it, so its own mutation still commits.
	s := openTestStore(t, nil)

	person0, err := s.New(context.Background(), []byte("v0"))
	require.NoError(t, err)
	person1, err := s.New(context.Background(), []byte("v0"))
	require.NoError(t, err)
	person2, err := s.New(context.Background(), []byte("v0"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	raised := errors.New("innermost raised")
	err = s.Transaction(func(outer *Txn) error {
		require.NoError(t, outer.Set(person0.OID(), []byte("Jimmy")))

		return outer.Transaction(func(inner *Txn) error {
			require.NoError(t, inner.Set(person1.OID(), []byte("Joe")))

			innerErr := inner.Transaction(func(innermost *Txn) error {
				require.NoError(t, innermost.Set(person2.OID(), []byte("Jane")))
				return raised
			})
			require.ErrorIs(t, innerErr, raised)
			return nil
		})
	})
	require.NoError(t, err)

	b0, err := person0.Bytes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("Jimmy"), b0)

	b1, err := person1.Bytes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("Joe"), b1)

	b2, err := person2.Bytes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("v0"), b2)
}

// TestGCSweepsUnreachableAndToleratesCycles mirrors spec.md §8
// scenario 3: A -> B, B -> C, C -> B, root = A. A first pass reclaims
// nothing (the B/C cycle is still reachable through A); clearing A's
// reference to B lets a second pass reclaim both B and C even though
// they still reference each other.
func TestGCSweepsUnreachableAndToleratesCycles(t *testing.T) {
	s := openTestStore(t, extractU64s)

	var a, b, c OID
	require.NoError(t, s.Transaction(func(tx *Txn) error {
		var err error
		if c, err = tx.New(encodeU64s()); err != nil {
			return err
		}
		if b, err = tx.New(encodeU64s(c)); err != nil {
			return err
		}
		if a, err = tx.New(encodeU64s(b)); err != nil {
			return err
		}
		return tx.Set(c, encodeU64s(b)) // b <-> c cycle
	}))
	require.NoError(t, s.Set("root", Handle{store: s, oid: a}))

	swept, err := s.GC()
	require.NoError(t, err)
	require.Zero(t, swept)
	_, ok, err := s.ObjectByID(b)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Transaction(func(tx *Txn) error {
		return tx.Set(a, encodeU64s())
	}))

	swept, err = s.GC()
	require.NoError(t, err)
	require.Equal(t, 2, swept)

	_, ok, err = s.ObjectByID(a)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = s.ObjectByID(b)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.ObjectByID(c)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckReportsNoProblemsOnCleanStore(t *testing.T) {
	s := openTestStore(t, nil)
	_, err := s.New(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	errCount, err := s.Check(false)
	require.NoError(t, err)
	require.Zero(t, errCount)
}

func TestCrashDuringTransactionRecoversOnReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil)
	require.NoError(t, err)

	h, err := s.New(context.Background(), []byte("before"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	// Simulate a crash mid-transaction: append an undo record directly
	// to the log and mutate the cache, then close without Commit/Abort,
	// leaving the on-disk log non-empty.
	s.log.Begin()
	require.NoError(t, s.log.Record(txlog.UndoRecord{
		Kind:             txlog.KindCacheState,
		OID:              h.OID(),
		WasPresent:       true,
		PriorBlobPresent: true,
		PriorBlob:        []byte("before"),
	}))
	require.NoError(t, s.c.Put(h.OID(), []byte("mid-transaction"), false))
	require.NoError(t, s.c.Sync())
	require.NoError(t, s.log.Close())
	require.NoError(t, s.ff.Close())
	if s.lock != nil {
		require.NoError(t, s.lock.Release())
	}

	s2, err := Open(dir, nil, nil)
	require.NoError(t, err)
	defer s2.Close()

	reopened, ok, err := s2.ObjectByID(h.OID())
	require.NoError(t, err)
	require.True(t, ok)
	payload, err := reopened.Bytes(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("before"), payload)
}

func TestKeepClassesPrunesAllowlist(t *testing.T) {
	s := openTestStore(t, nil)

	require.NoError(t, s.SetClassMap(map[string]uint32{
		"Person":  1,
		"Account": 2,
		"Session": 3,
	}))

	require.NoError(t, s.KeepClasses([]string{"Person", "Account"}))

	classes, err := s.ClassMap()
	require.NoError(t, err)
	require.Equal(t, map[string]uint32{"Person": 1, "Account": 2}, classes)
}

func TestCheckRepairPrunesDanglingRoot(t *testing.T) {
	s := openTestStore(t, nil)

	h, err := s.New(context.Background(), []byte("v0"))
	require.NoError(t, err)
	require.NoError(t, s.Set("live", h))
	require.NoError(t, s.Sync())

	// Simulate a root left pointing at an OID that no longer resolves
	// to a live blob, without going through Delete (which would also
	// have to clean up the root itself): bind a second root directly
	// to an OID that was never allocated as a live object.
	require.NoError(t, s.Set("dangling", Handle{store: s, oid: h.OID() + 1000}))

	errCount, err := s.Check(false)
	require.NoError(t, err)
	require.Equal(t, 1, errCount)

	errCount, err = s.Check(true)
	require.NoError(t, err)
	require.Zero(t, errCount)

	_, ok, err := s.Get("dangling")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.Get("live")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDefragmentizeForcesCompaction(t *testing.T) {
	s := openTestStore(t, nil)
	var handles []Handle
	for i := 0; i < 10; i++ {
		h, err := s.New(context.Background(), []byte("payload-data"))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.NoError(t, s.Sync())
	for i := 0; i < 8; i++ {
		oid := handles[i].OID()
		require.NoError(t, s.Transaction(func(tx *Txn) error {
			return tx.Delete(oid)
		}))
	}
	require.NoError(t, s.Sync())

	statsBefore, err := s.Statistics()
	require.NoError(t, err)
	require.Greater(t, statsBefore.FreeRatio, 0.0)

	require.NoError(t, s.Defragmentize())

	statsAfter, err := s.Statistics()
	require.NoError(t, err)
	require.Zero(t, statsAfter.FreeRatio)
}

func TestCheckRepairAcceptsFragmentedStore(t *testing.T) {
	s := openTestStore(t, nil)
	var handles []Handle
	for i := 0; i < 10; i++ {
		h, err := s.New(context.Background(), []byte("payload-data"))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.NoError(t, s.Sync())
	for i := 0; i < 8; i++ {
		require.NoError(t, handles[i].Set(context.Background(), nil))
		oid := handles[i].OID()
		require.NoError(t, s.Transaction(func(tx *Txn) error {
			return tx.Delete(oid)
		}))
	}
	require.NoError(t, s.Sync())

	statsBefore, err := s.Statistics()
	require.NoError(t, err)
	require.Greater(t, statsBefore.FreeRatio, 0.0)

	errCount, err := s.Check(true)
	require.NoError(t, err)
	require.Zero(t, errCount)
}
