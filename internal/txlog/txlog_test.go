package txlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitMergesIntoParent(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "transaction.log"))
	require.NoError(t, err)
	defer l.Close()

	l.Begin()
	require.NoError(t, l.Record(UndoRecord{Kind: KindIndexValue, OID: 1, PriorIndexPresent: false}))
	l.Begin()
	require.NoError(t, l.Record(UndoRecord{Kind: KindIndexValue, OID: 2, PriorIndexPresent: false}))
	require.NoError(t, l.Commit()) // inner commits, merges up

	require.Equal(t, 1, l.Depth())
	require.NoError(t, l.Commit()) // outer commits, log truncates

	pending, err := l.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestAbortReturnsRecordsInReverse(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "transaction.log"))
	require.NoError(t, err)
	defer l.Close()

	l.Begin()
	require.NoError(t, l.Record(UndoRecord{Kind: KindNewOID, OID: 10}))
	require.NoError(t, l.Record(UndoRecord{Kind: KindNewOID, OID: 11}))
	require.NoError(t, l.Record(UndoRecord{Kind: KindNewOID, OID: 12}))

	records, err := l.Abort()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.EqualValues(t, 12, records[0].OID)
	require.EqualValues(t, 11, records[1].OID)
	require.EqualValues(t, 10, records[2].OID)
	require.Equal(t, 0, l.Depth())
}

// TestNestedTransactionAbort mirrors spec.md §8 scenario 4: outer sets
// person0, inner sets person1, innermost raises after setting person2;
// only the innermost frame's record is undone.
func TestNestedTransactionAbort(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "transaction.log"))
	require.NoError(t, err)
	defer l.Close()

	names := map[uint64]string{0: "", 1: "", 2: ""}
	set := func(oid uint64, name string) {
		prior, existed := names[oid]
		require.NoError(t, l.Record(UndoRecord{
			Kind: KindIndexValue, OID: oid,
			PriorIndexPresent: existed, PriorIndexValue: 0,
			WasPresent: existed, PriorBlobPresent: existed, PriorBlob: []byte(prior),
		}))
		names[oid] = name
	}
	undo := func(r UndoRecord) {
		if r.PriorBlobPresent {
			names[r.OID] = string(r.PriorBlob)
		} else {
			names[r.OID] = ""
		}
	}

	l.Begin() // outer
	set(0, "Jimmy")
	l.Begin() // inner
	set(1, "Joe")
	l.Begin() // innermost
	set(2, "Jane")

	records, err := l.Abort() // innermost raises
	require.NoError(t, err)
	for _, r := range records {
		undo(r)
	}
	require.NoError(t, l.Commit()) // inner commits
	require.NoError(t, l.Commit()) // outer commits

	require.Equal(t, "Jimmy", names[0])
	require.Equal(t, "Joe", names[1])
	require.Equal(t, "", names[2])
}

func TestRecoverReplaysPendingOnCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transaction.log")

	l, err := Open(path)
	require.NoError(t, err)
	l.Begin()
	require.NoError(t, l.Record(UndoRecord{Kind: KindNewOID, OID: 5}))
	require.NoError(t, l.Record(UndoRecord{Kind: KindNewOID, OID: 6}))
	// Simulate a crash: close without Commit/Abort.
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	var undone []uint64
	n, err := l2.Recover(func(r UndoRecord) error {
		undone = append(undone, r.OID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []uint64{6, 5}, undone)

	pending, err := l2.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}
