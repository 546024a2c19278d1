package btree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertGetRemove(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(filepath.Join(dir, "index"), 5)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Insert(10, 100))
	require.NoError(t, tr.Insert(20, 200))
	require.NoError(t, tr.Insert(5, 50))

	v, ok, err := tr.Get(10)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 100, v)

	v, ok, err = tr.Remove(20)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 200, v)

	_, ok, err = tr.Get(20)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestRoundTrip mirrors the spec's BTree round-trip scenario: insert
// keys 0..7^3 with values 3*k, close, reopen, iterate ascending and
// expect exactly 7^3+1 pairs with v == 3*k.
func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index")

	const n = 7 * 7 * 7
	tr, err := Open(path, 7)
	require.NoError(t, err)
	for k := uint64(0); k <= n; k++ {
		require.NoError(t, tr.Insert(k, 3*k))
	}
	require.NoError(t, tr.Close())

	tr2, err := Open(path, 7)
	require.NoError(t, err)
	defer tr2.Close()

	require.EqualValues(t, n+1, tr2.Length())

	count := 0
	var expect uint64
	require.NoError(t, tr2.Each(nil, 0, func(k, v uint64) bool {
		require.Equal(t, expect, k)
		require.Equal(t, 3*expect, v)
		expect++
		count++
		return true
	}))
	require.Equal(t, n+1, count)

	ok, err := tr2.Check(nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReverseEach(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(filepath.Join(dir, "index"), 4)
	require.NoError(t, err)
	defer tr.Close()

	for k := uint64(0); k < 50; k++ {
		require.NoError(t, tr.Insert(k, k))
	}

	var got []uint64
	require.NoError(t, tr.ReverseEach(func(k, v uint64) bool {
		got = append(got, k)
		return true
	}))
	require.Len(t, got, 50)
	for i := 0; i < 50; i++ {
		require.EqualValues(t, 49-i, got[i])
	}
}

func TestDeleteIf(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(filepath.Join(dir, "index"), 4)
	require.NoError(t, err)
	defer tr.Close()

	for k := uint64(0); k < 30; k++ {
		require.NoError(t, tr.Insert(k, k))
	}
	require.NoError(t, tr.DeleteIf(func(k, v uint64) bool { return k%2 == 0 }))
	require.EqualValues(t, 15, tr.Length())

	ok, err := tr.Check(nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestManyInsertDeleteKeepsBalance(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(filepath.Join(dir, "index"), 5)
	require.NoError(t, err)
	defer tr.Close()

	for k := uint64(0); k < 500; k++ {
		require.NoError(t, tr.Insert(k, k*k))
	}
	for k := uint64(0); k < 500; k += 2 {
		_, ok, err := tr.Remove(k)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := tr.Check(nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 250, tr.Length())
}
