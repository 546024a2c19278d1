package equibase

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, entrySize int) *File {
	t.Helper()
	dir := t.TempDir()
	f := New(filepath.Join(dir, "test.blobs"), entrySize)
	require.NoError(t, f.Open())
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestAllocStoreRetrieve(t *testing.T) {
	f := newTestFile(t, 16)

	addr, err := f.Alloc()
	require.NoError(t, err)
	require.EqualValues(t, 1, addr)

	require.NoError(t, f.Store(addr, []byte("hello world")))
	got, err := f.Retrieve(addr)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got[:11])
}

func TestDeleteReusesFreeList(t *testing.T) {
	f := newTestFile(t, 8)

	a1, err := f.Alloc()
	require.NoError(t, err)
	require.NoError(t, f.Store(a1, []byte("aaaaaaaa")))

	a2, err := f.Alloc()
	require.NoError(t, err)
	require.NoError(t, f.Store(a2, []byte("bbbbbbbb")))

	require.NoError(t, f.Delete(a1))
	require.EqualValues(t, 1, f.TotalSpaces())

	a3, err := f.Alloc()
	require.NoError(t, err)
	require.Equal(t, a1, a3, "free address should be reused before appending")
	require.EqualValues(t, 0, f.TotalSpaces())
}

func TestDeleteTrimsTail(t *testing.T) {
	f := newTestFile(t, 4)

	a1, _ := f.Alloc()
	require.NoError(t, f.Store(a1, []byte("aaaa")))
	a2, _ := f.Alloc()
	require.NoError(t, f.Store(a2, []byte("bbbb")))

	require.NoError(t, f.Delete(a2))
	require.EqualValues(t, 0, f.TotalSpaces(), "trimming the tail free cell removes it from the free list too")

	fi, err := os.Stat(f.filename)
	require.NoError(t, err)
	require.Equal(t, f.dataStart()+f.cellSize(), fi.Size())
}

func TestCustomFieldRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.blobs")

	f := New(path, 8)
	_, err := f.RegisterField("root")
	require.NoError(t, err)
	require.NoError(t, f.Open())
	require.NoError(t, f.SetField("root", 1234))
	require.NoError(t, f.Close())

	f2 := New(path, 8)
	_, err = f2.RegisterField("root")
	require.NoError(t, err)
	require.NoError(t, f2.Open())
	defer f2.Close()

	v, err := f2.GetField("root")
	require.NoError(t, err)
	require.EqualValues(t, 1234, v)
}

func TestCheckDetectsConsistentFile(t *testing.T) {
	f := newTestFile(t, 8)

	a1, _ := f.Alloc()
	require.NoError(t, f.Store(a1, []byte("aaaaaaaa")))
	a2, _ := f.Alloc()
	require.NoError(t, f.Store(a2, []byte("bbbbbbbb")))
	require.NoError(t, f.Delete(a1))

	ok, err := f.Check()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClearEmptiesFile(t *testing.T) {
	f := newTestFile(t, 8)
	a1, _ := f.Alloc()
	require.NoError(t, f.Store(a1, []byte("aaaaaaaa")))

	require.NoError(t, f.Clear())
	require.EqualValues(t, 0, f.TotalEntries())
	require.EqualValues(t, 0, f.TotalSpaces())
}
