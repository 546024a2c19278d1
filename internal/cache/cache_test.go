package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vedranvuk/perobs/internal/flatstore"
)

type fakeBackend struct {
	store map[uint64][]byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{store: make(map[uint64][]byte)}
}

func (b *fakeBackend) Put(oid uint64, payload []byte) error {
	b.store[oid] = append([]byte{}, payload...)
	return nil
}

func (b *fakeBackend) Update(oid uint64, payload []byte) error {
	b.store[oid] = append([]byte{}, payload...)
	return nil
}

func (b *fakeBackend) Get(oid uint64) ([]byte, error) {
	v, ok := b.store[oid]
	if !ok {
		return nil, flatstore.ErrNotFound
	}
	return v, nil
}

func (b *fakeBackend) Delete(oid uint64) error {
	delete(b.store, oid)
	return nil
}

func TestPutGetDirty(t *testing.T) {
	be := newFakeBackend()
	c, err := New(be, 2)
	require.NoError(t, err)

	require.NoError(t, c.Put(1, []byte("a"), true))
	require.True(t, c.IsDirty(1))

	v, ok, err := c.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a"), v)

	// Not yet flushed to the backend.
	_, ok2 := be.store[1]
	require.False(t, ok2)
}

func TestSyncFlushesAll(t *testing.T) {
	be := newFakeBackend()
	c, err := New(be, 2)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, c.Put(i, []byte{byte(i)}, true))
	}
	require.NoError(t, c.Sync())
	require.Equal(t, 0, c.Len())
	for i := uint64(1); i <= 3; i++ {
		require.False(t, c.IsDirty(i))
		require.Equal(t, []byte{byte(i)}, be.store[i])
	}
}

func TestWritePoolEvictsOldestOnOverflow(t *testing.T) {
	be := newFakeBackend()
	c, err := New(be, 1) // limit = 2
	require.NoError(t, err)

	require.NoError(t, c.Put(1, []byte("a"), true))
	require.NoError(t, c.Put(2, []byte("b"), true))
	require.NoError(t, c.Put(3, []byte("c"), true))

	require.Equal(t, 2, c.Len())
	require.False(t, c.IsDirty(1))
	_, ok := be.store[1]
	require.True(t, ok, "oldest entry must have been flushed to make room")
}

func TestPinPreventsEviction(t *testing.T) {
	be := newFakeBackend()
	c, err := New(be, 1) // limit = 2
	require.NoError(t, err)

	require.NoError(t, c.Put(1, []byte("a"), true))
	c.Pin(1)
	require.NoError(t, c.Put(2, []byte("b"), true))
	require.NoError(t, c.Put(3, []byte("c"), true))

	require.True(t, c.IsDirty(1), "pinned entry must survive overflow")
	c.Unpin(1)
	require.NoError(t, c.Sync())
	require.False(t, c.IsDirty(1))
}

func TestGetMissReturnsNullHandle(t *testing.T) {
	be := newFakeBackend()
	c, err := New(be, 2)
	require.NoError(t, err)

	_, ok, err := c.Get(99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnloadRejectsPinned(t *testing.T) {
	be := newFakeBackend()
	c, err := New(be, 2)
	require.NoError(t, err)

	require.NoError(t, c.Put(1, []byte("a"), true))
	c.Pin(1)
	require.Error(t, c.Unload(1))
	c.Unpin(1)
	require.NoError(t, c.Unload(1))
}
