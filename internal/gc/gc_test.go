package gc_test

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vedranvuk/perobs/internal/flatstore"
	"github.com/vedranvuk/perobs/internal/gc"
)

// encode/decode a toy object payload: a comma-separated list of OIDs
// this object references.
func encodeRefs(refs ...uint64) []byte {
	parts := make([]string, len(refs))
	for i, r := range refs {
		parts[i] = strconv.FormatUint(r, 10)
	}
	return []byte(strings.Join(parts, ","))
}

func extractRefs(_ uint64, payload []byte) []uint64 {
	if len(payload) == 0 {
		return nil
	}
	var refs []uint64
	for _, s := range strings.Split(string(payload), ",") {
		if s == "" {
			continue
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		refs = append(refs, v)
	}
	return refs
}

func isNotFound(err error) bool { return errors.Is(err, flatstore.ErrNotFound) }

// TestCycleGC mirrors spec.md §8 scenario 3: A->B, B->C, C->B, root=A.
// A first pass reclaims nothing; after root.A.related is cleared, a
// second pass reclaims exactly B and C even though they still
// reference each other.
func TestCycleGC(t *testing.T) {
	dir := t.TempDir()
	ff, err := flatstore.Open(dir)
	require.NoError(t, err)
	defer ff.Close()

	const A, B, C = 1, 2, 3
	require.NoError(t, ff.Put(A, encodeRefs(B)))
	require.NoError(t, ff.Put(B, encodeRefs(C)))
	require.NoError(t, ff.Put(C, encodeRefs(B)))

	stats, err := gc.Collect(ff, []uint64{A}, extractRefs, gc.Options{}, isNotFound)
	require.NoError(t, err)
	require.Equal(t, 3, stats.MarkedObjects)
	require.Equal(t, 0, stats.SweptObjects)

	_, err = ff.Get(B)
	require.NoError(t, err)
	_, err = ff.Get(C)
	require.NoError(t, err)

	require.NoError(t, ff.Update(A, encodeRefs()))

	stats, err = gc.Collect(ff, []uint64{A}, extractRefs, gc.Options{}, isNotFound)
	require.NoError(t, err)
	require.Equal(t, 1, stats.MarkedObjects)
	require.Equal(t, 2, stats.SweptObjects)

	_, err = ff.Get(A)
	require.NoError(t, err)
	_, err = ff.Get(B)
	require.ErrorIs(t, err, flatstore.ErrNotFound)
	_, err = ff.Get(C)
	require.ErrorIs(t, err, flatstore.ErrNotFound)
}

func TestCollectTriggersDefragAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	ff, err := flatstore.Open(dir)
	require.NoError(t, err)
	defer ff.Close()

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, ff.Put(i, encodeRefs()))
	}
	// Only object 1 is reachable; everything else sweeps, leaving heavy
	// fragmentation relative to the tiny live set.
	stats, err := gc.Collect(ff, []uint64{1}, extractRefs, gc.Options{DefragThreshold: 0.1}, isNotFound)
	require.NoError(t, err)
	require.Equal(t, 9, stats.SweptObjects)
	require.True(t, stats.Defragmentized)

	ratio, err := ff.FreeRatio()
	require.NoError(t, err)
	require.Zero(t, ratio)
}
