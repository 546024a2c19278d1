package dirlock

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, Options{})
	require.NoError(t, err)

	b, err := os.ReadFile(dir + "/lock")
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(b))

	require.NoError(t, l.Release())
	_, err = os.Stat(dir + "/lock")
	require.True(t, os.IsNotExist(err))
}

func TestAcquireFailsWhenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, Options{})
	require.NoError(t, err)
	defer l.Release()

	_, err = Acquire(dir, Options{MaxRetries: 1, PauseBetween: 10 * time.Millisecond})
	require.Error(t, err)
}
