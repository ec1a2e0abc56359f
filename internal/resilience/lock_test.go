package resilience

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingletonLockRefusesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swb.lock")
	first := NewSingletonLock(path, nil)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := NewSingletonLock(path, nil)
	err := second.Acquire()
	require.ErrorIs(t, err, ErrLockHeld)
	var held *LockHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.PID)

	owner, err := ReadOwner(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), owner, "failed attempt must not disturb the holder")
}

func TestSingletonLockReclaimsDeadOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swb.lock")
	// A marker left by a process that no longer exists; nobody holds the flock.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o600))
	require.False(t, ProcessAlive(999999999))

	l := NewSingletonLock(path, nil)
	require.NoError(t, l.Acquire())
	owner, err := ReadOwner(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), owner)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSingletonLockReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swb.lock")
	a := NewSingletonLock(path, nil)
	require.NoError(t, a.Acquire())
	require.NoError(t, a.Release())

	b := NewSingletonLock(path, nil)
	require.NoError(t, b.Acquire())
	require.NoError(t, b.Release())
}

// B opens the marker, A releases it, then B flocks its now orphaned handle. B must not
// count that as holding the lock, or C could create a fresh marker and hold it too.
func TestSingletonLockIgnoresOrphanedMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swb.lock")
	a := NewSingletonLock(path, nil)
	require.NoError(t, a.Acquire())

	b := NewSingletonLock(path, nil)
	opens := 0
	b.open = func(p string) (*os.File, error) {
		f, err := openMarker(p)
		opens++
		if opens == 1 {
			require.NoError(t, a.Release())
		}
		return f, err
	}
	require.NoError(t, b.Acquire())
	defer b.Release()
	assert.Equal(t, 2, opens, "the orphaned handle is dropped and the marker reopened")

	c := NewSingletonLock(path, nil)
	require.ErrorIs(t, c.Acquire(), ErrLockHeld)

	owner, err := ReadOwner(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), owner)
}

func TestSingletonLockGivesUpWhenMarkerKeepsMoving(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swb.lock")
	l := NewSingletonLock(path, nil)
	l.open = func(p string) (*os.File, error) {
		f, err := openMarker(p)
		if err == nil {
			require.NoError(t, os.Remove(p))
		}
		return f, err
	}
	err := l.Acquire()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marker kept changing")

	other := NewSingletonLock(path, nil)
	require.NoError(t, other.Acquire())
	require.NoError(t, other.Release())
}
