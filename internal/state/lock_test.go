package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/pkg/exception"
)

func TestAcquireWritesOwnPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.lock")
	l := NewLock(path)

	require.NoError(t, l.Acquire())
	assert.True(t, l.Held())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var info lockInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, os.Getpid(), info.PID)
	assert.False(t, info.StartedAt.IsZero())

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireFailsWhenOwnerAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.lock")
	payload, _ := json.Marshal(lockInfo{PID: 4242, StartedAt: time.Now().UTC()})
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	l := NewLock(path)
	l.pidAlive = func(pid int) bool { return true }

	err := l.Acquire()
	require.ErrorIs(t, err, exception.ErrLockHeld)
	assert.False(t, l.Held())
}

func TestAcquireReclaimsDeadPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.lock")
	payload, _ := json.Marshal(lockInfo{PID: 4242, StartedAt: time.Now().UTC()})
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	l := NewLock(path)
	l.pidAlive = func(pid int) bool { return false }

	require.NoError(t, l.Acquire())
	assert.True(t, l.Held())
}

func TestAcquireReclaimsCorruptLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.lock")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	l := NewLock(path)
	l.pidAlive = func(pid int) bool {
		t.Fatalf("corrupt lock should not probe a pid")
		return false
	}
	require.NoError(t, l.Acquire())
}

func TestAcquireSecondInstanceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.lock")
	first := NewLock(path)
	require.NoError(t, first.Acquire())

	// Same pid, still a live owner: the exclusive create must lose.
	second := NewLock(path)
	require.ErrorIs(t, second.Acquire(), exception.ErrLockHeld)
	assert.False(t, second.Held())

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestReleaseWithoutAcquire(t *testing.T) {
	l := NewLock(filepath.Join(t.TempDir(), "app.lock"))
	require.ErrorIs(t, l.Release(), exception.ErrLockNotHeld)
}
