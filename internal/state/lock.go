package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"syscall"
	"time"

	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/pkg/exception"
)

// lockInfo is the lock file payload.
type lockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Lock guards a state directory against concurrent instances. It is
// reclaimed automatically when the recorded process is gone or the
// file is unreadable.
type Lock struct {
	path     string
	acquired bool

	// pidAlive is swapped in tests.
	pidAlive func(pid int) bool
}

// NewLock manages the lock file at path.
func NewLock(path string) *Lock {
	return &Lock{path: path, pidAlive: pidAlive}
}

// Acquire takes the lock, reclaiming stale files. The lock file is
// created exclusively, so two racing processes cannot both win. It
// fails with ErrLockHeld when the recorded owner is still running.
func (l *Lock) Acquire() error {
	info := lockInfo{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	payload, err := json.Marshal(info)
	if err != nil {
		return yerrors.Wrap(err, "marshal lock")
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := l.createExclusive(payload)
		if err == nil {
			l.acquired = true
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return yerrors.Wrap(err, "write lock file")
		}

		data, err := os.ReadFile(l.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Owner released between create and read; retry.
				continue
			}
			return yerrors.Wrap(err, "read lock file")
		}
		if err := l.handleExisting(data); err != nil {
			return err
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return yerrors.Wrap(err, "remove stale lock file")
		}
	}
	return yerrors.Wrap(exception.ErrLockHeld, "lost lock acquire race")
}

func (l *Lock) createExclusive(payload []byte) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// handleExisting decides whether a present lock file may be
// reclaimed.
func (l *Lock) handleExisting(data []byte) error {
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil || info.PID <= 0 {
		logs.Warnf("reclaiming corrupt lock file %s", l.path)
		return nil
	}
	if l.pidAlive(info.PID) {
		return yerrors.Wrap(exception.ErrLockHeld, "instance running").
			With("pid", info.PID).
			With("started_at", info.StartedAt)
	}
	logs.Warnf("reclaiming lock from dead process %d", info.PID)
	return nil
}

// Release removes the lock file. Releasing a lock we never acquired
// is an error so a second instance cannot free the owner's lock.
func (l *Lock) Release() error {
	if !l.acquired {
		return exception.ErrLockNotHeld
	}
	l.acquired = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return yerrors.Wrap(err, "remove lock file")
	}
	return nil
}

// Held reports whether this process holds the lock.
func (l *Lock) Held() bool { return l.acquired }

// pidAlive probes the pid with signal zero. Permission errors mean
// the process exists under another user.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
