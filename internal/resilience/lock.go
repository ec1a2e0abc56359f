package resilience

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrLockHeld means another live process owns the singleton marker.
var ErrLockHeld = errors.New("singleton lock held by another process")

// LockHeldError carries the owner recorded in the marker, when readable.
type LockHeldError struct {
	Path string
	PID  int
}

func (e *LockHeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s (pid %d, marker %s)", ErrLockHeld, e.PID, e.Path)
	}
	return fmt.Sprintf("%s (marker %s)", ErrLockHeld, e.Path)
}

func (e *LockHeldError) Unwrap() error { return ErrLockHeld }

// SingletonLock is a host-wide marker file guarded by flock(2) and holding the owner PID.
// The kernel drops the flock when the owner dies, so a marker left behind by a dead
// process is reclaimed on the next Acquire.
//
// Release unlinks the marker before unlocking it, so a process that flocks a handle it
// opened earlier may end up holding an orphaned inode. Acquire therefore only trusts a
// flock on the file currently at the path, and retries otherwise.
type SingletonLock struct {
	path   string
	logger *slog.Logger
	open   func(path string) (*os.File, error)

	mu   sync.Mutex
	file *os.File
}

// maxLockAttempts bounds the retries when the marker is replaced between open and flock.
const maxLockAttempts = 8

func NewSingletonLock(path string, logger *slog.Logger) *SingletonLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &SingletonLock{path: path, logger: logger.With("component", "lock"), open: openMarker}
}

func openMarker(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
}

func (l *SingletonLock) Path() string { return l.path }

// Acquire claims the marker without blocking.
func (l *SingletonLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := l.lockCurrent()
	if err != nil {
		return err
	}
	if prev, _ := readPID(f); prev > 0 && prev != os.Getpid() {
		l.logger.Warn("reclaiming singleton lock from dead process", "stale_pid", prev, "alive", ProcessAlive(prev), "path", l.path)
	}
	if err := writePID(f, os.Getpid()); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return err
	}
	l.file = f
	l.logger.Debug("singleton lock acquired", "path", l.path, "pid", os.Getpid())
	return nil
}

// lockCurrent opens and flocks the marker, retrying while the locked inode is not the
// one at the path.
func (l *SingletonLock) lockCurrent() (*os.File, error) {
	for attempt := 1; ; attempt++ {
		f, err := l.open(l.path)
		if err != nil {
			return nil, err
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			pid, _ := readPID(f)
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, &LockHeldError{Path: l.path, PID: pid}
			}
			return nil, fmt.Errorf("flock %s: %w", l.path, err)
		}
		current, err := sameFile(f, l.path)
		if err != nil {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			return nil, err
		}
		if current {
			return f, nil
		}
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		if attempt == maxLockAttempts {
			return nil, fmt.Errorf("lock %s: marker kept changing after %d attempts", l.path, attempt)
		}
		l.logger.Debug("marker replaced while locking, retrying", "path", l.path, "attempt", attempt)
	}
}

// sameFile reports whether f is still the file at path. A missing path is not an error.
func sameFile(f *os.File, path string) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, err
	}
	onDisk, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return os.SameFile(held, onDisk), nil
}

// Release removes the marker, then drops the flock. Safe to call more than once.
func (l *SingletonLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	os.Remove(l.path)
	err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	l.logger.Debug("singleton lock released", "path", l.path)
	return err
}

// ReadOwner returns the PID recorded in the marker at path, or 0.
func ReadOwner(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()
	return readPID(f)
}

// ProcessAlive reports whether pid names a running process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func readPID(f *os.File) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(io.LimitReader(f, 32))
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writePID(f *os.File, pid int) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}
