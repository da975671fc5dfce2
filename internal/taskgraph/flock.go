package taskgraph

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const lockFileName = "taskgraph.lock"

// DirLock serializes access to a shared state directory across
// processes via flock(2) on a well-known file inside it. It only fences
// other maestro processes pointed at the same state directory;
// in-process callers are already covered by the graph's own mutex.
type DirLock struct {
	path string
}

// NewDirLock returns a DirLock guarding dir.
func NewDirLock(dir string) *DirLock {
	return &DirLock{path: filepath.Join(dir, lockFileName)}
}

// Acquire takes the exclusive lock, blocking until it is free. The
// returned release function unlocks and closes the handle.
func (l *DirLock) Acquire() (release func(), err error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("flock %s: %w", l.path, err)
	}
	return releaseFunc(f), nil
}

// TryAcquire takes the lock without blocking. ok is false when another
// process holds it.
func (l *DirLock) TryAcquire() (release func(), ok bool, err error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	return releaseFunc(f), true, nil
}

// releaseFunc builds the unlock closure for an acquired handle. Closing
// the file already drops the kernel lock; the explicit unlock keeps the
// release visible when tracing lock contention.
func releaseFunc(f *os.File) func() {
	var done bool
	return func() {
		if done {
			return
		}
		done = true
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}
}
