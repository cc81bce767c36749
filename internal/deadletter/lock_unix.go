//go:build unix

package deadletter

import (
	"os"
	"syscall"
)

// lockFile takes an exclusive advisory lock on f, held until f is closed.
func lockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

// tryLockOrphan reports whether f's writer is gone: nobody else holds its
// lock.
func tryLockOrphan(f *os.File) bool {
	return lockFile(f) == nil
}
