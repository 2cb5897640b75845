//go:build !windows

package clipboard

import (
	"os"

	"golang.org/x/sys/unix"
)

// platformLock takes an exclusive, blocking kernel-level lock on f. The
// lock is released automatically if the process dies, so a crash can
// never leave the clipboard permanently unavailable to the other server.
func platformLock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

// platformUnlock releases a lock taken by platformLock.
func platformUnlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
