//go:build windows

package clipboard

import (
	"os"

	"golang.org/x/sys/windows"
)

// platformLock takes an exclusive, blocking kernel-level lock on f via
// LockFileEx. Windows releases the lock automatically when the holding
// process exits, matching the Unix flock semantics this mirrors.
func platformLock(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK,
		0,
		1, 0,
		ol,
	)
}

// platformUnlock releases a lock taken by platformLock.
func platformUnlock(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
}
