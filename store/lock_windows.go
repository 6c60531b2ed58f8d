//go:build windows

package store

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// lockFile blocks until it holds an exclusive lock on the file at path,
// creating the file if needed. Close the returned file to release the lock.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	var ol windows.Overlapped
	err = windows.LockFileEx(windows.Handle(f.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &ol)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "LockFileEx")
	}
	return f, nil
}

func unlockFile(f *os.File) error {
	var ol windows.Overlapped
	windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, &ol)
	return f.Close()
}
