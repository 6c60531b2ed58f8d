//go:build !windows

package store

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// lockFile blocks until it holds an exclusive lock on the file at path,
// creating the file if needed. Close the returned file to release the lock.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "flock")
	}
	return f, nil
}

func unlockFile(f *os.File) error {
	// closing the descriptor drops the flock as well
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}
