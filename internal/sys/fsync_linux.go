//go:build linux

package sys

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync flushes file data and the metadata needed to read it back.
func Fdatasync(f *os.File) error {
	for {
		err := unix.Fdatasync(int(f.Fd()))
		if err != unix.EINTR {
			return err
		}
	}
}

// SyncDir makes directory entry changes (create, rename, unlink) durable.
func SyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}
