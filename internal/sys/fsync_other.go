//go:build !linux

package sys

import "os"

func Fdatasync(f *os.File) error {
	return f.Sync()
}

func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Not every platform can fsync a directory handle.
	_ = d.Sync()
	return nil
}
