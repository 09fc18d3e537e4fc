package filestorage

import (
	"os"

	"golang.org/x/sys/unix"
)

// Piece writes land at random offsets, readahead only wastes page cache.
func disableReadAhead(f *os.File) error {
	return unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
}
