// Package filestorage implements Storage using files on disk.
package filestorage

import (
	"os"
	"path/filepath"

	"github.com/downpour-dl/downpour/internal/storage"
)

// FileStorage opens files under a destination directory.
type FileStorage struct {
	dest string
}

var _ storage.Storage = (*FileStorage)(nil)

// New returns a new FileStorage rooted at dest.
func New(dest string) (*FileStorage, error) {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest}, nil
}

// RootDir returns the destination directory.
func (s *FileStorage) RootDir() string {
	return s.dest
}

// Open opens the file at name under the destination directory.
// Missing parent directories are created and new files are pre-sized to
// size bytes so that random-offset writes are always valid.
func (s *FileStorage) Open(name string, size int64) (f storage.File, exists bool, err error) {
	name = filepath.Clean(name)
	name = filepath.Join(s.dest, name)

	err = os.MkdirAll(filepath.Dir(name), os.ModeDir|0750)
	if err != nil {
		return
	}

	var of *os.File
	defer func() {
		if err != nil && of != nil {
			_ = of.Close()
		}
	}()

	const mode = 0640
	of, err = os.OpenFile(name, os.O_RDWR, mode) // nolint: gosec
	if os.IsNotExist(err) {
		of, err = os.OpenFile(name, os.O_RDWR|os.O_CREATE, mode) // nolint: gosec
		if err != nil {
			return
		}
		err = of.Truncate(size)
		if err != nil {
			return
		}
		_ = disableReadAhead(of)
		f = of
		return
	}
	if err != nil {
		return
	}
	exists = true
	fi, err := of.Stat()
	if err != nil {
		return
	}
	if fi.Size() != size {
		err = of.Truncate(size)
		if err != nil {
			return
		}
	}
	_ = disableReadAhead(of)
	f = of
	return
}
