// Package storage contains an interface for reading and writing destination files of a transfer.
package storage

import "io"

// Storage is an interface for opening destination files.
type Storage interface {
	// Open opens the named file, creating and pre-sizing it to size bytes
	// if it does not exist. exists reports whether the file was already on
	// disk, which callers use to decide if existing data may be resumable.
	Open(name string, size int64) (f File, exists bool, err error)

	// RootDir returns the directory all files are opened under.
	RootDir() string
}

// File interface for reading/writing transfer data at arbitrary offsets.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}
