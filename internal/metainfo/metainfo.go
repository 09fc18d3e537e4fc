// Package metainfo parses the content descriptor of a transfer.
package metainfo

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/zeebo/bencode"
)

var (
	errInvalidPieceData = errors.New("invalid piece data")
	errZeroPieceLength  = errors.New("zero piece length")
)

// Info describes the content of a transfer: the files it maps onto,
// the nominal piece length and the expected hash of every piece.
type Info struct {
	PieceLength uint32     `bencode:"piece length"`
	Pieces      []byte     `bencode:"pieces"`
	Name        string     `bencode:"name"`
	Length      int64      `bencode:"length"` // single-file layout
	Files       []FileDict `bencode:"files"`  // multi-file layout

	// Calculated fields
	ID          [20]byte `bencode:"-"`
	TotalLength int64    `bencode:"-"`
	NumPieces   uint32   `bencode:"-"`
	Bytes       []byte   `bencode:"-"`
}

// FileDict is a file entry in a multi-file layout.
type FileDict struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// New reads and parses a bencoded content descriptor from r.
func New(r io.Reader) (*Info, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return NewBytes(b)
}

// NewBytes parses a bencoded content descriptor.
func NewBytes(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, err
	}
	if i.PieceLength == 0 {
		return nil, errZeroPieceLength
	}
	if uint32(len(i.Pieces))%sha1.Size != 0 {
		return nil, errInvalidPieceData
	}
	// ".." is not allowed in file names
	for _, file := range i.Files {
		for _, path := range file.Path {
			if strings.TrimSpace(path) == ".." {
				return nil, fmt.Errorf("invalid file name: %q", filepath.Join(file.Path...))
			}
		}
	}
	i.NumPieces = uint32(len(i.Pieces)) / sha1.Size
	if !i.MultiFile() {
		i.TotalLength = i.Length
	} else {
		for _, f := range i.Files {
			i.TotalLength += f.Length
		}
	}
	totalPieceDataLength := int64(i.PieceLength) * int64(i.NumPieces)
	delta := totalPieceDataLength - i.TotalLength
	if delta >= int64(i.PieceLength) || delta < 0 {
		return nil, errInvalidPieceData
	}
	i.Bytes = b
	hash := sha1.New() // nolint: gosec
	_, _ = hash.Write(b)
	copy(i.ID[:], hash.Sum(nil))
	return &i, nil
}

// MultiFile returns true if the content maps onto more than one file.
func (i *Info) MultiFile() bool {
	return len(i.Files) != 0
}

// PieceHash returns the expected hash of the piece at index.
func (i *Info) PieceHash(index uint32) []byte {
	begin := index * sha1.Size
	return i.Pieces[begin : begin+sha1.Size]
}

// PieceLengthOf returns the actual length of the piece at index.
// Only the last piece may be shorter than the nominal piece length.
func (i *Info) PieceLengthOf(index uint32) uint32 {
	if index == i.NumPieces-1 {
		if mod := i.TotalLength % int64(i.PieceLength); mod != 0 {
			return uint32(mod)
		}
	}
	return i.PieceLength
}

// GetFiles returns the files in the layout as a slice, even for a single file.
func (i *Info) GetFiles() []FileDict {
	if i.MultiFile() {
		return i.Files
	}
	return []FileDict{{i.Length, []string{i.Name}}}
}
