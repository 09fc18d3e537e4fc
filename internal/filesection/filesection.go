// Package filesection maps piece-addressed byte ranges onto destination files.
package filesection

import (
	"errors"
	"io"
)

// ReadWriterAt is the part of a destination file the mapper needs.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// File is one destination file in the content layout.
type File struct {
	RW     ReadWriterAt
	Name   string
	Length int64
}

// Section is a byte range of one destination file.
type Section struct {
	File   ReadWriterAt
	Name   string
	Offset int64
	Length int64
}

// Sections is an ordered list of contiguous file sections. When piece hashes
// of a transfer are calculated all files are concatenated and split into
// pieces of fixed length, so a piece near a file boundary spans two or more
// sections.
type Sections []Section

// ReadAt reads len(p) bytes from s starting at off.
func (s Sections) ReadAt(p []byte, off int64) (int, error) {
	var readers []io.Reader
	var i int
	var pos int64

	// Skip sections before off
	for ; i < len(s); i++ {
		if pos+s[i].Length > off {
			break
		}
		pos += s[i].Length
	}
	if i == len(s) {
		return 0, io.EOF
	}

	// Add the partial first section
	advance := off - pos
	readers = append(readers, io.NewSectionReader(s[i].File, s[i].Offset+advance, s[i].Length-advance))
	pos += s[i].Length

	// Add remaining sections until len(p) is covered
	for i++; i < len(s) && pos < off+int64(len(p)); i++ {
		readers = append(readers, io.NewSectionReader(s[i].File, s[i].Offset, s[i].Length))
		pos += s[i].Length
	}

	return io.ReadFull(io.MultiReader(readers...), p)
}

// Write writes the bytes in p into the files in s.
// len(p) must be equal to the total length of s.
func (s Sections) Write(p []byte) (n int, err error) {
	var m int
	for _, sec := range s {
		m, err = sec.File.WriteAt(p[:sec.Length], sec.Offset)
		n += m
		if err != nil {
			return
		}
		if int64(m) < sec.Length {
			err = io.ErrShortWrite
			return
		}
		p = p[m:]
	}
	return
}

// Length returns the total number of bytes covered by s.
func (s Sections) Length() int64 {
	var total int64
	for _, sec := range s {
		total += sec.Length
	}
	return total
}

var errRangeOutOfBounds = errors.New("range is out of piece bounds")

// Mapper translates (piece index, intra-piece offset, length) addresses into
// file sections. The mapping is computed once from the layout and is
// immutable for the lifetime of a transfer.
type Mapper struct {
	pieces      []Sections
	pieceLength uint32
	totalLength int64
}

// NewMapper builds a Mapper from the ordered file layout and nominal piece
// length. The last piece is sized from the total content length.
func NewMapper(files []File, pieceLength uint32) *Mapper {
	var totalLength int64
	for _, f := range files {
		totalLength += f.Length
	}
	numPieces := uint32((totalLength + int64(pieceLength) - 1) / int64(pieceLength))

	m := &Mapper{
		pieces:      make([]Sections, numPieces),
		pieceLength: pieceLength,
		totalLength: totalLength,
	}

	var fileIndex int
	var fileOffset int64
	fileLeft := func() int64 { return files[fileIndex].Length - fileOffset }

	for i := uint32(0); i < numPieces; i++ {
		left := int64(m.PieceLength(i))
		for left > 0 {
			for fileLeft() == 0 {
				fileIndex++
				fileOffset = 0
			}
			n := left
			if fl := fileLeft(); fl < n {
				n = fl
			}
			m.pieces[i] = append(m.pieces[i], Section{
				File:   files[fileIndex].RW,
				Name:   files[fileIndex].Name,
				Offset: fileOffset,
				Length: n,
			})
			left -= n
			fileOffset += n
		}
	}
	return m
}

// NumPieces returns the number of pieces in the layout.
func (m *Mapper) NumPieces() uint32 { return uint32(len(m.pieces)) }

// TotalLength returns the total content length in bytes.
func (m *Mapper) TotalLength() int64 { return m.totalLength }

// PieceLength returns the length of the piece at index.
// Only the last piece may be shorter than the nominal length.
func (m *Mapper) PieceLength(index uint32) uint32 {
	if int64(index) == m.totalLength/int64(m.pieceLength) {
		return uint32(m.totalLength - int64(index)*int64(m.pieceLength))
	}
	return m.pieceLength
}

// PieceSections returns the sections the whole piece at index occupies.
func (m *Mapper) PieceSections(index uint32) Sections {
	return m.pieces[index]
}

// Map returns the ordered sections covering exactly length bytes of the
// piece at index starting at intra-piece offset. The returned sections have
// no gaps and no overlaps.
func (m *Mapper) Map(index uint32, intraOffset, length uint32) (Sections, error) {
	if index >= m.NumPieces() {
		return nil, errRangeOutOfBounds
	}
	if int64(intraOffset)+int64(length) > int64(m.PieceLength(index)) {
		return nil, errRangeOutOfBounds
	}
	var out Sections
	skip := int64(intraOffset)
	left := int64(length)
	for _, sec := range m.pieces[index] {
		if skip >= sec.Length {
			skip -= sec.Length
			continue
		}
		n := sec.Length - skip
		if n > left {
			n = left
		}
		out = append(out, Section{
			File:   sec.File,
			Name:   sec.Name,
			Offset: sec.Offset + skip,
			Length: n,
		})
		skip = 0
		left -= n
		if left == 0 {
			break
		}
	}
	return out, nil
}
