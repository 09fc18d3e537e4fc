// Package piece contains the data model for pieces and blocks of a transfer.
package piece

import (
	"bytes"
	"hash"

	"github.com/downpour-dl/downpour/internal/filesection"
	"github.com/downpour-dl/downpour/internal/metainfo"
)

// BlockSize is the fixed block length used when requesting piece data from peers.
const BlockSize = 16 * 1024

// State of a piece. A piece only moves forward: Missing -> InProgress -> Verified.
type State int

const (
	// Missing means no block of the piece has been accepted yet.
	Missing State = iota
	// InProgress means at least one block is in flight or written.
	InProgress
	// Verified means the assembled piece matched its expected hash and is on disk.
	// Verified is terminal.
	Verified
)

// Piece of a transfer.
type Piece struct {
	Index  uint32 // index in transfer
	Length uint32 // equal to the nominal piece length except possibly the last piece
	Data   filesection.Sections
	Hash   []byte // expected hash of piece data
	Blocks []Block
	state  State
}

// Block is a sub-range of a Piece, the unit of network request.
type Block struct {
	Index  uint32 // index in piece
	Begin  uint32 // offset in piece
	Length uint32
}

// New returns a single piece with its block layout computed.
func New(index, length uint32, hash []byte, data filesection.Sections) *Piece {
	p := &Piece{
		Index:  index,
		Length: length,
		Data:   data,
		Hash:   hash,
	}
	p.Blocks = p.newBlocks()
	return p
}

// NewPieces builds the piece list of a transfer from its content descriptor
// and the section mapper.
func NewPieces(info *metainfo.Info, m *filesection.Mapper) []Piece {
	pieces := make([]Piece, m.NumPieces())
	for i := range pieces {
		idx := uint32(i)
		pieces[i] = Piece{
			Index:  idx,
			Length: m.PieceLength(idx),
			Data:   m.PieceSections(idx),
			Hash:   info.PieceHash(idx),
		}
		pieces[i].Blocks = pieces[i].newBlocks()
	}
	return pieces
}

func (p *Piece) newBlocks() []Block {
	div, mod := p.Length/BlockSize, p.Length%BlockSize
	numBlocks := div
	if mod != 0 {
		numBlocks++
	}
	blocks := make([]Block, numBlocks)
	for j := uint32(0); j < div; j++ {
		blocks[j] = Block{
			Index:  j,
			Begin:  j * BlockSize,
			Length: BlockSize,
		}
	}
	if mod != 0 {
		blocks[numBlocks-1] = Block{
			Index:  numBlocks - 1,
			Begin:  (numBlocks - 1) * BlockSize,
			Length: mod,
		}
	}
	return blocks
}

// State returns the verification state of the piece.
func (p *Piece) State() State { return p.state }

// MarkInProgress moves a missing piece to in-progress.
// A verified piece never leaves the verified state.
func (p *Piece) MarkInProgress() {
	if p.state == Missing {
		p.state = InProgress
	}
}

// MarkVerified marks the piece verified. Verified is terminal.
func (p *Piece) MarkVerified() { p.state = Verified }

// Reset moves a non-verified piece back to missing after a hash mismatch.
func (p *Piece) Reset() {
	if p.state != Verified {
		p.state = Missing
	}
}

// VerifyHash returns true if the hash of buf matches the expected piece hash.
func (p *Piece) VerifyHash(buf []byte, h hash.Hash) bool {
	if uint32(len(buf)) != p.Length {
		return false
	}
	_, _ = h.Write(buf)
	sum := h.Sum(nil)
	return bytes.Equal(sum, p.Hash)
}

// FindBlock returns the block at offset begin with the given length.
func (p *Piece) FindBlock(begin, length uint32) (Block, bool) {
	idx := begin / BlockSize
	if begin%BlockSize != 0 {
		return Block{}, false
	}
	if idx >= uint32(len(p.Blocks)) {
		return Block{}, false
	}
	b := p.Blocks[idx]
	if b.Length != length {
		return Block{}, false
	}
	return b, true
}
