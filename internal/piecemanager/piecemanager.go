// Package piecemanager owns piece verification state and decides which block
// to request next. It accepts incoming blocks, hands out the disk writes the
// caller must perform and verifies completed pieces against their expected
// hashes.
package piecemanager

import (
	"context"
	"crypto/sha1" // nolint: gosec
	"errors"
	"sync"

	"github.com/rcrowley/go-metrics"

	"github.com/downpour-dl/downpour/internal/bitfield"
	"github.com/downpour-dl/downpour/internal/diskio"
	"github.com/downpour-dl/downpour/internal/filesection"
	"github.com/downpour-dl/downpour/internal/logger"
	"github.com/downpour-dl/downpour/internal/peer"
	"github.com/downpour-dl/downpour/internal/piece"
	"github.com/downpour-dl/downpour/internal/piecepicker"
)

var (
	// ErrInvalidPieceIndex is returned for a block addressing a piece that
	// does not exist. Protocol violation, the connection must be closed.
	ErrInvalidPieceIndex = errors.New("invalid piece index")
	// ErrInvalidBlock is returned for a block that does not align with the
	// piece's block layout. Protocol violation.
	ErrInvalidBlock = errors.New("invalid block")
)

// Request is the next block to request from a peer.
type Request struct {
	Piece uint32
	Block piece.Block
}

// WriteInstruction is a disk write the caller must perform for an accepted block.
type WriteInstruction struct {
	Piece    uint32
	Begin    uint32
	Sections filesection.Sections
	Data     []byte
}

type blockKey struct {
	piece uint32
	begin uint32
}

type pieceProgress struct {
	received *bitfield.Bitfield // blocks accepted
	written  *bitfield.Bitfield // blocks on disk
}

// Manager tracks piece and block state for one transfer.
type Manager struct {
	mu sync.Mutex

	pieces   []*piece.Piece
	picker   *piecepicker.PiecePicker
	mapper   *filesection.Mapper
	engine   *diskio.Engine
	verified *bitfield.Bitfield

	progress  map[uint32]*pieceProgress
	inflight  map[blockKey][]*peer.Peer
	assigned  map[*peer.Peer]uint32
	verifying map[uint32]struct{}

	verifyFailures metrics.Counter
	onVerified     func(index uint32)

	log logger.Logger
}

// New returns a new Manager.
// resumed, if not nil, marks pieces already verified in a previous run.
// onVerified is called after each newly verified piece, outside the manager lock.
func New(pieces []*piece.Piece, m *filesection.Mapper, e *diskio.Engine, maxDuplicate int, endgameThreshold float64, resumed *bitfield.Bitfield, onVerified func(uint32)) *Manager {
	verified := bitfield.New(uint32(len(pieces)))
	if resumed != nil {
		for i := uint32(0); i < resumed.Len() && i < uint32(len(pieces)); i++ {
			if resumed.Test(i) {
				pieces[i].MarkInProgress()
				pieces[i].MarkVerified()
				verified.Set(i)
			}
		}
	}
	return &Manager{
		pieces:         pieces,
		picker:         piecepicker.New(pieces, maxDuplicate, endgameThreshold),
		mapper:         m,
		engine:         e,
		verified:       verified,
		progress:       make(map[uint32]*pieceProgress),
		inflight:       make(map[blockKey][]*peer.Peer),
		assigned:       make(map[*peer.Peer]uint32),
		verifying:      make(map[uint32]struct{}),
		verifyFailures: metrics.NewCounter(),
		onVerified:     onVerified,
		log:            logger.New("piecemanager"),
	}
}

// Bitfield returns a copy of the verified-piece bitfield.
// The copy is always a conservative subset of hash-checked on-disk data.
func (m *Manager) Bitfield() *bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified.Copy()
}

// Complete returns true when every piece is verified.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified.All()
}

// InEndgame returns true after endgame mode has been activated.
func (m *Manager) InEndgame() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.picker.InEndgame()
}

// VerifyFailures returns the number of hash mismatches seen so far.
func (m *Manager) VerifyFailures() int64 { return m.verifyFailures.Count() }

// HandleHave records that the peer has a piece.
func (m *Manager) HandleHave(pe *peer.Peer, i uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= uint32(len(m.pieces)) {
		return ErrInvalidPieceIndex
	}
	m.picker.HandleHave(pe, i)
	return nil
}

// HandleChoke records that the peer choked us.
func (m *Manager) HandleChoke(pe *peer.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pe.PeerChoking = true
	if i, ok := m.assigned[pe]; ok {
		m.picker.HandleChoke(pe, i)
	}
}

// HandleUnchoke records that the peer unchoked us.
func (m *Manager) HandleUnchoke(pe *peer.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pe.PeerChoking = false
	if i, ok := m.assigned[pe]; ok {
		m.picker.HandleUnchoke(pe, i)
	}
}

// HandleSnubbed marks a peer that stopped delivering blocks mid-piece. The
// piece assigned to it no longer counts as actively progressing, so other
// peers may pick it up. The mark is cleared when a new piece is assigned.
func (m *Manager) HandleSnubbed(pe *peer.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pe.Snubbed = true
	if i, ok := m.assigned[pe]; ok {
		m.picker.HandleSnubbed(pe, i)
	}
}

// HandleDisconnect returns the peer's in-flight blocks to the selection pool.
func (m *Manager) HandleDisconnect(pe *peer.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, peers := range m.inflight {
		m.inflight[key] = removePeer(peers, pe)
		if len(m.inflight[key]) == 0 {
			delete(m.inflight, key)
		}
	}
	delete(m.assigned, pe)
	m.picker.HandleDisconnect(pe)
}

// SelectNextRequest returns the next block to request from the peer, or
// false if nothing is needed from this peer.
func (m *Manager) SelectNextRequest(pe *peer.Peer) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Continue the piece already assigned to the peer.
	if i, ok := m.assigned[pe]; ok {
		if req, ok := m.nextBlock(pe, i); ok {
			return req, true
		}
		// Piece exhausted for this peer.
		pe.Downloading = false
		m.picker.HandleCancelDownload(pe, i)
		delete(m.assigned, pe)
	}

	pi := m.picker.PickFor(pe)
	if pi == nil {
		return Request{}, false
	}
	m.assigned[pe] = pi.Index
	pe.Downloading = true
	req, ok := m.nextBlock(pe, pi.Index)
	if !ok {
		pe.Downloading = false
		m.picker.HandleCancelDownload(pe, pi.Index)
		delete(m.assigned, pe)
		return Request{}, false
	}
	return req, true
}

// nextBlock finds the first block of piece i that is not received and that
// this peer may request. Outside endgame a block is requested at most once;
// in endgame it may be in flight at multiple peers, bounded by the picker's
// duplicate cap.
func (m *Manager) nextBlock(pe *peer.Peer, i uint32) (Request, bool) {
	p := m.pieces[i]
	prog := m.progressFor(i)
	for _, b := range p.Blocks {
		if prog.received.Test(b.Index) {
			continue
		}
		key := blockKey{i, b.Begin}
		holders := m.inflight[key]
		if containsPeer(holders, pe) {
			continue
		}
		if len(holders) > 0 && !m.picker.InEndgame() {
			continue
		}
		m.inflight[key] = append(holders, pe)
		return Request{Piece: i, Block: b}, true
	}
	return Request{}, false
}

// OnBlockReceived records a received block and returns the disk write the
// caller must perform. cancels lists peers that have a now-redundant request
// for the same block outstanding. A block is accepted at most once; a
// duplicate delivery returns ok == false and must not be written.
func (m *Manager) OnBlockReceived(pe *peer.Peer, index, begin uint32, data []byte) (wi WriteInstruction, cancels []*peer.Peer, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index >= uint32(len(m.pieces)) {
		err = ErrInvalidPieceIndex
		return
	}
	p := m.pieces[index]
	b, valid := p.FindBlock(begin, uint32(len(data)))
	if !valid {
		err = ErrInvalidBlock
		return
	}

	key := blockKey{index, begin}
	for _, holder := range m.inflight[key] {
		if holder != pe {
			cancels = append(cancels, holder)
		}
	}
	delete(m.inflight, key)

	if p.State() == piece.Verified {
		return
	}
	prog := m.progressFor(index)
	if prog.received.Test(b.Index) {
		// Duplicate endgame delivery, first one won.
		return
	}
	prog.received.Set(b.Index)
	p.MarkInProgress()

	secs, mapErr := m.mapper.Map(index, begin, uint32(len(data)))
	if mapErr != nil {
		err = mapErr
		return
	}
	wi = WriteInstruction{
		Piece:    index,
		Begin:    begin,
		Sections: secs,
		Data:     data,
	}
	ok = true
	return
}

// HandleWriteResult records the outcome of a block write.
// On failure the block is returned to the selection pool for re-request.
// Returns true when all blocks of the piece are on disk and the caller must
// run Verify for the piece.
func (m *Manager) HandleWriteResult(index, begin uint32, writeErr error) (needsVerify bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pieces[index]
	b, valid := p.FindBlock(begin, blockLengthAt(p, begin))
	if !valid {
		return false
	}
	prog := m.progressFor(index)
	if writeErr != nil {
		m.log.Errorln("block write failed:", writeErr)
		prog.received.Clear(b.Index)
		return false
	}
	prog.written.Set(b.Index)
	if !prog.written.All() {
		return false
	}
	if _, running := m.verifying[index]; running {
		return false
	}
	m.verifying[index] = struct{}{}
	m.picker.HandleWriting(index)
	return true
}

// Verify reads the assembled piece from disk and checks its hash.
// On success the piece becomes verified, terminally. On mismatch the piece
// is reset to missing and all its blocks are discarded for re-download.
// Verification failure is recoverable and not fatal to the transfer.
func (m *Manager) Verify(ctx context.Context, index uint32) (bool, error) {
	m.mu.Lock()
	p := m.pieces[index]
	secs := p.Data
	length := p.Length
	m.mu.Unlock()

	buf := make([]byte, length)
	if err := m.engine.ReadSections(ctx, secs, buf); err != nil {
		m.mu.Lock()
		delete(m.verifying, index)
		m.picker.HandleWriteError(index)
		m.mu.Unlock()
		return false, err
	}
	okHash := m.VerifyPiece(index, buf)

	m.mu.Lock()
	delete(m.verifying, index)
	if okHash {
		m.picker.HandleVerified(index)
		m.verified.Set(index)
	} else {
		m.verifyFailures.Inc(1)
		m.log.Warningf("piece #%d failed hash check", index)
		m.picker.HandleVerificationError(index)
		delete(m.progress, index)
	}
	m.mu.Unlock()

	if okHash && m.onVerified != nil {
		m.onVerified(index)
	}
	return okHash, nil
}

// VerifyPiece computes the hash of the assembled piece bytes and compares it
// with the expected value.
func (m *Manager) VerifyPiece(index uint32, assembled []byte) bool {
	return m.pieces[index].VerifyHash(assembled, sha1.New()) // nolint: gosec
}

func (m *Manager) progressFor(i uint32) *pieceProgress {
	prog, ok := m.progress[i]
	if !ok {
		numBlocks := uint32(len(m.pieces[i].Blocks))
		prog = &pieceProgress{
			received: bitfield.New(numBlocks),
			written:  bitfield.New(numBlocks),
		}
		m.progress[i] = prog
	}
	return prog
}

func blockLengthAt(p *piece.Piece, begin uint32) uint32 {
	idx := begin / piece.BlockSize
	if idx >= uint32(len(p.Blocks)) {
		return 0
	}
	return p.Blocks[idx].Length
}

func containsPeer(peers []*peer.Peer, pe *peer.Peer) bool {
	for _, p := range peers {
		if p == pe {
			return true
		}
	}
	return false
}

func removePeer(peers []*peer.Peer, pe *peer.Peer) []*peer.Peer {
	for i, p := range peers {
		if p == pe {
			peers[i] = peers[len(peers)-1]
			return peers[:len(peers)-1]
		}
	}
	return peers
}
