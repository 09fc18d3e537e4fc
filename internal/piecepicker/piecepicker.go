// Package piecepicker decides which piece to download next, from which peer.
package piecepicker

import (
	"sort"

	"github.com/downpour-dl/downpour/internal/peer"
	"github.com/downpour-dl/downpour/internal/piece"
)

/*

These are the things to consider when selecting a piece for downloading:

  * Piece is verified (hash checked and written to disk)
  * Piece is being written
  * Peer has the piece
  * Peer is choking us
  * Piece is requested from other peers
  * Is endgame mode activated
  * Are there stalled downloads (snubbed or choked mid-piece)

Do not forget to re-check these when making changes.

*/

// PiecePicker keeps track of the availability of pieces among peers and runs
// the rarest-first algorithm with an endgame phase near completion.
type PiecePicker struct {
	pieces           []myPiece
	sortedPieces     []*myPiece
	maxDuplicate     int
	endgameThreshold float64
	available        uint32
	numVerified      uint32
	endgame          bool
}

type myPiece struct {
	*piece.Piece
	Having    peerSet
	Requested peerSet
	Snubbed   peerSet
	Choked    peerSet
	Writing   bool
}

// RunningDownloads returns the number of downloads of this piece that are
// actively progressing. Snubbed and choked peers do not count.
func (p *myPiece) RunningDownloads() int {
	return p.Requested.Len() - p.StalledDownloads()
}

// StalledDownloads returns the number of downloads of this piece whose peers
// are snubbed or choked.
func (p *myPiece) StalledDownloads() int {
	return p.Snubbed.Len() + p.Choked.Len()
}

// New returns a new PiecePicker.
// maxDuplicate bounds how many peers may download the same piece in endgame.
// endgameThreshold is the verified ratio above which endgame mode activates.
func New(pieces []*piece.Piece, maxDuplicate int, endgameThreshold float64) *PiecePicker {
	ps := make([]myPiece, len(pieces))
	for i := range pieces {
		ps[i] = myPiece{Piece: pieces[i]}
	}
	sps := make([]*myPiece, len(ps))
	var verified uint32
	for i := range ps {
		sps[i] = &ps[i]
		if ps[i].State() == piece.Verified {
			verified++
		}
	}
	p := &PiecePicker{
		pieces:           ps,
		sortedPieces:     sps,
		maxDuplicate:     maxDuplicate,
		endgameThreshold: endgameThreshold,
		numVerified:      verified,
	}
	p.checkEndgame()
	return p
}

// Available returns the number of distinct pieces available among connected peers.
func (p *PiecePicker) Available() uint32 { return p.available }

// Verified returns the number of verified pieces.
func (p *PiecePicker) Verified() uint32 { return p.numVerified }

// InEndgame returns true after endgame mode has been activated.
func (p *PiecePicker) InEndgame() bool { return p.endgame }

// RequestedPeers returns the peers the piece at index is requested from.
func (p *PiecePicker) RequestedPeers(i uint32) []*peer.Peer {
	return p.pieces[i].Requested.Peers
}

// HandleHave must be called when a peer announces that it has a piece.
func (p *PiecePicker) HandleHave(pe *peer.Peer, i uint32) {
	pe.Bitfield.Set(i)
	p.addHavingPeer(i, pe)
}

// HandleSnubbed must be called when the peer downloading a piece goes silent.
func (p *PiecePicker) HandleSnubbed(pe *peer.Peer, i uint32) {
	p.pieces[i].Choked.Remove(pe)
	p.pieces[i].Snubbed.Add(pe)
}

// HandleChoke must be called when the remote peer chokes us.
func (p *PiecePicker) HandleChoke(pe *peer.Peer, i uint32) {
	p.pieces[i].Snubbed.Remove(pe)
	p.pieces[i].Choked.Add(pe)
}

// HandleUnchoke must be called when the remote peer unchokes us.
func (p *PiecePicker) HandleUnchoke(pe *peer.Peer, i uint32) {
	p.pieces[i].Choked.Remove(pe)
}

// HandleCancelDownload must be called when a piece download is canceled or fails.
func (p *PiecePicker) HandleCancelDownload(pe *peer.Peer, i uint32) {
	p.pieces[i].Requested.Remove(pe)
	p.pieces[i].Snubbed.Remove(pe)
	p.pieces[i].Choked.Remove(pe)
}

// HandleDisconnect must be called when a peer connection is closed.
func (p *PiecePicker) HandleDisconnect(pe *peer.Peer) {
	for i := range p.pieces {
		p.HandleCancelDownload(pe, uint32(i))
		p.removeHavingPeer(i, pe)
	}
}

// HandleWriting must be called when the assembled piece is being hash
// checked and written. A writing piece is excluded from selection.
func (p *PiecePicker) HandleWriting(i uint32) {
	p.pieces[i].Writing = true
}

// HandleWriteError must be called when the write of an assembled piece
// failed. The piece re-enters the selection pool.
func (p *PiecePicker) HandleWriteError(i uint32) {
	p.pieces[i].Writing = false
}

// HandleVerified must be called when the piece at index passed hash check
// and is on disk. May activate endgame mode.
func (p *PiecePicker) HandleVerified(i uint32) {
	mp := &p.pieces[i]
	if mp.State() == piece.Verified {
		return
	}
	mp.MarkVerified()
	mp.Writing = false
	p.numVerified++
	p.checkEndgame()
}

// HandleVerificationError must be called when the assembled piece failed
// hash check. The piece is reset and re-enters the selection pool.
func (p *PiecePicker) HandleVerificationError(i uint32) {
	mp := &p.pieces[i]
	mp.Writing = false
	mp.Reset()
}

func (p *PiecePicker) checkEndgame() {
	if p.endgame {
		return
	}
	if len(p.pieces) == 0 {
		return
	}
	ratio := float64(p.numVerified) / float64(len(p.pieces))
	if ratio >= p.endgameThreshold {
		p.endgame = true
	}
}

func (p *PiecePicker) addHavingPeer(i uint32, pe *peer.Peer) {
	ok := p.pieces[i].Having.Add(pe)
	if ok && p.pieces[i].Having.Len() == 1 {
		p.available++
	}
}

func (p *PiecePicker) removeHavingPeer(i int, pe *peer.Peer) {
	ok := p.pieces[i].Having.Remove(pe)
	if ok && p.pieces[i].Having.Len() == 0 {
		p.available--
	}
}

// PickFor selects the next piece to download from the peer.
// Returns nil if nothing is needed from this peer.
func (p *PiecePicker) PickFor(pe *peer.Peer) *piece.Piece {
	mp := p.findPiece(pe)
	if mp == nil {
		return nil
	}
	pe.Snubbed = false
	mp.MarkInProgress()
	mp.Requested.Add(pe)
	return mp.Piece
}

func (p *PiecePicker) findPiece(pe *peer.Peer) *myPiece {
	// Peer is allowed to download only one piece at a time.
	if pe.Downloading {
		return nil
	}
	// Must be unchoked to request from a peer.
	if pe.PeerChoking {
		return nil
	}
	if p.endgame {
		return p.pickEndgame(pe)
	}
	if mp := p.pickRarest(pe); mp != nil {
		return mp
	}
	// All remaining pieces are requested. Endgame may have been activated
	// by the verified ratio in the meantime; otherwise re-request stalled
	// downloads.
	if p.endgame {
		return p.pickEndgame(pe)
	}
	return p.pickStalled(pe)
}

func (p *PiecePicker) pickRarest(pe *peer.Peer) *myPiece {
	// Sort by availability, ties broken by lowest index for determinism.
	sort.Slice(p.sortedPieces, func(i, j int) bool {
		a, b := p.sortedPieces[i], p.sortedPieces[j]
		if a.Having.Len() != b.Having.Len() {
			return a.Having.Len() < b.Having.Len()
		}
		return a.Index < b.Index
	})
	for _, mp := range p.sortedPieces {
		if mp.State() == piece.Verified || mp.Writing {
			continue
		}
		if mp.Requested.Len() == 0 && mp.Having.Has(pe) {
			return mp
		}
	}
	return nil
}

func (p *PiecePicker) pickEndgame(pe *peer.Peer) *myPiece {
	// Sort by number of running downloads so duplicates spread evenly.
	sort.Slice(p.sortedPieces, func(i, j int) bool {
		a, b := p.sortedPieces[i], p.sortedPieces[j]
		if a.RunningDownloads() != b.RunningDownloads() {
			return a.RunningDownloads() < b.RunningDownloads()
		}
		return a.Index < b.Index
	})
	for _, mp := range p.sortedPieces {
		if mp.State() == piece.Verified || mp.Writing {
			continue
		}
		if mp.Requested.Has(pe) {
			continue
		}
		if mp.Requested.Len() < p.maxDuplicate && mp.Having.Has(pe) {
			return mp
		}
	}
	return nil
}

func (p *PiecePicker) pickStalled(pe *peer.Peer) *myPiece {
	sort.Slice(p.sortedPieces, func(i, j int) bool {
		a, b := p.sortedPieces[i], p.sortedPieces[j]
		if a.StalledDownloads() != b.StalledDownloads() {
			return a.StalledDownloads() < b.StalledDownloads()
		}
		return a.Index < b.Index
	})
	for _, mp := range p.sortedPieces {
		if mp.State() == piece.Verified || mp.Writing {
			continue
		}
		if mp.RunningDownloads() > 0 {
			continue
		}
		if mp.Requested.Has(pe) {
			continue
		}
		if mp.Requested.Len() < p.maxDuplicate && mp.Having.Has(pe) {
			return mp
		}
	}
	return nil
}
