package piecepicker

import (
	"testing"

	"github.com/downpour-dl/downpour/internal/bitfield"
	"github.com/downpour-dl/downpour/internal/peer"
	"github.com/downpour-dl/downpour/internal/piece"
	"github.com/stretchr/testify/assert"
)

const (
	numPieces = 7
	numPeers  = 3
)

func newTestPieces(n int) []*piece.Piece {
	pieces := make([]*piece.Piece, n)
	for i := range pieces {
		pieces[i] = &piece.Piece{Index: uint32(i)}
	}
	return pieces
}

func newTestPeer(i int) *peer.Peer {
	return &peer.Peer{
		ID:       [20]byte{byte(i)},
		Bitfield: bitfield.New(numPieces),
	}
}

func TestRarestFirst(t *testing.T) {
	pieces := newTestPieces(numPieces)
	peers := make([]*peer.Peer, numPeers)
	for i := range peers {
		peers[i] = newTestPeer(i)
	}
	pp := New(pieces, 2, 0.95)

	// Piece 1 is held by two peers, pieces 3 and 4 by one.
	pp.HandleHave(peers[0], 1)
	pp.HandleHave(peers[0], 3)
	pp.HandleHave(peers[0], 4)
	pp.HandleHave(peers[1], 1)
	pp.HandleHave(peers[2], 5)

	assert.EqualValues(t, 4, pp.Available())

	// Rarest wins; tie between 3 and 4 resolved by lowest index.
	assert.Equal(t, pieces[3], pp.PickFor(peers[0]))
	assert.False(t, pp.InEndgame())

	// Peer 1 only has piece 1.
	assert.Equal(t, pieces[1], pp.PickFor(peers[1]))

	assert.Equal(t, pieces[5], pp.PickFor(peers[2]))

	// Nothing left for a peer holding only requested pieces.
	p3 := newTestPeer(3)
	pp.HandleHave(p3, 5)
	assert.Nil(t, pp.PickFor(p3))

	// Stalled downloads are re-requested.
	pp.HandleSnubbed(peers[2], 5)
	assert.Equal(t, pieces[5], pp.PickFor(p3))
}

func TestChokedPeerNotSelected(t *testing.T) {
	pieces := newTestPieces(numPieces)
	pe := newTestPeer(0)
	pp := New(pieces, 2, 0.95)
	pp.HandleHave(pe, 0)
	pe.PeerChoking = true
	assert.Nil(t, pp.PickFor(pe))
	pe.PeerChoking = false
	assert.Equal(t, pieces[0], pp.PickFor(pe))
}

func TestEndgameByRatio(t *testing.T) {
	pieces := newTestPieces(numPieces)
	pp := New(pieces, 2, 0.95)
	// 6 of 7 verified is 0.857, still below the threshold.
	for i := uint32(0); i < numPieces-1; i++ {
		pp.HandleVerified(i)
	}
	assert.False(t, pp.InEndgame())
	pp.HandleVerified(numPieces - 1)
	assert.True(t, pp.InEndgame())

	// A lower threshold enters endgame earlier and allows duplicates.
	pieces = newTestPieces(numPieces)
	pp = New(pieces, 2, 0.5)
	for i := uint32(0); i < 4; i++ {
		pp.HandleVerified(i)
	}
	assert.True(t, pp.InEndgame())

	p0 := newTestPeer(0)
	p1 := newTestPeer(1)
	p2 := newTestPeer(2)
	pp.HandleHave(p0, 5)
	pp.HandleHave(p1, 5)
	pp.HandleHave(p2, 5)

	assert.Equal(t, pieces[5], pp.PickFor(p0))
	// Duplicate request allowed in endgame, bounded at 2.
	assert.Equal(t, pieces[5], pp.PickFor(p1))
	assert.Nil(t, pp.PickFor(p2))
	assert.Len(t, pp.RequestedPeers(5), 2)
}

func TestVerifiedIsTerminal(t *testing.T) {
	pieces := newTestPieces(1)
	pp := New(pieces, 2, 0.95)
	pp.HandleVerified(0)
	assert.Equal(t, piece.Verified, pieces[0].State())
	pp.HandleVerificationError(0)
	assert.Equal(t, piece.Verified, pieces[0].State())
	assert.EqualValues(t, 1, pp.Verified())

	pe := newTestPeer(0)
	pp.HandleHave(pe, 0)
	assert.Nil(t, pp.PickFor(pe))
}

func TestDisconnectRemovesAvailability(t *testing.T) {
	pieces := newTestPieces(numPieces)
	pe := newTestPeer(0)
	pp := New(pieces, 2, 0.95)
	pp.HandleHave(pe, 2)
	assert.EqualValues(t, 1, pp.Available())
	pp.HandleDisconnect(pe)
	assert.EqualValues(t, 0, pp.Available())
}
