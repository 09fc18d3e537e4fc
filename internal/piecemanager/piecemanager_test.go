package piecemanager

import (
	"context"
	"crypto/sha1"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour-dl/downpour/internal/bitfield"
	"github.com/downpour-dl/downpour/internal/diskio"
	"github.com/downpour-dl/downpour/internal/filesection"
	"github.com/downpour-dl/downpour/internal/peer"
	"github.com/downpour-dl/downpour/internal/piece"
	"github.com/downpour-dl/downpour/internal/piecepicker"
)

// newEndgamePicker replaces the manager's picker with one whose endgame
// threshold is zero, so duplicate requests are allowed from the start.
func newEndgamePicker(m *Manager) *piecepicker.PiecePicker {
	return piecepicker.New(m.pieces, 2, 0)
}

// testTransfer builds a manager over real temp files with random content
// hashes, returning the manager, the content and the pieces.
func testTransfer(t *testing.T, fileSizes []int64, pieceLength uint32, resumed *bitfield.Bitfield, onVerified func(uint32)) (*Manager, []byte, []*piece.Piece) {
	t.Helper()
	dir := t.TempDir()

	var total int64
	for _, s := range fileSizes {
		total += s
	}
	content := make([]byte, total)
	_, err := rand.New(rand.NewSource(7)).Read(content)
	require.NoError(t, err)

	files := make([]filesection.File, len(fileSizes))
	for i, size := range fileSizes {
		name := filepath.Join(dir, "f"+string(rune('a'+i)))
		f, ferr := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0640)
		require.NoError(t, ferr)
		require.NoError(t, f.Truncate(size))
		t.Cleanup(func() { f.Close() })
		files[i] = filesection.File{RW: f, Name: name, Length: size}
	}

	mapper := filesection.NewMapper(files, pieceLength)
	pieces := make([]*piece.Piece, mapper.NumPieces())
	for i := range pieces {
		idx := uint32(i)
		begin := int64(idx) * int64(pieceLength)
		end := begin + int64(mapper.PieceLength(idx))
		sum := sha1.Sum(content[begin:end])
		pieces[i] = piece.New(idx, mapper.PieceLength(idx), sum[:], mapper.PieceSections(idx))
	}

	m := New(pieces, mapper, diskio.New(4), 2, 0.95, resumed, onVerified)
	return m, content, pieces
}

func newSeedPeer(m *Manager, id byte) *peer.Peer {
	pe := &peer.Peer{
		ID:       [20]byte{id},
		Bitfield: bitfield.New(uint32(len(m.pieces))),
	}
	for i := uint32(0); i < uint32(len(m.pieces)); i++ {
		_ = m.HandleHave(pe, i)
	}
	return pe
}

func TestDownloadAllPieces(t *testing.T) {
	var verifiedPieces []uint32
	m, content, _ := testTransfer(t, []int64{300, 800}, 512, nil, func(i uint32) {
		verifiedPieces = append(verifiedPieces, i)
	})
	pe := newSeedPeer(m, 1)
	ctx := context.Background()

	for {
		req, ok := m.SelectNextRequest(pe)
		if !ok {
			break
		}
		begin := int64(req.Piece)*512 + int64(req.Block.Begin)
		data := content[begin : begin+int64(req.Block.Length)]
		wi, cancels, accepted, err := m.OnBlockReceived(pe, req.Piece, req.Block.Begin, data)
		require.NoError(t, err)
		require.True(t, accepted)
		assert.Empty(t, cancels)
		werr := m.engine.WriteSections(ctx, wi.Sections, wi.Data)
		if m.HandleWriteResult(wi.Piece, wi.Begin, werr) {
			okHash, verr := m.Verify(ctx, wi.Piece)
			require.NoError(t, verr)
			assert.True(t, okHash)
		}
	}

	assert.True(t, m.Complete())
	assert.Len(t, verifiedPieces, 3)
	assert.True(t, m.Bitfield().All())
}

func TestVerificationFailureResetsPiece(t *testing.T) {
	m, content, pieces := testTransfer(t, []int64{600}, 512, nil, nil)
	pe := newSeedPeer(m, 1)
	ctx := context.Background()

	req, ok := m.SelectNextRequest(pe)
	require.True(t, ok)
	require.EqualValues(t, 0, req.Piece)

	// Deliver corrupted bytes for the whole piece.
	bad := make([]byte, req.Block.Length)
	copy(bad, content[:req.Block.Length])
	bad[0] ^= 0xff
	wi, _, accepted, err := m.OnBlockReceived(pe, 0, 0, bad)
	require.NoError(t, err)
	require.True(t, accepted)
	require.NoError(t, m.engine.WriteSections(ctx, wi.Sections, wi.Data))
	require.True(t, m.HandleWriteResult(0, 0, nil))

	okHash, err := m.Verify(ctx, 0)
	require.NoError(t, err)
	assert.False(t, okHash)
	assert.EqualValues(t, 1, m.VerifyFailures())
	assert.Equal(t, piece.Missing, pieces[0].State())
	assert.False(t, m.Bitfield().Test(0))

	// The piece re-enters the selection pool.
	m.HandleDisconnect(pe)
	pe2 := newSeedPeer(m, 2)
	req, ok = m.SelectNextRequest(pe2)
	assert.True(t, ok)
	assert.EqualValues(t, 0, req.Piece)
}

func TestDuplicateBlockAcceptedOnce(t *testing.T) {
	// Zero endgame threshold: duplicates allowed from the start.
	m, content, _ := testTransfer(t, []int64{512}, 512, nil, nil)
	m.picker = newEndgamePicker(m)
	pe1 := newSeedPeer(m, 1)
	pe2 := newSeedPeer(m, 2)

	req, ok := m.SelectNextRequest(pe1)
	require.True(t, ok)
	req2, ok := m.SelectNextRequest(pe2)
	require.True(t, ok)
	require.Equal(t, req, req2)

	data := content[:req.Block.Length]
	_, cancels, accepted, err := m.OnBlockReceived(pe1, req.Piece, req.Block.Begin, data)
	require.NoError(t, err)
	assert.True(t, accepted)
	// The redundant outstanding request at pe2 is reported for cancellation.
	require.Len(t, cancels, 1)
	assert.Equal(t, pe2, cancels[0])

	// A late duplicate delivery from pe2 is not accepted as another write.
	_, _, accepted, err = m.OnBlockReceived(pe2, req.Piece, req.Block.Begin, data)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestProtocolViolations(t *testing.T) {
	m, _, _ := testTransfer(t, []int64{512}, 512, nil, nil)
	pe := newSeedPeer(m, 1)

	_, _, _, err := m.OnBlockReceived(pe, 99, 0, []byte{1})
	assert.Equal(t, ErrInvalidPieceIndex, err)

	_, _, _, err = m.OnBlockReceived(pe, 0, 7, []byte{1})
	assert.Equal(t, ErrInvalidBlock, err)

	assert.Equal(t, ErrInvalidPieceIndex, m.HandleHave(pe, 99))
}

func TestResumeSkipsVerifiedPieces(t *testing.T) {
	resumed := bitfield.New(2)
	resumed.Set(0)
	m, _, pieces := testTransfer(t, []int64{1024}, 512, resumed, nil)

	assert.Equal(t, piece.Verified, pieces[0].State())
	assert.True(t, m.Bitfield().Test(0))
	assert.False(t, m.Bitfield().Test(1))

	pe := newSeedPeer(m, 1)
	req, ok := m.SelectNextRequest(pe)
	require.True(t, ok)
	assert.EqualValues(t, 1, req.Piece)
}

func TestWriteFailureRetried(t *testing.T) {
	m, content, _ := testTransfer(t, []int64{512}, 512, nil, nil)
	pe := newSeedPeer(m, 1)

	req, ok := m.SelectNextRequest(pe)
	require.True(t, ok)
	data := content[:req.Block.Length]
	_, _, accepted, err := m.OnBlockReceived(pe, 0, 0, data)
	require.NoError(t, err)
	require.True(t, accepted)

	// A failed write leaves the piece in progress and the block re-requestable.
	needsVerify := m.HandleWriteResult(0, 0, os.ErrPermission)
	assert.False(t, needsVerify)

	req, ok = m.SelectNextRequest(pe)
	require.True(t, ok)
	assert.EqualValues(t, 0, req.Piece)
	assert.EqualValues(t, 0, req.Block.Begin)
}

func TestSnubbedPieceReassigned(t *testing.T) {
	m, _, _ := testTransfer(t, []int64{32768}, 32768, nil, nil)
	pe1 := newSeedPeer(m, 1)
	pe2 := newSeedPeer(m, 2)

	req1, ok := m.SelectNextRequest(pe1)
	require.True(t, ok)
	require.EqualValues(t, 0, req1.Piece)

	// The only piece is actively downloading at pe1, nothing for pe2.
	_, ok = m.SelectNextRequest(pe2)
	require.False(t, ok)

	m.HandleSnubbed(pe1)
	assert.True(t, pe1.Snubbed)

	// pe1 went silent: the remaining blocks go to pe2.
	req2, ok := m.SelectNextRequest(pe2)
	require.True(t, ok)
	assert.EqualValues(t, 0, req2.Piece)
	assert.NotEqual(t, req1.Block.Begin, req2.Block.Begin)
}
