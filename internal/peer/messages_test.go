package peer

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePeers(t *testing.T) (*Peer, *Peer) {
	t.Helper()
	c1, c2 := net.Pipe()
	p1 := New(c1, [20]byte{1}, 8, Outgoing)
	p2 := New(c2, [20]byte{2}, 8, Incoming)
	t.Cleanup(p1.Close)
	t.Cleanup(p2.Close)
	return p1, p2
}

func TestRequestMessage(t *testing.T) {
	p1, p2 := pipePeers(t)

	go func() { _ = p1.SendRequest(3, 16384, 16384) }()

	m, err := p2.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, Request, m.ID)
	index, begin, length, err := ParseRequest(m.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 3, index)
	assert.EqualValues(t, 16384, begin)
	assert.EqualValues(t, 16384, length)
}

func TestPieceMessage(t *testing.T) {
	p1, p2 := pipePeers(t)

	data := []byte("block data")
	go func() { _ = p1.SendPiece(7, 32768, data) }()

	m, err := p2.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, Piece, m.ID)
	index, begin, got, err := ParsePiece(m.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 7, index)
	assert.EqualValues(t, 32768, begin)
	assert.Equal(t, data, got)
}

func TestHaveAndKeepAlive(t *testing.T) {
	p1, p2 := pipePeers(t)

	go func() {
		_ = p1.SendKeepAlive()
		_ = p1.SendHave(5)
	}()

	m, err := p2.ReadMessage()
	require.NoError(t, err)
	assert.True(t, m.KeepAlive)

	m, err = p2.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, Have, m.ID)
	index, err := ParseHave(m.Payload)
	require.NoError(t, err)
	assert.EqualValues(t, 5, index)
}

func TestEmptyMessages(t *testing.T) {
	p1, p2 := pipePeers(t)

	go func() {
		_ = p1.SendInterested()
		_ = p1.SendUnchoke()
		_ = p1.SendChoke()
	}()

	for _, want := range []MessageID{Interested, Unchoke, Choke} {
		m, err := p2.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, m.ID)
		assert.Empty(t, m.Payload)
	}
}

func TestOversizeMessageRejected(t *testing.T) {
	p1, p2 := pipePeers(t)

	go func() {
		// Length prefix far beyond one block.
		_, _ = p1.Conn.Write([]byte{0x7f, 0xff, 0xff, 0xff})
	}()

	_, err := p2.ReadMessage()
	assert.Error(t, err)
}

func TestLargeBitfieldMessage(t *testing.T) {
	c1, c2 := net.Pipe()
	const numPieces = 200000
	p1 := New(c1, [20]byte{1}, numPieces, Outgoing)
	p2 := New(c2, [20]byte{2}, numPieces, Incoming)
	t.Cleanup(p1.Close)
	t.Cleanup(p2.Close)

	// 25000 bytes, larger than one block plus header.
	data := make([]byte, (numPieces+7)/8)
	data[0] = 0x80
	data[len(data)-1] = 0x01
	go func() { _ = p1.SendBitfield(data) }()

	m, err := p2.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, Bitfield, m.ID)
	assert.Equal(t, data, m.Payload)
}

func TestSendToStalledPeer(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	p1 := New(c1, [20]byte{1}, 8, Outgoing)
	t.Cleanup(p1.Close)
	p1.SendTimeout = 50 * time.Millisecond

	// Nobody reads from c2: the write must fail instead of blocking.
	err := p1.SendHave(3)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	// The send lock is free again, later sends fail the same way.
	err = p1.SendKeepAlive()
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}
