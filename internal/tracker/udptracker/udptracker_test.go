package udptracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour-dl/downpour/internal/tracker"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer("127.0.0.1:0", time.Minute)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func rawConn(t *testing.T, s *Server) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, s.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestConnectResponse(t *testing.T) {
	s := startServer(t)
	conn := rawConn(t, s)

	req := connectRequest{requestHeader{
		ConnectionID:  connectionIDMagic,
		messageHeader: messageHeader{Action: actionConnect, TransactionID: 1234},
	}}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &req))
	_, err := conn.Write(buf.Bytes())
	require.NoError(t, err)

	b := make([]byte, 1500)
	n, err := conn.Read(b)
	require.NoError(t, err)
	require.Equal(t, connectResponseSize, n)

	var resp connectResponse
	require.NoError(t, binary.Read(bytes.NewReader(b[:n]), binary.BigEndian, &resp))
	assert.Equal(t, actionConnect, resp.Action)
	assert.EqualValues(t, 1234, resp.TransactionID)
	assert.NotZero(t, resp.ConnectionID)
}

func TestShortAnnounceError(t *testing.T) {
	s := startServer(t)
	conn := rawConn(t, s)

	// A 16-byte header claiming to be an announce, with no body.
	req := requestHeader{
		ConnectionID:  99,
		messageHeader: messageHeader{Action: actionAnnounce, TransactionID: 777},
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &req))
	_, err := conn.Write(buf.Bytes())
	require.NoError(t, err)

	b := make([]byte, 1500)
	n, err := conn.Read(b)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 8)

	var h messageHeader
	require.NoError(t, binary.Read(bytes.NewReader(b[:n]), binary.BigEndian, &h))
	assert.Equal(t, actionError, h.Action)
	assert.EqualValues(t, 777, h.TransactionID)
	assert.Equal(t, "announce too short", string(b[8:n]))
}

func TestUnsupportedActionError(t *testing.T) {
	s := startServer(t)
	conn := rawConn(t, s)

	req := requestHeader{
		ConnectionID:  99,
		messageHeader: messageHeader{Action: 42, TransactionID: 555},
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &req))
	_, err := conn.Write(buf.Bytes())
	require.NoError(t, err)

	b := make([]byte, 1500)
	n, err := conn.Read(b)
	require.NoError(t, err)

	var h messageHeader
	require.NoError(t, binary.Read(bytes.NewReader(b[:n]), binary.BigEndian, &h))
	assert.Equal(t, actionError, h.Action)
	assert.EqualValues(t, 555, h.TransactionID)
}

func TestAnnounceSwarm(t *testing.T) {
	s := startServer(t)

	c1, err := NewClient(s.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	c2, err := NewClient(s.Addr().String())
	require.NoError(t, err)
	defer c2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	contentID := [20]byte{1, 2, 3}

	// First announce: empty swarm.
	resp, err := c1.Announce(ctx, tracker.AnnounceRequest{
		ContentID: contentID,
		PeerID:    [20]byte{1},
		Event:     tracker.EventStarted,
		Port:      1111,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, resp.Interval)
	assert.Zero(t, resp.Seeders)
	assert.Zero(t, resp.Leechers)
	assert.Empty(t, resp.Peers)

	// Second peer announces and must see the first.
	resp, err = c2.Announce(ctx, tracker.AnnounceRequest{
		ContentID: contentID,
		PeerID:    [20]byte{2},
		Event:     tracker.EventStarted,
		Port:      2222,
	})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	assert.Equal(t, 1111, resp.Peers[0].Port)

	// Stopping removes the peer from the swarm.
	_, err = c1.Announce(ctx, tracker.AnnounceRequest{
		ContentID: contentID,
		PeerID:    [20]byte{1},
		Event:     tracker.EventStopped,
		Port:      1111,
	})
	require.NoError(t, err)

	resp, err = c2.Announce(ctx, tracker.AnnounceRequest{
		ContentID: contentID,
		PeerID:    [20]byte{2},
		Port:      2222,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Peers)
}

func TestCompactPeerRoundTrip(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 6881}
	p, ok := tracker.NewCompactPeer(addr)
	require.True(t, ok)

	b, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 6)

	addrs, err := tracker.DecodePeersCompact(b)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.7", addrs[0].IP.String())
	assert.Equal(t, 6881, addrs[0].Port)
}
