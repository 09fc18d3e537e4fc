package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour-dl/downpour/internal/dedup"
	"github.com/downpour-dl/downpour/internal/logger"
)

func testMessage() *message {
	m := &message{Magic: magic, Port: 6881}
	copy(m.MessageID[:], "msgidmsg")
	copy(m.ContentID[:], "aaaabbbbccccddddeeee")
	return m
}

func TestMarshalParse(t *testing.T) {
	m := testMessage()
	b := m.marshal()
	assert.Len(t, b, 34)
	got, err := parseMessage(b)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestParseInvalid(t *testing.T) {
	_, err := parseMessage([]byte("short"))
	assert.Equal(t, errInvalidPacket, err)

	b := testMessage().marshal()
	b[0] = 'X'
	_, err = parseMessage(b)
	assert.Equal(t, errInvalidPacket, err)
}

func newLoopbackDiscovery(onPeer PeerCallback) *Discovery {
	return &Discovery{
		seen:   dedup.New(time.Minute),
		onPeer: onPeer,
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
		log:    logger.New("discovery test"),
	}
}

func TestDeliverAtMostOnce(t *testing.T) {
	var calls int
	d := newLoopbackDiscovery(func(contentID [20]byte, ip net.IP, port uint16) {
		calls++
		assert.EqualValues(t, 6881, port)
	})
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}

	m := testMessage()
	d.seen.Seen(m.fingerprint())
	d.deliver(m, src)
	require.Equal(t, 1, calls)

	// Second delivery of the same fingerprint is suppressed by the arena.
	assert.True(t, d.seen.Seen(m.fingerprint()))
}

func TestCallbackPanicIsolated(t *testing.T) {
	d := newLoopbackDiscovery(func(contentID [20]byte, ip net.IP, port uint16) {
		panic("callback boom")
	})
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
	assert.NotPanics(t, func() { d.deliver(testMessage(), src) })
}
