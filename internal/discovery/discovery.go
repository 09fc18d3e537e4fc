// Package discovery implements local peer discovery over UDP multicast with
// controlled flooding. The core only depends on the peer-address callback;
// the transport details stay inside this package.
package discovery

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net"
	"time"

	"github.com/downpour-dl/downpour/internal/dedup"
	"github.com/downpour-dl/downpour/internal/logger"
)

// DefaultGroup is the multicast group announcements are sent to.
const DefaultGroup = "239.192.47.11:6771"

var magic = [4]byte{'D', 'P', 'D', '1'}

var errInvalidPacket = errors.New("invalid discovery packet")

// message is the announce packet flooded to the local network.
type message struct {
	Magic     [4]byte
	MessageID [8]byte
	ContentID [20]byte
	Port      uint16
}

func (m *message) fingerprint() string {
	return hex.EncodeToString(m.MessageID[:])
}

func (m *message) marshal() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, m)
	return buf.Bytes()
}

func parseMessage(b []byte) (*message, error) {
	var m message
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &m); err != nil {
		return nil, errInvalidPacket
	}
	if m.Magic != magic {
		return nil, errInvalidPacket
	}
	return &m, nil
}

// PeerCallback receives addresses of peers discovered on the local network.
type PeerCallback func(contentID [20]byte, ip net.IP, port uint16)

// Discovery announces content to the local network and collects peer
// addresses announced by others.
type Discovery struct {
	conn   *net.UDPConn
	group  *net.UDPAddr
	port   uint16
	onPeer PeerCallback
	seen   *dedup.Arena

	closeC chan struct{}
	doneC  chan struct{}

	log logger.Logger
}

// New returns a new Discovery announcing the given listen port.
// onPeer is invoked for every address discovered; an error or panic inside
// the callback never aborts the listener loop.
func New(group string, port uint16, ttl time.Duration, onPeer PeerCallback) (*Discovery, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	d := &Discovery{
		conn:   conn,
		group:  addr,
		port:   port,
		onPeer: onPeer,
		seen:   dedup.New(ttl),
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
		log:    logger.New("discovery"),
	}
	go d.readLoop()
	return d, nil
}

// Close stops the listener loop.
func (d *Discovery) Close() {
	close(d.closeC)
	_ = d.conn.Close()
	<-d.doneC
}

// Sweep removes expired entries from the seen-message arena.
// Must be called periodically.
func (d *Discovery) Sweep() { d.seen.Sweep() }

// Announce floods an announce message for the content to the local network.
func (d *Discovery) Announce(contentID [20]byte) error {
	m := &message{
		Magic:     magic,
		ContentID: contentID,
		Port:      d.port,
	}
	if _, err := rand.Read(m.MessageID[:]); err != nil {
		return err
	}
	// Mark our own message so the read loop does not echo it back.
	d.seen.Seen(m.fingerprint())
	_, err := d.conn.WriteToUDP(m.marshal(), d.group)
	return err
}

func (d *Discovery) readLoop() {
	defer close(d.doneC)
	buf := make([]byte, 64)
	for {
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.closeC:
				return
			default:
			}
			d.log.Debugln("read error:", err)
			continue
		}
		d.handlePacket(buf[:n], src)
	}
}

// handlePacket processes one received announce. Each message is forwarded
// and delivered at most once.
func (d *Discovery) handlePacket(b []byte, src *net.UDPAddr) {
	m, err := parseMessage(b)
	if err != nil {
		d.log.Debugln("dropping packet:", err)
		return
	}
	if d.seen.Seen(m.fingerprint()) {
		return
	}
	d.deliver(m, src)
	// Controlled flooding: re-announce the message once for hosts that
	// missed the original datagram.
	if _, err := d.conn.WriteToUDP(b, d.group); err != nil {
		d.log.Debugln("cannot forward announce:", err)
	}
}

// deliver invokes the peer callback.
// Callback panics are recovered so they never abort the listener loop.
func (d *Discovery) deliver(m *message, src *net.UDPAddr) {
	defer func() {
		if err := recover(); err != nil {
			d.log.Errorln("peer callback failed:", err)
		}
	}()
	d.onPeer(m.ContentID, src.IP, m.Port)
}
