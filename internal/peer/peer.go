// Package peer contains the representation of a remote peer connection used
// by the selection and admission layers.
package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/downpour-dl/downpour/internal/bitfield"
	"github.com/downpour-dl/downpour/internal/logger"
)

// Source tells how the connection was established.
type Source int

const (
	// Outgoing connections are dialed by us.
	Outgoing Source = iota
	// Incoming connections are accepted from the listener.
	Incoming
)

// Peer is a connected remote peer.
type Peer struct {
	// Conn is the underlying transport connection.
	Conn net.Conn
	// ID is the peer id received in the handshake.
	ID [20]byte
	// Bitfield holds the pieces the peer has claimed to have.
	Bitfield *bitfield.Bitfield
	// Source tells whether we dialed the peer or accepted it.
	Source Source

	// PeerChoking is true while the remote side refuses our requests.
	PeerChoking bool
	// Snubbed is true when the peer stopped sending in the middle of a
	// piece download.
	Snubbed bool
	// Downloading is true while a piece is requested from this peer.
	Downloading bool

	// SendTimeout bounds a single outbound write. Must be set before the
	// peer is used; zero disables the deadline.
	SendTimeout time.Duration

	maxMessage uint32
	sendMu     sync.Mutex
	closeOnce  sync.Once
	log        logger.Logger
}

// defaultSendTimeout is how long one outbound write may take before the
// connection is considered dead.
const defaultSendTimeout = 30 * time.Second

// New returns a new Peer for an established connection.
func New(conn net.Conn, id [20]byte, numPieces uint32, source Source) *Peer {
	var arrow string
	if source == Incoming {
		arrow = "<-"
	} else {
		arrow = "->"
	}
	return &Peer{
		Conn:        conn,
		ID:          id,
		Bitfield:    bitfield.New(numPieces),
		Source:      source,
		SendTimeout: defaultSendTimeout,
		maxMessage:  maxMessageFor(numPieces),
		log:         logger.New(fmt.Sprintf("peer %s %s", arrow, conn.RemoteAddr())),
	}
}

// Close closes the connection.
// A connection already reset by the remote side is a normal silent closure.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		err := p.Conn.Close()
		if err != nil && !isConnReset(err) {
			p.log.Errorln("cannot close conn:", err)
		}
	})
}

// Addr returns the remote address of the peer.
func (p *Peer) Addr() net.Addr { return p.Conn.RemoteAddr() }

// Logger returns the peer's named logger.
func (p *Peer) Logger() logger.Logger { return p.log }

func (p *Peer) String() string {
	return p.Conn.RemoteAddr().String()
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, net.ErrClosed)
}
