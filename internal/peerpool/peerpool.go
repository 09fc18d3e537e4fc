// Package peerpool accepts inbound peer connections, enforces per-transfer
// connection limits and bridges accepted connections into the active peer
// set. Connections arriving before the transfer registry is initialized are
// queued and resolved within a bounded grace period.
package peerpool

import (
	"net"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/downpour-dl/downpour/internal/handshake"
	"github.com/downpour-dl/downpour/internal/logger"
)

// Handshake is the data read from an inbound connection before admission.
type Handshake struct {
	ContentID  [20]byte
	PeerID     [20]byte
	Extensions [8]byte
}

// Transfer is the admission view of one running transfer.
type Transfer interface {
	// TryAcquireSlot reserves a connection slot. It returns false when the
	// transfer is at its configured connection maximum. The check and the
	// reservation are a single atomic operation, so concurrent inbound
	// connections cannot race past the maximum.
	TryAcquireSlot() bool
	// ReleaseSlot returns a slot reserved with TryAcquireSlot.
	ReleaseSlot()
	// AcceptIncoming completes the peer-protocol handshake and runs the
	// connection. It blocks until the connection is done. Protocol
	// negotiation failures are returned, not fatal; the pool closes the
	// socket.
	AcceptIncoming(conn net.Conn, h Handshake, addr net.Addr) error
}

// Registry resolves a content id to its transfer.
type Registry interface {
	Resolve(contentID [20]byte) (Transfer, bool)
}

// Config holds the admission tunables.
type Config struct {
	// HandshakeTimeout bounds the read of the initial handshake.
	HandshakeTimeout time.Duration
	// GracePeriod is how long a connection may wait for the registry.
	GracePeriod time.Duration
	// PollInterval is how often queued connections are retried.
	PollInterval time.Duration
	// QueueSize bounds the pre-initialization queue. A full queue closes
	// new connections immediately instead of growing a backlog.
	QueueSize int
}

// Stats counts admission outcomes. Observability only.
type Stats struct {
	Queued   int64
	Rejected int64
	Active   int64
}

type pending struct {
	conn     net.Conn
	h        Handshake
	deadline time.Time
}

// Pool accepts and admits inbound peer connections.
type Pool struct {
	listener net.Listener
	peerID   [20]byte
	cfg      Config

	mu       sync.RWMutex
	registry Registry

	queue chan *pending

	queued   metrics.Counter
	rejected metrics.Counter
	active   metrics.Counter

	closeC    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	log logger.Logger
}

// New returns a new Pool listening on l.
// The registry may be attached later with SetRegistry; until then inbound
// connections are queued.
func New(l net.Listener, peerID [20]byte, cfg Config) *Pool {
	p := &Pool{
		listener: l,
		peerID:   peerID,
		cfg:      cfg,
		queue:    make(chan *pending, cfg.QueueSize),
		queued:   metrics.NewCounter(),
		rejected: metrics.NewCounter(),
		active:   metrics.NewCounter(),
		closeC:   make(chan struct{}),
		log:      logger.New("peerpool " + l.Addr().String()),
	}
	p.wg.Add(2)
	go p.acceptLoop()
	go p.queueLoop()
	return p
}

// SetRegistry attaches the transfer registry. Queued connections are
// admitted on the next poll.
func (p *Pool) SetRegistry(r Registry) {
	p.mu.Lock()
	p.registry = r
	p.mu.Unlock()
}

func (p *Pool) getRegistry() Registry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.registry
}

// Stats returns a snapshot of admission counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Queued:   p.queued.Count(),
		Rejected: p.rejected.Count(),
		Active:   p.active.Count(),
	}
}

// Close stops the accept loop and closes every queued connection.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closeC)
		_ = p.listener.Close()
	})
	p.wg.Wait()
	// Queued connections are closed, not silently dropped.
	for {
		select {
		case pe := <-p.queue:
			p.log.Debugf("closing queued connection from %s on shutdown", pe.conn.RemoteAddr())
			closeConn(pe.conn, p.log)
		default:
			return
		}
	}
}

func (p *Pool) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.closeC:
				return
			default:
			}
			p.log.Error(err)
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConn(conn)
		}()
	}
}

// handleConn reads the handshake and decides: queued, rejected or active.
func (p *Pool) handleConn(conn net.Conn) {
	if p.cfg.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
	}
	h, err := readHandshake(conn)
	if err != nil {
		// Protocol violation, terminate immediately.
		p.log.Debugf("invalid handshake from %s: %s", conn.RemoteAddr(), err)
		p.rejected.Inc(1)
		closeConn(conn, p.log)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if r := p.getRegistry(); r != nil {
		p.admit(r, conn, h)
		return
	}

	// Startup race: registry not initialized yet. Queue the connection and
	// its handshake data instead of dropping it.
	pe := &pending{
		conn:     conn,
		h:        h,
		deadline: time.Now().Add(p.cfg.GracePeriod),
	}
	select {
	case p.queue <- pe:
		p.queued.Inc(1)
	default:
		p.log.Debugf("admission queue full, closing connection from %s", conn.RemoteAddr())
		p.rejected.Inc(1)
		closeConn(conn, p.log)
	}
}

// queueLoop retries queued connections until the registry becomes available
// or their grace period expires.
func (p *Pool) queueLoop() {
	defer p.wg.Done()
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.processQueue()
		case <-p.closeC:
			return
		}
	}
}

func (p *Pool) processQueue() {
	r := p.getRegistry()
	n := len(p.queue)
	for i := 0; i < n; i++ {
		var pe *pending
		select {
		case pe = <-p.queue:
		default:
			return
		}
		if r != nil {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.admit(r, pe.conn, pe.h)
			}()
			continue
		}
		if time.Now().After(pe.deadline) {
			// Registry never became ready. Logged, not escalated.
			p.log.Warningf("admission timeout for connection from %s", pe.conn.RemoteAddr())
			p.rejected.Inc(1)
			closeConn(pe.conn, p.log)
			continue
		}
		select {
		case p.queue <- pe:
		default:
			p.rejected.Inc(1)
			closeConn(pe.conn, p.log)
		}
	}
}

// admit hands the connection to its transfer or rejects it.
func (p *Pool) admit(r Registry, conn net.Conn, h Handshake) {
	t, ok := r.Resolve(h.ContentID)
	if !ok {
		p.log.Debugf("unknown content id from %s", conn.RemoteAddr())
		p.rejected.Inc(1)
		closeConn(conn, p.log)
		return
	}
	if !t.TryAcquireSlot() {
		p.log.Debugf("connection limit reached, rejecting %s", conn.RemoteAddr())
		p.rejected.Inc(1)
		closeConn(conn, p.log)
		return
	}
	defer t.ReleaseSlot()

	if err := handshake.Write(conn, h.ContentID, p.peerID, h.Extensions); err != nil {
		p.rejected.Inc(1)
		closeConn(conn, p.log)
		return
	}

	p.active.Inc(1)
	if err := t.AcceptIncoming(conn, h, conn.RemoteAddr()); err != nil {
		// Negotiation failures are logged, never escalated.
		p.log.Debugf("peer %s failed: %s", conn.RemoteAddr(), err)
	}
	closeConn(conn, p.log)
}

func readHandshake(conn net.Conn) (Handshake, error) {
	var h Handshake
	var err error
	h.Extensions, h.ContentID, err = handshake.Read1(conn)
	if err != nil {
		return h, err
	}
	h.PeerID, err = handshake.Read2(conn)
	return h, err
}

// closeConn closes the socket. A connection already reset by the peer is a
// normal silent closure.
func closeConn(conn net.Conn, log logger.Logger) {
	if err := conn.Close(); err != nil && !isConnReset(err) {
		log.Debugln("cannot close conn:", err)
	}
}
