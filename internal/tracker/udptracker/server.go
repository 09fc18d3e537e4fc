package udptracker

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/downpour-dl/downpour/internal/logger"
	"github.com/downpour-dl/downpour/internal/tracker"
)

// Server answers connect and announce requests on a UDP socket. It keeps a
// per-content swarm of announced peers and returns them as compact peer
// lists. Seeder and leecher counts are not tracked and always reported as
// zero.
type Server struct {
	conn     *net.UDPConn
	interval time.Duration

	mu     sync.Mutex
	swarms map[[20]byte]map[tracker.CompactPeer]struct{}

	closeOnce sync.Once
	doneC     chan struct{}

	log logger.Logger
}

// NewServer starts a tracker on laddr. interval is the announce interval
// reported to clients.
func NewServer(laddr string, interval time.Duration) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp4", laddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		conn:     conn,
		interval: interval,
		swarms:   make(map[[20]byte]map[tracker.CompactPeer]struct{}),
		doneC:    make(chan struct{}),
		log:      logger.New("tracker server " + conn.LocalAddr().String()),
	}
	go s.readLoop()
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Close stops the server.
func (s *Server) Close() {
	s.closeOnce.Do(func() { _ = s.conn.Close() })
	<-s.doneC
}

func (s *Server) readLoop() {
	defer close(s.doneC)
	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.handlePacket(buf[:n], addr)
	}
}

func (s *Server) handlePacket(b []byte, addr *net.UDPAddr) {
	// Every request starts with a 16-byte header. Anything shorter does
	// not even carry a transaction id to answer to.
	if len(b) < connectRequestSize {
		s.log.Debugf("short packet (%d bytes) from %s", len(b), addr)
		return
	}
	var h requestHeader
	_ = binary.Read(bytes.NewReader(b), binary.BigEndian, &h)

	switch h.Action {
	case actionConnect:
		s.handleConnect(h, addr)
	case actionAnnounce:
		s.handleAnnounce(b, h, addr)
	default:
		s.sendError(h.TransactionID, "unsupported action", addr)
	}
}

func (s *Server) handleConnect(h requestHeader, addr *net.UDPAddr) {
	if h.ConnectionID != connectionIDMagic {
		s.sendError(h.TransactionID, "bad connect magic", addr)
		return
	}
	resp := connectResponse{
		messageHeader: messageHeader{Action: actionConnect, TransactionID: h.TransactionID},
		ConnectionID:  newConnectionID(),
	}
	s.send(resp, addr)
}

func (s *Server) handleAnnounce(b []byte, h requestHeader, addr *net.UDPAddr) {
	if len(b) < announceRequestSize {
		s.sendError(h.TransactionID, "announce too short", addr)
		return
	}
	var req announceRequest
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &req); err != nil {
		s.sendError(h.TransactionID, "cannot parse announce", addr)
		return
	}

	// The peer's address is the announce source, not the IP field in the
	// request.
	peer, ok := tracker.NewCompactPeer(&net.TCPAddr{IP: addr.IP, Port: int(req.Port)})
	if !ok {
		s.sendError(h.TransactionID, "ipv4 only", addr)
		return
	}
	peers := s.updateSwarm(req.ContentID, peer, tracker.Event(req.Event))

	resp := announceResponse{
		messageHeader: messageHeader{Action: actionAnnounce, TransactionID: h.TransactionID},
		Interval:      int32(s.interval / time.Second),
	}
	buf := bytes.NewBuffer(make([]byte, 0, announceResponseSize+len(peers)*6))
	_ = binary.Write(buf, binary.BigEndian, resp)
	buf.Write(tracker.EncodePeersCompact(peers))
	s.sendBytes(buf.Bytes(), addr)
}

// updateSwarm records the announcing peer and returns the other members of
// the swarm.
func (s *Server) updateSwarm(contentID [20]byte, peer tracker.CompactPeer, e tracker.Event) []tracker.CompactPeer {
	s.mu.Lock()
	defer s.mu.Unlock()
	swarm := s.swarms[contentID]
	if swarm == nil {
		swarm = make(map[tracker.CompactPeer]struct{})
		s.swarms[contentID] = swarm
	}
	if e == tracker.EventStopped {
		delete(swarm, peer)
	} else {
		swarm[peer] = struct{}{}
	}
	peers := make([]tracker.CompactPeer, 0, len(swarm))
	for p := range swarm {
		if p != peer {
			peers = append(peers, p)
		}
	}
	return peers
}

func (s *Server) sendError(transactionID int32, msg string, addr *net.UDPAddr) {
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(msg)))
	_ = binary.Write(buf, binary.BigEndian, messageHeader{Action: actionError, TransactionID: transactionID})
	buf.WriteString(msg)
	s.sendBytes(buf.Bytes(), addr)
}

func (s *Server) send(msg interface{}, addr *net.UDPAddr) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, msg)
	s.sendBytes(buf.Bytes(), addr)
}

func (s *Server) sendBytes(b []byte, addr *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(b, addr); err != nil {
		s.log.Debugln("cannot send response:", err)
	}
}

// newConnectionID returns a random nonzero connection id.
func newConnectionID() int64 {
	for {
		if id := rand.Int63(); id != 0 {
			return id
		}
	}
}
