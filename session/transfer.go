package session

import (
	"context"
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rcrowley/go-metrics"

	"github.com/downpour-dl/downpour/internal/bitfield"
	"github.com/downpour-dl/downpour/internal/checkpoint"
	"github.com/downpour-dl/downpour/internal/filesection"
	"github.com/downpour-dl/downpour/internal/handshake"
	"github.com/downpour-dl/downpour/internal/logger"
	"github.com/downpour-dl/downpour/internal/metainfo"
	"github.com/downpour-dl/downpour/internal/peer"
	"github.com/downpour-dl/downpour/internal/peerpool"
	"github.com/downpour-dl/downpour/internal/piece"
	"github.com/downpour-dl/downpour/internal/piecemanager"
	"github.com/downpour-dl/downpour/internal/storage"
	"github.com/downpour-dl/downpour/internal/storage/filestorage"
)

var errTransferStopped = errors.New("transfer is stopped")

// AddTransferOptions customizes AddTransfer.
type AddTransferOptions struct {
	// Dest overrides the session data dir as download destination.
	Dest string
	// Trackers are announced to in addition to the session's trackers.
	Trackers []string
	// Stopped adds the transfer without starting it.
	Stopped bool
}

type peerState struct {
	lastActivity time.Time
	lastBlock    time.Time
	outstanding  int
}

// Transfer is a single download/upload of one content in the session.
type Transfer struct {
	id      string
	session *Session
	info    *metainfo.Info
	dest    string
	source  string

	mapper *filesection.Mapper
	pm     *piecemanager.Manager
	files  []storage.File
	slots  chan struct{}

	downloaded metrics.Counter
	uploaded   metrics.Counter

	mu      sync.Mutex
	peers   map[*peer.Peer]*peerState
	addrs   map[string]struct{}
	running bool
	stopC   chan struct{}
	wg      sync.WaitGroup

	trackers []string

	completeC    chan struct{}
	completeOnce sync.Once

	closeFilesOnce sync.Once

	log logger.Logger
}

// AddTransfer creates a transfer from a layout descriptor read from r.
func (s *Session) AddTransfer(r io.Reader, opt *AddTransferOptions) (*Transfer, error) {
	if opt == nil {
		opt = &AddTransferOptions{}
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	info, err := metainfo.NewBytes(b)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	_, exists := s.byContent[info.ID]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, errSessionClosed
	}
	if exists {
		return nil, fmt.Errorf("content already added: %x", info.ID)
	}

	u, err := uuid.NewV1()
	if err != nil {
		return nil, err
	}
	id := u.String()
	dest := opt.Dest
	if dest == "" {
		dest = filepath.Join(s.config.DataDir, info.Name)
	}

	t, err := s.newTransfer(id, info, string(b), dest, opt.Trackers, nil)
	if err != nil {
		return nil, err
	}
	if err = t.saveCheckpoint(); err != nil {
		t.closeFiles()
		return nil, err
	}

	// Re-check under the write lock: a concurrent AddTransfer for the same
	// content may have passed the read-locked check above.
	s.mu.Lock()
	if _, exists := s.byContent[info.ID]; exists || s.closed {
		s.mu.Unlock()
		t.closeFiles()
		_ = s.store.Delete(id)
		if exists {
			return nil, fmt.Errorf("content already added: %x", info.ID)
		}
		return nil, errSessionClosed
	}
	s.transfers[id] = t
	s.byContent[info.ID] = t
	s.mu.Unlock()

	if !opt.Stopped {
		t.Start()
	}
	return t, nil
}

// loadSavedTransfers restores transfers from the checkpoint store. They are
// loaded in stopped state.
func (s *Session) loadSavedTransfers() error {
	ids, err := s.store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		c, err := s.store.Load(id)
		if err != nil {
			return err
		}
		if c == nil {
			// Corrupt checkpoints read as absent.
			s.log.Warningf("skipping unreadable checkpoint %s", id)
			continue
		}
		info, err := metainfo.NewBytes([]byte(c.Source))
		if err != nil {
			s.log.Warningf("skipping checkpoint %s with bad descriptor: %s", id, err)
			continue
		}
		resumed := bitfield.NewBytes(c.Bitfield, c.NumPieces)
		t, err := s.newTransfer(id, info, c.Source, c.Dest, nil, resumed)
		if err != nil {
			s.log.Errorf("cannot load transfer %s: %s", id, err)
			continue
		}
		s.transfers[id] = t
		s.byContent[info.ID] = t
		s.log.Infof("loaded transfer %s (%s)", id, info.Name)
	}
	return nil
}

func (s *Session) newTransfer(id string, info *metainfo.Info, source, dest string, trackers []string, resumed *bitfield.Bitfield) (*Transfer, error) {
	t := &Transfer{
		id:         id,
		session:    s,
		info:       info,
		dest:       dest,
		source:     source,
		slots:      make(chan struct{}, s.config.MaxPeersPerTransfer),
		downloaded: metrics.NewCounter(),
		uploaded:   metrics.NewCounter(),
		peers:      make(map[*peer.Peer]*peerState),
		addrs:      make(map[string]struct{}),
		trackers:   append(append([]string{}, s.config.Trackers...), trackers...),
		completeC:  make(chan struct{}),
		log:        logger.New("transfer " + info.Name),
	}

	sto, err := filestorage.New(dest)
	if err != nil {
		return nil, err
	}
	var sections []filesection.File
	anyExists := false
	for _, fd := range info.GetFiles() {
		name := filepath.Join(fd.Path...)
		f, exists, err := sto.Open(name, fd.Length)
		if err != nil {
			t.closeFiles()
			return nil, err
		}
		anyExists = anyExists || exists
		t.files = append(t.files, f)
		sections = append(sections, filesection.File{
			RW:     f,
			Name:   filepath.Join(dest, name),
			Length: fd.Length,
		})
	}
	t.mapper = filesection.NewMapper(sections, info.PieceLength)

	ps := piece.NewPieces(info, t.mapper)
	pieces := make([]*piece.Piece, len(ps))
	for i := range ps {
		pieces[i] = &ps[i]
	}

	if resumed == nil && anyExists && s.config.ResumeVerifyOnMissingCheckpoint {
		resumed = verifyExisting(s, pieces)
		t.log.Infof("rebuilt bitfield from existing data: %d/%d pieces", resumed.Count(), len(pieces))
	}

	t.pm = piecemanager.New(pieces, t.mapper, s.engine,
		s.config.EndgameDuplicateDownloads, s.config.EndgameThreshold,
		resumed, t.handleVerified)
	if t.pm.Complete() {
		t.completeOnce.Do(func() { close(t.completeC) })
	}
	return t, nil
}

// verifyExisting re-hashes data already on disk to rebuild the verified
// bitfield when no checkpoint exists for it.
func verifyExisting(s *Session, pieces []*piece.Piece) *bitfield.Bitfield {
	bf := bitfield.New(uint32(len(pieces)))
	buf := make([]byte, 0)
	for _, p := range pieces {
		if uint32(cap(buf)) < p.Length {
			buf = make([]byte, p.Length)
		}
		buf = buf[:p.Length]
		if err := s.engine.ReadSections(context.Background(), p.Data, buf); err != nil {
			continue
		}
		if p.VerifyHash(buf, sha1.New()) { // nolint: gosec
			bf.Set(p.Index)
		}
	}
	return bf
}

// ID returns the transfer id.
func (t *Transfer) ID() string { return t.id }

// Name returns the content name from the descriptor.
func (t *Transfer) Name() string { return t.info.Name }

// ContentID returns the 20-byte content id.
func (t *Transfer) ContentID() [20]byte { return t.info.ID }

// Dest returns the download destination directory.
func (t *Transfer) Dest() string { return t.dest }

// Running reports whether the transfer is started.
func (t *Transfer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Complete reports whether every piece is verified.
func (t *Transfer) Complete() bool { return t.pm.Complete() }

// NotifyComplete returns a channel closed when the download completes.
func (t *Transfer) NotifyComplete() <-chan struct{} { return t.completeC }

// TransferStats is a point-in-time snapshot of transfer progress.
type TransferStats struct {
	PiecesVerified  uint32
	PiecesTotal     uint32
	BytesDownloaded int64
	BytesUploaded   int64
	Peers           int
	Endgame         bool
	Running         bool
}

// Stats returns a snapshot of the transfer's progress.
func (t *Transfer) Stats() TransferStats {
	t.mu.Lock()
	numPeers := len(t.peers)
	running := t.running
	t.mu.Unlock()
	return TransferStats{
		PiecesVerified:  t.pm.Bitfield().Count(),
		PiecesTotal:     t.info.NumPieces,
		BytesDownloaded: t.downloaded.Count(),
		BytesUploaded:   t.uploaded.Count(),
		Peers:           numPeers,
		Endgame:         t.pm.InEndgame(),
		Running:         running,
	}
}

// Start begins announcing and exchanging data.
func (t *Transfer) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopC = make(chan struct{})
	stopC := t.stopC
	t.wg.Add(1)
	t.mu.Unlock()

	go t.announceLoop(stopC)
	t.log.Info("started")
}

// Stop closes all peer connections and stops announcing. Data files stay
// open so the transfer can be started again.
func (t *Transfer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopC)
	peers := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		peers = append(peers, pe)
	}
	t.mu.Unlock()

	for _, pe := range peers {
		pe.Close()
	}
	t.wg.Wait()
	if err := t.saveCheckpoint(); err != nil {
		t.log.Errorln("cannot save checkpoint:", err)
	}
	t.log.Info("stopped")
}

func (t *Transfer) closeFiles() {
	t.closeFilesOnce.Do(func() {
		for _, f := range t.files {
			if err := f.Close(); err != nil {
				t.log.Errorln("cannot close data file:", err)
			}
		}
	})
}

func (t *Transfer) saveCheckpoint() error {
	return t.session.store.Save(t.id, &checkpoint.Checkpoint{
		Version:   checkpoint.Version,
		ContentID: t.info.ID,
		NumPieces: t.info.NumPieces,
		Bitfield:  t.pm.Bitfield().Bytes(),
		Source:    t.source,
		Dest:      t.dest,
		SavedAt:   time.Now(),
	})
}

// handleVerified runs after each newly verified piece: the checkpoint is
// flushed, the piece is announced to connected peers, and completion is
// detected.
func (t *Transfer) handleVerified(index uint32) {
	if err := t.saveCheckpoint(); err != nil {
		t.log.Errorln("cannot save checkpoint:", err)
	}
	t.session.piecesVerified.Inc(1)

	t.mu.Lock()
	peers := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		peers = append(peers, pe)
	}
	t.mu.Unlock()
	for _, pe := range peers {
		if err := pe.SendHave(index); err != nil {
			pe.Close()
		}
	}

	if t.pm.Complete() {
		t.completeOnce.Do(func() {
			close(t.completeC)
			t.log.Info("download complete")
		})
		// Nothing left to request from anyone.
		for _, pe := range peers {
			if err := pe.SendNotInterested(); err != nil {
				pe.Close()
			}
		}
	}
}

// TryAcquireSlot reserves a peer connection slot.
func (t *Transfer) TryAcquireSlot() bool {
	select {
	case t.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// ReleaseSlot returns a reserved connection slot.
func (t *Transfer) ReleaseSlot() { <-t.slots }

// AcceptIncoming runs an admitted inbound connection until it closes.
// Implements the admission pool's handoff contract.
func (t *Transfer) AcceptIncoming(conn net.Conn, h peerpool.Handshake, addr net.Addr) error {
	if !t.Running() {
		return errTransferStopped
	}
	pe := peer.New(conn, h.PeerID, t.info.NumPieces, peer.Incoming)
	return t.runPeer(pe)
}

// connectTo dials a peer address in the background. Addresses already
// connected and the session's own listener are skipped.
func (t *Transfer) connectTo(addr *net.TCPAddr) {
	key := addr.String()
	t.mu.Lock()
	if _, ok := t.addrs[key]; ok || !t.running {
		t.mu.Unlock()
		return
	}
	t.addrs[key] = struct{}{}
	// Registered under the same lock that Stop uses to flip running, so
	// Stop's Wait cannot miss this goroutine.
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.addrs, key)
			t.mu.Unlock()
		}()
		if !t.TryAcquireSlot() {
			return
		}
		defer t.ReleaseSlot()
		if err := t.dial(addr); err != nil {
			t.log.Debugf("cannot connect to %s: %s", addr, err)
		}
	}()
}

func (t *Transfer) dial(addr *net.TCPAddr) error {
	s := t.session
	conn, err := net.DialTimeout("tcp4", addr.String(), s.config.DialTimeout)
	if err != nil {
		return err
	}
	_ = conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
	if err = handshake.Write(conn, t.info.ID, s.peerID, [8]byte{}); err != nil {
		_ = conn.Close()
		return err
	}
	_, contentID, err := handshake.Read1(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	peerID, err := handshake.Read2(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if contentID != t.info.ID {
		_ = conn.Close()
		return errors.New("remote speaks a different content")
	}
	if peerID == s.peerID {
		// Connected to ourselves.
		_ = conn.Close()
		return nil
	}
	_ = conn.SetDeadline(time.Time{})

	pe := peer.New(conn, peerID, t.info.NumPieces, peer.Outgoing)
	if err := t.runPeer(pe); err != nil {
		return err
	}
	return nil
}
