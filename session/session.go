// Package session ties the transfer engine together: it owns the checkpoint
// database, the disk I/O engine, the listener with its admission pool, the
// discovery socket and the background maintenance loops, and manages the
// lifecycle of transfers.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/mitchellh/go-homedir"
	"github.com/rcrowley/go-metrics"
	"go.etcd.io/bbolt"

	"github.com/downpour-dl/downpour/internal/checkpoint"
	"github.com/downpour-dl/downpour/internal/checkpoint/boltstore"
	"github.com/downpour-dl/downpour/internal/discovery"
	"github.com/downpour-dl/downpour/internal/diskio"
	"github.com/downpour-dl/downpour/internal/logger"
	"github.com/downpour-dl/downpour/internal/peerpool"
	"github.com/downpour-dl/downpour/internal/supervisor"
)

// peerIDPrefix identifies the client version in generated peer ids.
const peerIDPrefix = "-DP0001-"

var errSessionClosed = errors.New("session is closed")

// Session is a container for transfers.
type Session struct {
	config Config
	log    logger.Logger

	db     *bbolt.DB
	store  checkpoint.Store
	engine *diskio.Engine

	listener net.Listener
	port     uint16
	pool     *peerpool.Pool
	peerID   [20]byte

	disco *discovery.Discovery
	sup   *supervisor.Supervisor

	downloadLimiter *ratelimit.Bucket
	uploadLimiter   *ratelimit.Bucket

	registry        metrics.Registry
	piecesVerified  metrics.Counter
	bytesDownloaded metrics.Counter
	bytesUploaded   metrics.Counter

	mu        sync.RWMutex
	transfers map[string]*Transfer
	byContent map[[20]byte]*Transfer
	closed    bool
}

// New starts a session with the given config. Zero config fields take their
// defaults. Transfers saved in the database are loaded in stopped state.
func New(cfg Config) (*Session, error) {
	applyDefaults(&cfg)

	var err error
	cfg.Database, err = homedir.Expand(cfg.Database)
	if err != nil {
		return nil, err
	}
	cfg.DataDir, err = homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(cfg.Database), 0o750); err != nil {
		return nil, err
	}
	if err = os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(cfg.Database, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", cfg.Database, err)
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()
	store, err := boltstore.New(db, []byte("checkpoints"))
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp4", net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)))
	if err != nil {
		return nil, err
	}

	s := &Session{
		config:          cfg,
		log:             logger.New("session"),
		db:              db,
		store:           store,
		engine:          diskio.New(int64(cfg.DiskWorkerPoolSize)),
		listener:        listener,
		port:            uint16(listener.Addr().(*net.TCPAddr).Port),
		peerID:          newPeerID(),
		sup:             supervisor.New(),
		registry:        metrics.NewRegistry(),
		transfers:       make(map[string]*Transfer),
		byContent:       make(map[[20]byte]*Transfer),
		piecesVerified:  metrics.NewCounter(),
		bytesDownloaded: metrics.NewCounter(),
		bytesUploaded:   metrics.NewCounter(),
	}
	_ = s.registry.Register("pieces.verified", s.piecesVerified)
	_ = s.registry.Register("bytes.downloaded", s.bytesDownloaded)
	_ = s.registry.Register("bytes.uploaded", s.bytesUploaded)

	if cfg.DownloadRateLimit > 0 {
		s.downloadLimiter = ratelimit.NewBucketWithRate(float64(cfg.DownloadRateLimit), cfg.DownloadRateLimit)
	}
	if cfg.UploadRateLimit > 0 {
		s.uploadLimiter = ratelimit.NewBucketWithRate(float64(cfg.UploadRateLimit), cfg.UploadRateLimit)
	}

	// The pool starts accepting before saved transfers are loaded; early
	// connections wait in its queue until the registry is attached below.
	s.pool = peerpool.New(listener, s.peerID, peerpool.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		GracePeriod:      cfg.AdmissionGracePeriod,
		PollInterval:     cfg.AdmissionPollInterval,
		QueueSize:        cfg.AdmissionQueueSize,
	})

	if cfg.DiscoveryEnabled {
		s.disco, err = discovery.New(cfg.DiscoveryGroup, s.port, cfg.DedupTTL, s.handleDiscoveredPeer)
		if err != nil {
			s.log.Warningln("local discovery disabled:", err)
			err = nil
		}
	}

	if err = s.loadSavedTransfers(); err != nil {
		s.pool.Close()
		_ = listener.Close()
		return nil, err
	}
	s.pool.SetRegistry(s)

	s.startMaintenanceLoops()

	s.log.Infof("session started, listening on %s", listener.Addr())
	return s, nil
}

func applyDefaults(cfg *Config) {
	d := DefaultConfig
	if cfg.Database == "" {
		cfg.Database = d.Database
	}
	if cfg.DataDir == "" {
		cfg.DataDir = d.DataDir
	}
	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.MaxPeersPerTransfer == 0 {
		cfg.MaxPeersPerTransfer = d.MaxPeersPerTransfer
	}
	if cfg.RequestQueueLength == 0 {
		cfg.RequestQueueLength = d.RequestQueueLength
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = d.DialTimeout
	}
	if cfg.PeerIdleTimeout == 0 {
		cfg.PeerIdleTimeout = d.PeerIdleTimeout
	}
	if cfg.AdmissionGracePeriod == 0 {
		cfg.AdmissionGracePeriod = d.AdmissionGracePeriod
	}
	if cfg.AdmissionPollInterval == 0 {
		cfg.AdmissionPollInterval = d.AdmissionPollInterval
	}
	if cfg.AdmissionQueueSize == 0 {
		cfg.AdmissionQueueSize = d.AdmissionQueueSize
	}
	if cfg.EndgameDuplicateDownloads == 0 {
		cfg.EndgameDuplicateDownloads = d.EndgameDuplicateDownloads
	}
	if cfg.EndgameThreshold == 0 {
		cfg.EndgameThreshold = d.EndgameThreshold
	}
	if cfg.DiskWorkerPoolSize == 0 {
		cfg.DiskWorkerPoolSize = d.DiskWorkerPoolSize
	}
	if cfg.CheckpointCleanupInterval == 0 {
		cfg.CheckpointCleanupInterval = d.CheckpointCleanupInterval
	}
	if cfg.DiscoveryGroup == "" {
		cfg.DiscoveryGroup = d.DiscoveryGroup
	}
	if cfg.DedupTTL == 0 {
		cfg.DedupTTL = d.DedupTTL
	}
	if cfg.DedupSweepInterval == 0 {
		cfg.DedupSweepInterval = d.DedupSweepInterval
	}
	if cfg.MinAnnounceInterval == 0 {
		cfg.MinAnnounceInterval = d.MinAnnounceInterval
	}
	if cfg.NumWant == 0 {
		cfg.NumWant = d.NumWant
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = d.StatsInterval
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = d.ShutdownTimeout
	}
}

func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	_, _ = rand.Read(id[len(peerIDPrefix):])
	return id
}

// Port returns the TCP port incoming peer connections are accepted on.
func (s *Session) Port() uint16 { return s.port }

// PeerID returns the session's peer id.
func (s *Session) PeerID() [20]byte { return s.peerID }

func (s *Session) startMaintenanceLoops() {
	s.sup.SpawnPeriodic("stale peer reaper", s.config.PeerIdleTimeout/4, s.reapStalePeers)
	s.sup.SpawnPeriodic("session stats", s.config.StatsInterval, s.logStats)
	if s.config.CheckpointCleanupAge > 0 {
		s.sup.SpawnPeriodic("checkpoint cleanup", s.config.CheckpointCleanupInterval, s.cleanupCheckpoints)
	}
	if s.disco != nil {
		s.sup.SpawnPeriodic("discovery dedup sweep", s.config.DedupSweepInterval, s.disco.Sweep)
	}
}

// reapStalePeers closes connections with no message traffic for longer than
// the idle timeout and sends keep-alives on the rest.
func (s *Session) reapStalePeers() {
	for _, t := range s.ListTransfers() {
		t.reapStalePeers(s.config.PeerIdleTimeout)
	}
}

func (s *Session) logStats() {
	st := s.engine.Stats()
	s.log.Debugf("stats: verified=%d downloaded=%d uploaded=%d disk[reads=%d writes=%d fasterrs=%d path=%s]",
		s.piecesVerified.Count(), s.bytesDownloaded.Count(), s.bytesUploaded.Count(),
		st.Reads, st.Writes, st.FastPathErrors, st.ActivePath)
}

func (s *Session) cleanupCheckpoints() {
	removed, err := s.store.CleanupOlderThan(s.config.CheckpointCleanupAge)
	if err != nil {
		s.log.Errorln("checkpoint cleanup failed:", err)
		return
	}
	for _, id := range removed {
		s.log.Infof("removed stale checkpoint %s", id)
	}
}

// Resolve returns the running transfer for a content id. Part of the
// admission pool's registry contract.
func (s *Session) Resolve(contentID [20]byte) (peerpool.Transfer, bool) {
	s.mu.RLock()
	t, ok := s.byContent[contentID]
	s.mu.RUnlock()
	if !ok || !t.Running() {
		return nil, false
	}
	return t, true
}

func (s *Session) handleDiscoveredPeer(contentID [20]byte, ip net.IP, port uint16) {
	s.mu.RLock()
	t, ok := s.byContent[contentID]
	s.mu.RUnlock()
	if !ok || !t.Running() {
		return
	}
	t.connectTo(&net.TCPAddr{IP: ip, Port: int(port)})
}

// GetTransfer returns the transfer with the given id, nil if absent.
func (s *Session) GetTransfer(id string) *Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transfers[id]
}

// ListTransfers returns all transfers in the session.
func (s *Session) ListTransfers() []*Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	transfers := make([]*Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		transfers = append(transfers, t)
	}
	return transfers
}

// RemoveTransfer stops a transfer and deletes its checkpoint. Downloaded
// data files are kept.
func (s *Session) RemoveTransfer(id string) error {
	s.mu.Lock()
	t, ok := s.transfers[id]
	if ok {
		delete(s.transfers, id)
		delete(s.byContent, t.info.ID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("transfer not found: %s", id)
	}
	t.Stop()
	t.closeFiles()
	return s.store.Delete(id)
}

// Close stops all transfers and releases the session's resources.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	transfers := make([]*Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		transfers = append(transfers, t)
	}
	s.mu.Unlock()

	for _, t := range transfers {
		t.Stop()
		t.closeFiles()
	}
	s.pool.Close()
	if s.disco != nil {
		s.disco.Close()
	}
	if !s.sup.Shutdown(s.config.ShutdownTimeout) {
		s.log.Warningln("some background loops did not stop in time")
	}
	if err := s.db.Close(); err != nil {
		s.log.Errorln("cannot close database:", err)
	}
	s.log.Info("session closed")
}
