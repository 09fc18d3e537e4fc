package session

import (
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config for Session.
type Config struct {
	// Database file for checkpoints and session state.
	Database string `yaml:"database"`
	// DataDir is where transfer data is downloaded.
	DataDir string `yaml:"data-dir"`
	// Host to listen for incoming peer connections.
	Host string `yaml:"host"`
	// Port to listen for incoming peer connections. 0 picks a free port.
	Port int `yaml:"port"`

	// MaxPeersPerTransfer limits concurrent peer connections per transfer.
	MaxPeersPerTransfer int `yaml:"max-peers-per-transfer"`
	// RequestQueueLength is the number of block requests kept in flight
	// per peer.
	RequestQueueLength int `yaml:"request-queue-length"`
	// HandshakeTimeout bounds the initial handshake exchange.
	HandshakeTimeout time.Duration `yaml:"handshake-timeout"`
	// DialTimeout bounds outgoing connection attempts.
	DialTimeout time.Duration `yaml:"dial-timeout"`
	// PeerIdleTimeout closes connections with no message traffic.
	PeerIdleTimeout time.Duration `yaml:"peer-idle-timeout"`

	// AdmissionGracePeriod is how long an early inbound connection may wait
	// for the transfer registry before it is closed.
	AdmissionGracePeriod time.Duration `yaml:"admission-grace-period"`
	// AdmissionPollInterval is how often waiting connections are retried.
	AdmissionPollInterval time.Duration `yaml:"admission-poll-interval"`
	// AdmissionQueueSize bounds the queue of early inbound connections.
	AdmissionQueueSize int `yaml:"admission-queue-size"`

	// EndgameDuplicateDownloads caps concurrent downloads of one block in
	// endgame mode.
	EndgameDuplicateDownloads int `yaml:"endgame-duplicate-downloads"`
	// EndgameThreshold is the verified-piece ratio that starts endgame.
	EndgameThreshold float64 `yaml:"endgame-threshold"`

	// DiskWorkerPoolSize bounds concurrent fallback disk operations.
	DiskWorkerPoolSize int `yaml:"disk-worker-pool-size"`

	// DownloadRateLimit caps received payload bytes per second. 0 means
	// unlimited.
	DownloadRateLimit int64 `yaml:"download-rate-limit"`
	// UploadRateLimit caps sent payload bytes per second. 0 means unlimited.
	UploadRateLimit int64 `yaml:"upload-rate-limit"`

	// ResumeVerifyOnMissingCheckpoint re-hashes existing data files to
	// rebuild the verified bitfield when no checkpoint is found.
	ResumeVerifyOnMissingCheckpoint bool `yaml:"resume-verify-on-missing-checkpoint"`

	// CheckpointCleanupAge removes checkpoints not saved for this long.
	// 0 disables the cleanup loop.
	CheckpointCleanupAge time.Duration `yaml:"checkpoint-cleanup-age"`
	// CheckpointCleanupInterval is how often the cleanup loop runs.
	CheckpointCleanupInterval time.Duration `yaml:"checkpoint-cleanup-interval"`

	// DiscoveryEnabled turns on local multicast peer discovery.
	DiscoveryEnabled bool `yaml:"discovery-enabled"`
	// DiscoveryGroup is the multicast group address for discovery.
	DiscoveryGroup string `yaml:"discovery-group"`
	// DedupTTL is how long a seen discovery message fingerprint is kept.
	DedupTTL time.Duration `yaml:"dedup-ttl"`
	// DedupSweepInterval is how often expired fingerprints are dropped.
	DedupSweepInterval time.Duration `yaml:"dedup-sweep-interval"`

	// Trackers are announced to for every transfer, "host:port" each.
	Trackers []string `yaml:"trackers"`
	// MinAnnounceInterval is the lower bound between tracker announces.
	MinAnnounceInterval time.Duration `yaml:"min-announce-interval"`
	// NumWant is the number of peer addresses requested per announce.
	NumWant int `yaml:"num-want"`

	// StatsInterval is how often session totals are logged.
	StatsInterval time.Duration `yaml:"stats-interval"`
	// ShutdownTimeout bounds waiting for background loops on Close.
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
}

// DefaultConfig is used for zero or missing Config fields.
var DefaultConfig = Config{
	Database: "~/.downpour/session.db",
	DataDir:  "~/downpour-downloads",
	Host:     "0.0.0.0",
	Port:     0,

	MaxPeersPerTransfer: 25,
	RequestQueueLength:  4,
	HandshakeTimeout:    10 * time.Second,
	DialTimeout:         5 * time.Second,
	PeerIdleTimeout:     2 * time.Minute,

	AdmissionGracePeriod:  30 * time.Second,
	AdmissionPollInterval: time.Second,
	AdmissionQueueSize:    64,

	EndgameDuplicateDownloads: 2,
	EndgameThreshold:          0.95,

	DiskWorkerPoolSize: 8,

	ResumeVerifyOnMissingCheckpoint: true,

	CheckpointCleanupAge:      0,
	CheckpointCleanupInterval: time.Hour,

	DiscoveryEnabled:   false,
	DiscoveryGroup:     "239.192.47.11:6771",
	DedupTTL:           5 * time.Minute,
	DedupSweepInterval: 30 * time.Second,

	MinAnnounceInterval: time.Minute,
	NumWant:             50,

	StatsInterval:   time.Minute,
	ShutdownTimeout: 5 * time.Second,
}

// LoadConfig reads a YAML config file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig
	path, err := homedir.Expand(path)
	if err != nil {
		return c, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}
