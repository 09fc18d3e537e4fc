// Package checkpoint persists and restores the verified-piece state of a
// transfer so an interrupted download can resume without re-verifying
// untouched data.
package checkpoint

import "time"

// Version of the checkpoint layout.
const Version = 1

// Checkpoint is a durable snapshot of a transfer's verified state.
//
// The bitfield must always be a conservative subset of hash-checked on-disk
// data: a bit is only set after the piece passed verification.
type Checkpoint struct {
	// Version of the layout this checkpoint was written with.
	Version int
	// ContentID identifies the content, fixed length.
	ContentID [20]byte
	// NumPieces is the total piece count of the content.
	NumPieces uint32
	// Bitfield holds the verified pieces, one bit per piece.
	Bitfield []byte
	// Source is the free-form descriptor the transfer was created from
	// (descriptor file path or swarm descriptor).
	Source string
	// Dest is the download destination directory.
	Dest string
	// SavedAt is when the checkpoint was last written.
	SavedAt time.Time
}

// Store is a durable checkpoint store.
//
// Save must be atomic with respect to process crash: a checkpoint is never
// observed half-written. Load treats corruption as absence. Operations on
// different transfer ids are safe to call concurrently.
type Store interface {
	Save(transferID string, c *Checkpoint) error
	// Load returns nil if the checkpoint is absent or corrupted.
	Load(transferID string) (*Checkpoint, error)
	Delete(transferID string) error
	List() ([]string, error)
	// CleanupOlderThan deletes checkpoints last saved before now-age and
	// returns the ids removed.
	CleanupOlderThan(age time.Duration) ([]string, error)
}

// Convert copies every checkpoint in src into dst.
// The round-trip of bitfield and metadata is exact.
func Convert(src, dst Store) error {
	ids, err := src.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		c, err := src.Load(id)
		if err != nil {
			return err
		}
		if c == nil {
			continue
		}
		if err = dst.Save(id, c); err != nil {
			return err
		}
	}
	return nil
}
