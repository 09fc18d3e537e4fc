// Package boltstore provides a checkpoint Store backed by a bbolt database file.
package boltstore

import (
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/downpour-dl/downpour/internal/checkpoint"
)

// Keys used inside each transfer's bucket.
var Keys = struct {
	Version   []byte
	ContentID []byte
	NumPieces []byte
	Bitfield  []byte
	Source    []byte
	Dest      []byte
	SavedAt   []byte
}{
	Version:   []byte("version"),
	ContentID: []byte("content_id"),
	NumPieces: []byte("num_pieces"),
	Bitfield:  []byte("bitfield"),
	Source:    []byte("source"),
	Dest:      []byte("dest"),
	SavedAt:   []byte("saved_at"),
}

// Store saves checkpoints in a bucket of a bbolt database.
// One sub-bucket per transfer id.
type Store struct {
	db     *bbolt.DB
	bucket []byte
}

var _ checkpoint.Store = (*Store)(nil)

// New returns a new Store writing under the named bucket.
func New(db *bbolt.DB, bucket []byte) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(bucket)
		return err2
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, bucket: bucket}, nil
}

// Save writes the checkpoint in a single transaction.
func (s *Store) Save(transferID string, c *checkpoint.Checkpoint) error {
	savedAt := c.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(s.bucket).CreateBucketIfNotExists([]byte(transferID))
		if err != nil {
			return err
		}
		_ = b.Put(Keys.Version, []byte(strconv.Itoa(checkpoint.Version)))
		_ = b.Put(Keys.ContentID, c.ContentID[:])
		_ = b.Put(Keys.NumPieces, []byte(strconv.FormatUint(uint64(c.NumPieces), 10)))
		_ = b.Put(Keys.Bitfield, c.Bitfield)
		_ = b.Put(Keys.Source, []byte(c.Source))
		_ = b.Put(Keys.Dest, []byte(c.Dest))
		_ = b.Put(Keys.SavedAt, []byte(savedAt.Format(time.RFC3339)))
		return nil
	})
}

// SaveBitfield overwrites only the bitfield and the saved-at timestamp of an
// existing checkpoint. Writing a missing transfer id is a no-op.
func (s *Store) SaveBitfield(transferID string, bitfield []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket).Bucket([]byte(transferID))
		if b == nil {
			return nil
		}
		_ = b.Put(Keys.Bitfield, bitfield)
		_ = b.Put(Keys.SavedAt, []byte(time.Now().Format(time.RFC3339)))
		return nil
	})
}

// Load reads the checkpoint for the transfer id.
// Absent or corrupted data returns nil, not an error.
func (s *Store) Load(transferID string) (*checkpoint.Checkpoint, error) {
	var c *checkpoint.Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket).Bucket([]byte(transferID))
		if b == nil {
			return nil
		}
		c = read(b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func read(b *bbolt.Bucket) *checkpoint.Checkpoint {
	var c checkpoint.Checkpoint

	value := b.Get(Keys.Version)
	if value == nil {
		return nil
	}
	var err error
	c.Version, err = strconv.Atoi(string(value))
	if err != nil || c.Version != checkpoint.Version {
		return nil
	}

	value = b.Get(Keys.ContentID)
	if len(value) != len(c.ContentID) {
		return nil
	}
	copy(c.ContentID[:], value)

	value = b.Get(Keys.NumPieces)
	n, err := strconv.ParseUint(string(value), 10, 32)
	if err != nil {
		return nil
	}
	c.NumPieces = uint32(n)

	value = b.Get(Keys.Bitfield)
	c.Bitfield = make([]byte, len(value))
	copy(c.Bitfield, value)

	c.Source = string(b.Get(Keys.Source))
	c.Dest = string(b.Get(Keys.Dest))

	value = b.Get(Keys.SavedAt)
	c.SavedAt, err = time.Parse(time.RFC3339, string(value))
	if err != nil {
		return nil
	}
	return &c
}

// Delete removes the checkpoint for the transfer id.
func (s *Store) Delete(transferID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(s.bucket).DeleteBucket([]byte(transferID))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// List returns the transfer ids with a stored checkpoint.
func (s *Store) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// CleanupOlderThan deletes checkpoints last saved before now-age.
func (s *Store) CleanupOlderThan(age time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-age)
	var removed []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(s.bucket)
		var stale [][]byte
		err := root.ForEachBucket(func(k []byte) error {
			b := root.Bucket(k)
			value := b.Get(Keys.SavedAt)
			savedAt, err2 := time.Parse(time.RFC3339, string(value))
			if err2 != nil || savedAt.Before(cutoff) {
				stale = append(stale, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err = root.DeleteBucket(k); err != nil {
				return err
			}
			removed = append(removed, string(k))
		}
		return nil
	})
	return removed, err
}
