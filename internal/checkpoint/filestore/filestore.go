// Package filestore provides a checkpoint Store that keeps one bencoded file
// per transfer in a directory. It is the exchange representation: a
// checkpoint database can be converted to files and back without data loss.
package filestore

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/bencode"

	"github.com/downpour-dl/downpour/internal/checkpoint"
)

const fileExtension = ".checkpoint"

// fileFormat is the on-disk layout. The encoding field names the codec so
// future layouts can switch it.
type fileFormat struct {
	Version   int    `bencode:"version"`
	Encoding  string `bencode:"encoding"`
	ContentID []byte `bencode:"content_id"`
	NumPieces uint32 `bencode:"num_pieces"`
	Bitfield  []byte `bencode:"bitfield"`
	Source    string `bencode:"source"`
	Dest      string `bencode:"dest"`
	SavedAt   string `bencode:"saved_at"`
}

// Store keeps checkpoints as files in dir.
type Store struct {
	dir string
}

var _ checkpoint.Store = (*Store)(nil)

// New returns a new Store writing into dir, creating it if necessary.
func New(dir string) (*Store, error) {
	err := os.MkdirAll(dir, os.ModeDir|0750)
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(transferID string) string {
	return filepath.Join(s.dir, transferID+fileExtension)
}

// Save writes the checkpoint to a temporary file and renames it into place,
// so a crash never leaves a half-written checkpoint visible.
func (s *Store) Save(transferID string, c *checkpoint.Checkpoint) error {
	savedAt := c.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	ff := fileFormat{
		Version:   checkpoint.Version,
		Encoding:  "bencode",
		ContentID: c.ContentID[:],
		NumPieces: c.NumPieces,
		Bitfield:  c.Bitfield,
		Source:    c.Source,
		Dest:      c.Dest,
		SavedAt:   savedAt.Format(time.RFC3339),
	}
	data, err := bencode.EncodeBytes(ff)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, transferID+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(transferID))
}

// Load reads the checkpoint for the transfer id.
// A missing or corrupted file returns nil, not an error.
func (s *Store) Load(transferID string) (*checkpoint.Checkpoint, error) {
	data, err := os.ReadFile(s.path(transferID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ff fileFormat
	if err = bencode.DecodeBytes(data, &ff); err != nil {
		return nil, nil
	}
	if ff.Version != checkpoint.Version {
		return nil, nil
	}
	var c checkpoint.Checkpoint
	if len(ff.ContentID) != len(c.ContentID) {
		return nil, nil
	}
	savedAt, err := time.Parse(time.RFC3339, ff.SavedAt)
	if err != nil {
		return nil, nil
	}
	c.Version = ff.Version
	copy(c.ContentID[:], ff.ContentID)
	c.NumPieces = ff.NumPieces
	c.Bitfield = ff.Bitfield
	c.Source = ff.Source
	c.Dest = ff.Dest
	c.SavedAt = savedAt
	return &c, nil
}

// Delete removes the checkpoint file for the transfer id.
func (s *Store) Delete(transferID string) error {
	err := os.Remove(s.path(transferID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List returns the transfer ids with a checkpoint file.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExtension) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExtension))
	}
	return ids, nil
}

// CleanupOlderThan deletes checkpoint files last saved before now-age.
func (s *Store) CleanupOlderThan(age time.Duration) ([]string, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-age)
	var removed []string
	for _, id := range ids {
		c, err := s.Load(id)
		if err != nil {
			return removed, err
		}
		if c != nil && !c.SavedAt.Before(cutoff) {
			continue
		}
		if err = s.Delete(id); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, nil
}
