package checkpoint_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/downpour-dl/downpour/internal/bitfield"
	"github.com/downpour-dl/downpour/internal/checkpoint"
	"github.com/downpour-dl/downpour/internal/checkpoint/boltstore"
	"github.com/downpour-dl/downpour/internal/checkpoint/filestore"
)

func newBoltStore(t *testing.T) *boltstore.Store {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "checkpoints.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := boltstore.New(db, []byte("checkpoints"))
	require.NoError(t, err)
	return s
}

func newFileStore(t *testing.T) *filestore.Store {
	t.Helper()
	s, err := filestore.New(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	return s
}

func stores(t *testing.T) map[string]checkpoint.Store {
	return map[string]checkpoint.Store{
		"bolt": newBoltStore(t),
		"file": newFileStore(t),
	}
}

func sample(numPieces uint32) *checkpoint.Checkpoint {
	bf := bitfield.New(numPieces)
	for i := uint32(0); i < numPieces; i += 2 {
		bf.Set(i)
	}
	c := &checkpoint.Checkpoint{
		Version:   checkpoint.Version,
		NumPieces: numPieces,
		Bitfield:  bf.Bytes(),
		Source:    "/tmp/sample.descriptor",
		Dest:      "/downloads",
		SavedAt:   time.Now().Truncate(time.Second),
	}
	copy(c.ContentID[:], "aaaabbbbccccddddeeee")
	return c
}

func TestRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// Content sizes from a single piece up, including sizes whose
			// bitfield does not end on a byte boundary.
			for _, numPieces := range []uint32{1, 7, 8, 9, 64, 1000} {
				c := sample(numPieces)
				require.NoError(t, s.Save("tr1", c))
				got, err := s.Load("tr1")
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, c.ContentID, got.ContentID)
				assert.Equal(t, c.NumPieces, got.NumPieces)
				assert.Equal(t, c.Bitfield, got.Bitfield)
				assert.Equal(t, c.Source, got.Source)
				assert.Equal(t, c.Dest, got.Dest)
				assert.Equal(t, c.SavedAt.Unix(), got.SavedAt.Unix())
			}
		})
	}
}

func TestLoadAbsent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Load("nope")
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestDeleteAndList(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Save("a", sample(8)))
			require.NoError(t, s.Save("b", sample(8)))
			ids, err := s.List()
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "b"}, ids)

			require.NoError(t, s.Delete("a"))
			require.NoError(t, s.Delete("a")) // deleting absent id is not an error
			ids, err = s.List()
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, ids)
		})
	}
}

func TestCleanupOlderThan(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			old := sample(8)
			old.SavedAt = time.Now().Add(-48 * time.Hour)
			require.NoError(t, s.Save("old", old))
			require.NoError(t, s.Save("fresh", sample(8)))

			removed, err := s.CleanupOlderThan(24 * time.Hour)
			require.NoError(t, err)
			assert.Equal(t, []string{"old"}, removed)

			got, err := s.Load("old")
			require.NoError(t, err)
			assert.Nil(t, got)
			got, err = s.Load("fresh")
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}
}

func TestCorruptionIsAbsence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	s, err := filestore.New(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save("tr1", sample(8)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tr1.checkpoint"), []byte("garbage"), 0600))
	got, err := s.Load("tr1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConvert(t *testing.T) {
	src := newBoltStore(t)
	dst := newFileStore(t)
	require.NoError(t, src.Save("a", sample(9)))
	require.NoError(t, src.Save("b", sample(1)))

	require.NoError(t, checkpoint.Convert(src, dst))

	for _, id := range []string{"a", "b"} {
		want, err := src.Load(id)
		require.NoError(t, err)
		got, err := dst.Load(id)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Bitfield, got.Bitfield)
		assert.Equal(t, want.ContentID, got.ContentID)
		assert.Equal(t, want.NumPieces, got.NumPieces)
		assert.Equal(t, want.Source, got.Source)
	}

	// And back again without loss.
	back := newBoltStore(t)
	require.NoError(t, checkpoint.Convert(dst, back))
	got, err := back.Load("a")
	require.NoError(t, err)
	require.NotNil(t, got)
	want, _ := src.Load("a")
	assert.Equal(t, want.Bitfield, got.Bitfield)
}
