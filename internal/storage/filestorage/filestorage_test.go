package filestorage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesAndPresizes(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "dest"))
	require.NoError(t, err)

	f, exists, err := s.Open(filepath.Join("sub", "data.bin"), 4096)
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, exists)

	fi, err := os.Stat(filepath.Join(s.RootDir(), "sub", "data.bin"))
	require.NoError(t, err)
	assert.EqualValues(t, 4096, fi.Size())
}

func TestOpenExisting(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	path := filepath.Join(s.RootDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o640))

	f, exists, err := s.Open("data.bin", 5)
	require.NoError(t, err)
	defer f.Close()
	assert.True(t, exists)

	// Existing content is kept, not zeroed.
	b := make([]byte, 5)
	_, err = f.ReadAt(b, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestReadWriteAt(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	f, _, err := s.Open("rw.bin", 100)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt([]byte("abc"), 50)
	require.NoError(t, err)
	b := make([]byte, 3)
	_, err = f.ReadAt(b, 50)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(b))
}
