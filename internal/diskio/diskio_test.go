package diskio

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/downpour-dl/downpour/internal/filesection"
)

func openTestFile(t *testing.T, size int64) *os.File {
	t.Helper()
	name := filepath.Join(t.TempDir(), "data")
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0640)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestReadWrite(t *testing.T) {
	e := New(2)
	f := openTestFile(t, 64)
	ctx := context.Background()

	err := e.WriteAt(ctx, f, "data", []byte("hello"), 10)
	require.NoError(t, err)

	b := make([]byte, 5)
	err = e.ReadAt(ctx, f, b, 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	s := e.Stats()
	assert.EqualValues(t, 1, s.Reads)
	assert.EqualValues(t, 1, s.Writes)
}

func TestSections(t *testing.T) {
	e := New(2)
	f1 := openTestFile(t, 3)
	f2 := openTestFile(t, 5)
	secs := filesection.Sections{
		{File: f1, Name: "f1", Offset: 0, Length: 3},
		{File: f2, Name: "f2", Offset: 0, Length: 5},
	}
	ctx := context.Background()

	err := e.WriteSections(ctx, secs, []byte("abcdefgh"))
	require.NoError(t, err)

	b := make([]byte, 8)
	err = e.ReadSections(ctx, secs, b)
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(b))
}

func TestCanceledContext(t *testing.T) {
	e := New(1)
	e.fastOK = false // force the pool path
	f := openTestFile(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.ReadAt(ctx, f, make([]byte, 1), 0)
	assert.Error(t, err)
}
