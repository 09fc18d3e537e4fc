package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeen(t *testing.T) {
	a := New(time.Minute)
	assert.False(t, a.Seen("m1"))
	assert.True(t, a.Seen("m1"))
	assert.False(t, a.Seen("m2"))
}

func TestExpiry(t *testing.T) {
	a := New(10 * time.Millisecond)
	assert.False(t, a.Seen("m1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, a.Seen("m1"))
}

func TestSweep(t *testing.T) {
	a := New(10 * time.Millisecond)
	a.Seen("m1")
	a.Seen("m2")
	assert.Equal(t, 2, a.Len())
	time.Sleep(20 * time.Millisecond)
	a.Sweep()
	assert.Equal(t, 0, a.Len())
}
