package supervisor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
)

func TestShutdownStopsRoutines(t *testing.T) {
	defer leaktest.Check(t)()
	s := New()
	var stops int32
	for i := 0; i < 3; i++ {
		s.Spawn("loop", func(stopC chan struct{}) {
			<-stopC
			atomic.AddInt32(&stops, 1)
		})
	}
	assert.True(t, s.Shutdown(time.Second))
	assert.EqualValues(t, 3, atomic.LoadInt32(&stops))
}

func TestShutdownTimeout(t *testing.T) {
	s := New()
	release := make(chan struct{})
	s.Spawn("stuck", func(stopC chan struct{}) {
		<-release
	})
	assert.False(t, s.Shutdown(10*time.Millisecond))
	close(release)
}

func TestPanicDoesNotKillSiblings(t *testing.T) {
	defer leaktest.Check(t)()
	s := New()
	var ticks int32
	s.SpawnPeriodic("flaky", time.Millisecond, func() {
		if atomic.AddInt32(&ticks, 1) == 1 {
			panic("boom")
		}
	})
	sibling := make(chan struct{})
	s.Spawn("sibling", func(stopC chan struct{}) {
		<-stopC
		close(sibling)
	})

	// The flaky routine keeps ticking after its first panic.
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&ticks) >= 3
	}, time.Second, time.Millisecond)

	assert.True(t, s.Shutdown(time.Second))
	<-sibling
}

func TestSpawnAfterShutdown(t *testing.T) {
	s := New()
	s.Shutdown(time.Second)
	s.Spawn("late", func(stopC chan struct{}) {
		t.Error("routine must not start after shutdown")
	})
	time.Sleep(10 * time.Millisecond)
}
