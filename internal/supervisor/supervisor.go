// Package supervisor tracks long-running maintenance routines and stops them
// together on shutdown.
package supervisor

import (
	"sync"
	"time"

	"github.com/downpour-dl/downpour/internal/logger"
)

// Routine is a blocking maintenance loop. It must return soon after stopC is
// closed.
type Routine func(stopC chan struct{})

// Supervisor runs routines and cancels them as a group.
type Supervisor struct {
	mu      sync.Mutex
	stopC   chan struct{}
	wg      sync.WaitGroup
	stopped bool

	log logger.Logger
}

// New returns a new Supervisor.
func New() *Supervisor {
	return &Supervisor{
		stopC: make(chan struct{}),
		log:   logger.New("supervisor"),
	}
}

// Spawn starts the routine under the supervisor.
// A panic inside one iteration of the routine is recovered and logged; it
// terminates that routine only, never the supervisor or its siblings.
func (s *Supervisor) Spawn(name string, r Routine) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if err := recover(); err != nil {
				s.log.Errorf("routine %q panicked: %v", name, err)
			}
		}()
		r(s.stopC)
	}()
}

// SpawnPeriodic runs fn every interval until shutdown.
// A panic inside fn is recovered and logged and the loop continues.
func (s *Supervisor) SpawnPeriodic(name string, interval time.Duration, fn func()) {
	s.Spawn(name, func(stopC chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runIsolated(name, fn)
			case <-stopC:
				return
			}
		}
	})
}

func (s *Supervisor) runIsolated(name string, fn func()) {
	defer func() {
		if err := recover(); err != nil {
			s.log.Errorf("routine %q failed: %v", name, err)
		}
	}()
	fn()
}

// Shutdown cancels every tracked routine and waits up to timeout for
// graceful termination. Routines exceeding the timeout are abandoned and
// logged, not retried. Returns true if all routines terminated in time.
func (s *Supervisor) Shutdown(timeout time.Duration) bool {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopC)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		s.log.Warningln("shutdown timeout, abandoning remaining routines")
		return false
	}
}
