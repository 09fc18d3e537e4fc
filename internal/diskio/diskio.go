// Package diskio performs offset-addressed reads and writes against
// destination files. It prefers a kernel-assisted fast path when the runtime
// environment supports it and falls back transparently to a bounded worker
// pool running blocking I/O.
package diskio

import (
	"context"
	"sync"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/semaphore"

	"github.com/downpour-dl/downpour/internal/filesection"
	"github.com/downpour-dl/downpour/internal/logger"
	"github.com/downpour-dl/downpour/internal/storage"
)

// PathType tells which execution path the engine is using.
type PathType string

const (
	// PathFast is kernel-assisted I/O.
	PathFast PathType = "fast"
	// PathFallback is the blocking worker pool.
	PathFallback PathType = "fallback"
)

// Stats is a snapshot of engine counters. Observability only.
type Stats struct {
	Reads          int64
	Writes         int64
	FastPathErrors int64
	ActivePath     PathType
}

type fdFile interface {
	Fd() uintptr
}

// Engine reads and writes file data.
type Engine struct {
	sem        *semaphore.Weighted
	fastOK     bool
	reads      metrics.Counter
	writes     metrics.Counter
	fastErrors metrics.Counter

	mu        sync.Mutex
	fileLocks map[string]*sync.Mutex

	log logger.Logger
}

// New returns a new Engine with a fallback pool of the given size.
// Fast path support is probed once here.
func New(poolSize int64) *Engine {
	e := &Engine{
		sem:        semaphore.NewWeighted(poolSize),
		fastOK:     probeFastPath(),
		reads:      metrics.NewCounter(),
		writes:     metrics.NewCounter(),
		fastErrors: metrics.NewCounter(),
		fileLocks:  make(map[string]*sync.Mutex),
		log:        logger.New("diskio"),
	}
	if e.fastOK {
		e.log.Debugln("fast path available")
	} else {
		e.log.Debugln("fast path unavailable, using worker pool")
	}
	return e
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Reads:          e.reads.Count(),
		Writes:         e.writes.Count(),
		FastPathErrors: e.fastErrors.Count(),
		ActivePath:     PathFallback,
	}
	if e.fastOK {
		s.ActivePath = PathFast
	}
	return s
}

// ReadAt reads len(p) bytes from f at off.
func (e *Engine) ReadAt(ctx context.Context, f storage.File, p []byte, off int64) error {
	e.reads.Inc(1)
	if e.fastOK {
		if ff, ok := f.(fdFile); ok {
			err := fastReadAt(ff.Fd(), p, off)
			if err == nil {
				return nil
			}
			// Fast path errors are availability signals, not content errors.
			e.fastErrors.Inc(1)
		}
	}
	return e.slow(ctx, func() error {
		_, err := f.ReadAt(p, off)
		return err
	})
}

// WriteAt writes p to f at off. name identifies the file for write
// serialization: writes to the same file never run concurrently.
func (e *Engine) WriteAt(ctx context.Context, f storage.File, name string, p []byte, off int64) error {
	l := e.lockFor(name)
	l.Lock()
	defer l.Unlock()

	e.writes.Inc(1)
	if e.fastOK {
		if ff, ok := f.(fdFile); ok {
			err := fastWriteAt(ff.Fd(), p, off)
			if err == nil {
				return nil
			}
			e.fastErrors.Inc(1)
		}
	}
	return e.slow(ctx, func() error {
		_, err := f.WriteAt(p, off)
		return err
	})
}

// WriteSections writes p across the given file sections in order.
// len(p) must equal the total section length.
func (e *Engine) WriteSections(ctx context.Context, secs filesection.Sections, p []byte) error {
	for _, sec := range secs {
		f, ok := sec.File.(storage.File)
		if !ok {
			// Sections built by the mapper always carry storage files.
			f = readWriteOnly{sec.File}
		}
		if err := e.WriteAt(ctx, f, sec.Name, p[:sec.Length], sec.Offset); err != nil {
			return err
		}
		p = p[sec.Length:]
	}
	return nil
}

// ReadSections reads the full range covered by secs into p.
func (e *Engine) ReadSections(ctx context.Context, secs filesection.Sections, p []byte) error {
	for _, sec := range secs {
		f, ok := sec.File.(storage.File)
		if !ok {
			f = readWriteOnly{sec.File}
		}
		if err := e.ReadAt(ctx, f, p[:sec.Length], sec.Offset); err != nil {
			return err
		}
		p = p[sec.Length:]
	}
	return nil
}

// slow runs op on the bounded worker pool.
func (e *Engine) slow(ctx context.Context, op func() error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer e.sem.Release(1)
		done <- op()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) lockFor(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.fileLocks[name]
	if !ok {
		l = new(sync.Mutex)
		e.fileLocks[name] = l
	}
	return l
}

// readWriteOnly adapts a plain ReadWriterAt to the storage.File interface.
type readWriteOnly struct {
	filesection.ReadWriterAt
}

func (readWriteOnly) Close() error { return nil }
