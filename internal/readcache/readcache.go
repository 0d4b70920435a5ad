// Package readcache implements the read-cache staging engine: reads
// that look sequential bypass staging, but once a read stream goes
// cold (or was never sequential to begin with), the engine reserves a
// cell, copies the backing-device block into the cache device on a
// background worker, and serves later reads of that same sector from
// the cache. A run only reveals itself as sequential once it's grown
// past the threshold, so the run's first few reservations are made
// optimistically and retroactively cancelled if the run turns out to
// be long after all.
//
// Reservations are keyed by sector in a capacity-bounded,
// insertion-sorted slice rather than a balanced tree. At
// nr_read_cache_cells (a few hundred to a few thousand entries) a
// sorted slice's O(n) insert is not a meaningful cost next to the I/O
// each cell represents, and sort.Search gives the same O(log n) lookup
// a tree would without hand-rolled balancing.
package readcache

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Backend is the minimal read surface the engine needs from the
// backing device, satisfied structurally without an import cycle.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Stage is invoked by the worker once a reservation's data has been
// read from the backing device, so the caller can write it into the
// cache device and register it in the hash index.
type Stage func(sector int64, data []byte) error

// Cell is one pending or completed staging reservation.
type Cell struct {
	Sector int64

	mu       sync.Mutex
	done     chan struct{}
	canceled bool
	finished bool
	err      error
}

// Wait blocks until the cell's staging read has completed (or been
// canceled), returning any error encountered.
func (c *Cell) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Cell) finish(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

func (c *Cell) isCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// Engine tracks in-flight staging reservations and the sequential-read
// detector that decides when staging should be skipped.
type Engine struct {
	mu       sync.Mutex
	cells    []*Cell // sorted ascending by Sector
	capacity int

	threshold  atomic.Int64
	lastSector int64
	lastValid  bool
	seqRun     int
	runSectors []int64 // sectors reserved so far in the current run, pending possible retroactive cancellation

	jobs    chan *Cell
	backend Backend
	stage   Stage
	blockSectors int64
	blockSize    int
}

// Config bundles Engine's construction parameters.
type Config struct {
	Capacity     int
	Threshold    int
	BlockSectors int64
	BlockSize    int
	Backend      Backend
	Stage        Stage
	Workers      int
}

// New creates a staging engine and starts its background workers.
func New(cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	e := &Engine{
		capacity:     cfg.Capacity,
		jobs:         make(chan *Cell, cfg.Capacity),
		backend:      cfg.Backend,
		stage:        cfg.Stage,
		blockSectors: cfg.BlockSectors,
		blockSize:    cfg.BlockSize,
	}
	e.threshold.Store(int64(cfg.Threshold))
	for i := 0; i < cfg.Workers; i++ {
		go e.worker()
	}
	return e
}

// SetThreshold updates read_cache_threshold without restarting the
// engine's workers.
func (e *Engine) SetThreshold(n int) { e.threshold.Store(int64(n)) }

// ShouldSkip reports whether a read at sector should bypass staging
// because it continues a sequential run at least threshold long;
// strictly sequential read streams are not worth caching. It also
// updates the sequential-run detector as a side effect, matching the
// one-pass nature of the real read path (each read is seen exactly
// once).
//
// The run's first threshold reads are reserved as they arrive (the
// caller calls Reserve after a false return), since a run that short
// can't yet be told apart from an ordinary scattered-miss sequence.
// Once the run grows past threshold reads, this retroactively cancels
// those earlier reservations before returning true, so a long
// sequential run ends up promoting none of its blocks rather than just
// its first threshold of them.
func (e *Engine) ShouldSkip(sector int64) bool {
	e.mu.Lock()

	sequential := e.lastValid && sector == e.lastSector+e.blockSectors
	if sequential {
		e.seqRun++
	} else {
		e.seqRun = 0
		e.runSectors = e.runSectors[:0]
	}
	e.lastSector = sector
	e.lastValid = true

	skip := int64(e.seqRun) >= e.threshold.Load()
	if !skip {
		e.runSectors = append(e.runSectors, sector)
		e.mu.Unlock()
		return false
	}

	toCancel := append([]int64(nil), e.runSectors...)
	e.runSectors = e.runSectors[:0]
	e.mu.Unlock()

	for _, s := range toCancel {
		e.Cancel(s)
	}
	return true
}

// Reserve registers sector for staging if it is not already reserved
// and the engine has spare capacity. It returns the cell (existing or
// new) and whether staging was actually started by this call.
func (e *Engine) Reserve(sector int64) (*Cell, bool) {
	e.mu.Lock()
	i, found := e.search(sector)
	if found {
		cell := e.cells[i]
		e.mu.Unlock()
		return cell, false
	}
	if len(e.cells) >= e.capacity {
		e.mu.Unlock()
		return nil, false
	}
	cell := &Cell{Sector: sector, done: make(chan struct{})}
	e.cells = append(e.cells, nil)
	copy(e.cells[i+1:], e.cells[i:])
	e.cells[i] = cell
	e.mu.Unlock()

	select {
	case e.jobs <- cell:
		return cell, true
	default:
		// Worker queue saturated; drop the reservation rather than
		// block the read path.
		e.remove(sector)
		return nil, false
	}
}

// Lookup returns the cell reserved for sector, if any, without
// creating a new reservation.
func (e *Engine) Lookup(sector int64) (*Cell, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, found := e.search(sector)
	if !found {
		return nil, false
	}
	return e.cells[i], true
}

// Cancel aborts a pending reservation, used when a write invalidates a
// sector before its staging read has completed.
func (e *Engine) Cancel(sector int64) {
	e.mu.Lock()
	i, found := e.search(sector)
	if !found {
		e.mu.Unlock()
		return
	}
	cell := e.cells[i]
	e.cells = append(e.cells[:i], e.cells[i+1:]...)
	e.mu.Unlock()

	cell.mu.Lock()
	cell.canceled = true
	cell.mu.Unlock()
	cell.finish(nil)
}

func (e *Engine) remove(sector int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i, found := e.search(sector); found {
		e.cells = append(e.cells[:i], e.cells[i+1:]...)
	}
}

// search performs a binary search for sector, returning its index (or
// insertion point) and whether it was found. Callers must hold e.mu.
func (e *Engine) search(sector int64) (int, bool) {
	i := sort.Search(len(e.cells), func(i int) bool {
		return e.cells[i].Sector >= sector
	})
	return i, i < len(e.cells) && e.cells[i].Sector == sector
}

func (e *Engine) worker() {
	for cell := range e.jobs {
		if cell.isCanceled() {
			continue
		}
		buf := make([]byte, e.blockSize)
		_, err := e.backend.ReadAt(buf, cell.Sector*512)
		if err == nil && !cell.isCanceled() {
			err = e.stage(cell.Sector, buf)
		}
		e.remove(cell.Sector)
		cell.finish(err)
	}
}
