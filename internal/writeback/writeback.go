// Package writeback implements the background daemon that drains
// dirty metablocks from already-flushed segments to the backing
// device, in strict segment-ID order, so segment slots can eventually
// be reclaimed once their last_writeback_id watermark has passed.
package writeback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wbcache/wbcache/internal/seglog"
)

// Backend is the minimal read/write surface the daemon needs.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

const (
	sectorSize       = 512
	blockSectors     = seglog.BlockSectorsConst
	blockSize        = blockSectors * sectorSize
	dataSlotSectors  = blockSectors
	headerSlotSectors = blockSectors
)

// Daemon periodically drains dirty data from flushed segments to the
// backing device, oldest segment first.
type Daemon struct {
	log            *seglog.Log
	cacheBackend   Backend
	backingBackend Backend
	interval       time.Duration

	maxBatch  atomic.Int64
	threshold atomic.Int64 // writeback_threshold: 0-100, see Start

	mu      sync.Mutex
	nextID  uint64
	onClean func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a writeback daemon. nextID should be
// Superblock.LastWritebackID+1 on resume, or 1 on a fresh device.
func New(log *seglog.Log, cacheBackend, backingBackend Backend, interval time.Duration, maxBatch int, nextID uint64) *Daemon {
	if nextID == 0 {
		nextID = 1
	}
	d := &Daemon{
		log:            log,
		cacheBackend:   cacheBackend,
		backingBackend: backingBackend,
		interval:       interval,
		nextID:         nextID,
		stopCh:         make(chan struct{}),
	}
	d.maxBatch.Store(int64(maxBatch))
	return d
}

// SetMaxBatch updates nr_max_batched_writeback without requiring the
// daemon to restart.
func (d *Daemon) SetMaxBatch(n int) { d.maxBatch.Store(int64(n)) }

// SetThreshold updates writeback_threshold, the dirtiness fraction
// (0-100) at or above which the periodic loop runs; manual RunOnce calls
// (drop_caches, tests) always run regardless of threshold.
func (d *Daemon) SetThreshold(pct int) { d.threshold.Store(int64(pct)) }

// SetOnClean registers a callback invoked once per MB that transitions
// from dirty to clean as a result of writeback draining its last dirty
// sector, so the caller can keep its own nr_dirty_caches count in sync.
func (d *Daemon) SetOnClean(fn func()) { d.onClean = fn }

// DirtyFraction reports the current percentage of cache lines marked
// dirty, for the periodic loop's threshold gate.
type DirtyFraction func() int

// Start launches the daemon's periodic run loop. dirty reports the
// current percentage of dirty cache lines; a tick only triggers
// RunOnce once dirty() has reached writeback_threshold, so a device
// with headroom leaves segments in RAM longer before draining them.
func (d *Daemon) Start(dirty DirtyFraction) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				if dirty == nil || int64(dirty()) >= d.threshold.Load() {
					d.RunOnce()
				}
			}
		}
	}()
}

// Stop halts the run loop and waits for it to exit.
func (d *Daemon) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// RunOnce drains up to maxBatch consecutive flushed segments that
// haven't been written back yet, returning how many it processed.
// Safe to call directly (e.g. from DropCaches or tests) as well as
// from the periodic loop.
func (d *Daemon) RunOnce() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	processed := 0
	for processed < int(d.maxBatch.Load()) {
		id := d.nextID
		if id > d.log.LastFlushedID() {
			break
		}
		segIdx := int((id - 1) % uint64(d.log.NRSegments()))
		seg := d.log.SegmentByIdx(segIdx)
		if seg.ID != id {
			// The slot has already moved past this id; nothing to do.
			break
		}
		if err := d.writebackSegment(seg); err != nil {
			return processed, err
		}
		d.nextID++
		d.log.SetLastWritebackID(id)
		processed++
	}
	return processed, nil
}

func (d *Daemon) writebackSegment(seg *seglog.Segment) error {
	for i, mb := range seg.MBs {
		dirt := mb.Dirtiness()
		if dirt.DataBits == 0 {
			continue
		}

		cacheOff := (seg.StartSector + headerSlotSectors + int64(i)*dataSlotSectors) * sectorSize
		buf := make([]byte, blockSize)
		if _, err := d.cacheBackend.ReadAt(buf, cacheOff); err != nil {
			return err
		}

		backingOff := mb.KeySector * sectorSize
		if err := writeDirtyRuns(buf, dirt.DataBits, d.backingBackend, backingOff); err != nil {
			return err
		}
		if cleared := mb.ClearBits(dirt.DataBits); cleared && d.onClean != nil {
			d.onClean()
		}
	}
	return nil
}

// writeDirtyRuns writes each contiguous run of set bits in dataBits as
// one WriteAt call, so a block's stale (never-cached) sectors are
// never overwritten on the backing device.
func writeDirtyRuns(blockBuf []byte, dataBits uint8, backend Backend, backingBaseOff int64) error {
	for start := 0; start < blockSectors; {
		if dataBits&(1<<uint(start)) == 0 {
			start++
			continue
		}
		end := start
		for end < blockSectors && dataBits&(1<<uint(end)) != 0 {
			end++
		}
		off := backingBaseOff + int64(start)*sectorSize
		data := blockBuf[start*sectorSize : end*sectorSize]
		if _, err := backend.WriteAt(data, off); err != nil {
			return err
		}
		start = end
	}
	return nil
}
