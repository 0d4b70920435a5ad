package wbcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wbcache/wbcache/internal/hashindex"
	"github.com/wbcache/wbcache/internal/logging"
	"github.com/wbcache/wbcache/internal/mblock"
	"github.com/wbcache/wbcache/internal/mempool"
	"github.com/wbcache/wbcache/internal/readcache"
	"github.com/wbcache/wbcache/internal/seglog"
	"github.com/wbcache/wbcache/internal/superblock"
	"github.com/wbcache/wbcache/internal/writeback"
)

// Backend is the storage surface a Device needs from both the backing
// and cache devices, and the surface Device itself exposes upward.
// Its method set matches ublkhost's Backend interface structurally, so
// a *Device can be handed straight to ublkhost.CreateAndServe.
type Backend interface {
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)
	Size() int64
	Close() error
	Flush() error
}

// Device is a log-structured block cache sitting in front of a
// backing device, presenting itself as a single virtual block device.
type Device struct {
	cfg     Config
	backing Backend
	cache   Backend

	ioCond      *sync.Cond
	log         *seglog.Log
	index       *hashindex.Index
	rc          *readcache.Engine
	wb          *writeback.Daemon
	sbs         *superblock.Store
	sb          superblock.Superblock
	scratchPool *mempool.Pool

	nrDirtyCaches atomic.Int64
	aborted       atomic.Bool
	abortErr      atomic.Pointer[Error]

	nrReads     atomic.Int64
	nrWrites    atomic.Int64
	nrCacheHits atomic.Int64
	nrCacheMiss atomic.Int64

	// sbIntervalNanos and syncIntervalNanos back update_sb_record_interval
	// and sync_data_interval's live values so Reconfigure can change them
	// without racing the loops' reads.
	sbIntervalNanos   atomic.Int64
	syncIntervalNanos atomic.Int64
	readCacheThresh   atomic.Int64

	stopSB   chan struct{}
	wgSB     sync.WaitGroup
	stopSync chan struct{}
	wgSync   sync.WaitGroup
}

// Open validates cfg, resumes any prior on-disk state from cache, and
// starts the background flush, writeback and superblock-sync loops.
// The returned Device is ready to serve ReadAt/WriteAt.
func Open(cfg Config, backing, cache Backend) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		cfg:      cfg,
		backing:  backing,
		cache:    cache,
		stopSB:   make(chan struct{}),
		stopSync: make(chan struct{}),
	}
	d.sbIntervalNanos.Store(int64(cfg.UpdateSBRecordInterval))
	d.syncIntervalNanos.Store(int64(cfg.SyncDataInterval))
	d.readCacheThresh.Store(int64(cfg.ReadCacheThreshold))

	// scratchPool bounds prepare_overwrite's merge-forward scratch block
	// to NRRAMBuf outstanding copies, the same concurrency bound the
	// flush pipeline itself is built around.
	d.scratchPool = mempool.New(BlockSize, cfg.NRRAMBuf)

	d.ioCond = sync.NewCond(&sync.Mutex{})
	d.log = seglog.New(d.ioCond, seglog.Config{
		NRSegments:         cfg.NRSegments,
		CachesPerSeg:       cfg.cachesPerSeg(),
		NRRAMBuf:           cfg.NRRAMBuf,
		SegmentSizeSectors: int64(cfg.SegmentSizeSectors),
		BaseSector:         0,
		HTSize:             cfg.HTSize,
		Backend:            cache,
		Abort:              d.abort,
	})
	d.index = d.log.Index()

	d.sbs = superblock.NewStore(cache, 0, SectorSize)
	sb, err := superblock.Resume(d.sbs, d.log, SectorSize)
	if err != nil {
		return nil, wrapErr("open", ErrCodeIO, err)
	}
	d.sb = sb

	d.log.StartFlusher()

	d.rc = readcache.New(readcache.Config{
		Capacity:     cfg.NRReadCacheCells,
		Threshold:    cfg.ReadCacheThreshold,
		BlockSectors: BlockSectors,
		BlockSize:    BlockSize,
		Backend:      backing,
		Stage:        d.stageReadCache,
		Workers:      2,
	})

	d.wb = writeback.New(d.log, cache, backing, cfg.WritebackInterval, cfg.NRMaxBatchedWriteback, sb.LastWritebackID+1)
	d.wb.SetThreshold(cfg.WritebackThreshold)
	d.wb.SetOnClean(func() { d.nrDirtyCaches.Add(-1) })
	d.wb.Start(d.dirtyPercent)

	d.wgSB.Add(1)
	go d.runSuperblockSync()

	d.wgSync.Add(1)
	go d.runSyncLoop()

	return d, nil
}

// Size reports the backing device's size, which is the size the
// virtual device presents to the host.
func (d *Device) Size() int64 { return d.backing.Size() }

// Close stops the background daemons and closes both devices.
func (d *Device) Close() error {
	close(d.stopSB)
	d.wgSB.Wait()
	close(d.stopSync)
	d.wgSync.Wait()
	d.wb.Stop()

	errBacking := d.backing.Close()
	errCache := d.cache.Close()
	if errBacking != nil {
		return wrapErr("close", ErrCodeIO, errBacking)
	}
	if errCache != nil {
		return wrapErr("close", ErrCodeIO, errCache)
	}
	return nil
}

// Flush hands the current segment to the flush pipeline if it holds
// any writes, waits until that segment is durable on the cache device,
// then forces the cache device's own durability barrier. If the current
// segment holds no writes, nothing is handed off and no earlier segment
// is waited on. It does not itself drain dirty data to the backing
// device; that's writeback's job.
func (d *Device) Flush() error {
	d.ioCond.L.Lock()
	var barrier *seglog.Barrier
	if d.log.CurrentSegment().Length > 0 {
		barrier = d.log.AttachBarrier()
		if err := d.log.ForceRoll(); err != nil {
			d.ioCond.L.Unlock()
			return wrapErr("flush", ErrCodeIO, err)
		}
	}
	d.ioCond.L.Unlock()
	if barrier != nil {
		if err := barrier.Wait(); err != nil {
			return wrapErr("flush", ErrCodeIO, err)
		}
	}
	if err := d.cache.Flush(); err != nil {
		return wrapErr("flush", ErrCodeIO, err)
	}
	return nil
}

func (d *Device) abort(reason string) {
	if d.aborted.CompareAndSwap(false, true) {
		logging.Default().Error("device aborted", "reason", reason)
		d.abortErr.Store(newErr("map", ErrCodeCorrupt, reason))
	}
}

func (d *Device) checkAborted() error {
	if d.aborted.Load() {
		if e := d.abortErr.Load(); e != nil {
			return e
		}
		return ErrAborted
	}
	return nil
}

// stageReadCache is the readcache.Engine's Stage callback: it copies a
// block freshly read from the backing device into a fresh cache slot
// and registers it as a clean (not dirty) entry, so a later read hits
// the cache but writeback never tries to drain it.
func (d *Device) stageReadCache(sector int64, data []byte) error {
	d.ioCond.L.Lock()

	if err := d.checkAborted(); err != nil {
		d.ioCond.L.Unlock()
		return err
	}

	head := d.index.Head(sector)
	if existing := d.index.Lookup(head, sector); existing != nil {
		d.ioCond.L.Unlock()
		return nil
	}

	if err := d.log.RollIfNeeded(); err != nil {
		d.ioCond.L.Unlock()
		return err
	}
	mb := d.log.Advance()
	seg := d.log.CurrentSegment()
	d.ioCond.L.Unlock()

	if err := d.writeMBData(seg, mb, 0, data); err != nil {
		d.log.FinishWrite(seg)
		return err
	}
	mb.StageClean(FullDataBits)

	// Register before releasing this write's hold on the segment's
	// in-flight count, so the segment cannot be reclaimed out from
	// under mb between the data copy and index registration.
	d.ioCond.L.Lock()
	d.index.Register(head, mb, sector)
	d.ioCond.L.Unlock()

	d.log.FinishWrite(seg)
	return nil
}

// writeMBData copies data into mb's slot starting at byte offset
// within, writing through to the cache device directly if mb's owning
// segment has already been flushed, or into the live RAM buffer
// otherwise. Called outside io_lock.
func (d *Device) writeMBData(seg *seglog.Segment, mb *mblock.MB, within int, data []byte) error {
	if seg.ID > d.log.LastFlushedID() {
		rb := d.log.RAMBufferFor(seg)
		slot := rb.DataSlot(mb.Idx - seg.StartIdx)
		copy(slot[within:], data)
		return nil
	}
	off := d.cacheDataOffset(seg, mb) + int64(within)
	_, err := d.cache.WriteAt(data, off)
	return err
}

// readMBData is writeMBData's counterpart for the read path.
func (d *Device) readMBData(seg *seglog.Segment, mb *mblock.MB, within int, out []byte) error {
	if seg.ID > d.log.LastFlushedID() {
		rb := d.log.RAMBufferFor(seg)
		slot := rb.DataSlot(mb.Idx - seg.StartIdx)
		copy(out, slot[within:within+len(out)])
		return nil
	}
	off := d.cacheDataOffset(seg, mb) + int64(within)
	_, err := d.cache.ReadAt(out, off)
	return err
}

func (d *Device) cacheDataOffset(seg *seglog.Segment, mb *mblock.MB) int64 {
	slotIdx := mb.Idx - seg.StartIdx
	return (seg.StartSector + BlockSectors*int64(1+slotIdx)) * SectorSize
}

// dirtyPercent reports the current share of cache lines marked dirty,
// the signal writeback_threshold gates the periodic writeback loop on.
func (d *Device) dirtyPercent() int {
	nrCaches := d.log.NRCaches()
	if nrCaches == 0 {
		return 0
	}
	return int(d.nrDirtyCaches.Load() * 100 / int64(nrCaches))
}

// runSuperblockSync persists last_writeback_id on a timer whose period
// is re-read from sbIntervalNanos on every firing, so Reconfigure's
// update_sb_record_interval changes take effect on the next tick
// instead of requiring a restart.
func (d *Device) runSuperblockSync() {
	defer d.wgSB.Done()
	timer := time.NewTimer(d.currentSBInterval())
	defer timer.Stop()
	for {
		select {
		case <-d.stopSB:
			return
		case <-timer.C:
			d.sb.LastWritebackID = d.log.LastWritebackID()
			d.sbs.Save(d.sb)
			timer.Reset(d.currentSBInterval())
		}
	}
}

func (d *Device) currentSBInterval() time.Duration {
	n := d.sbIntervalNanos.Load()
	if n <= 0 {
		return time.Second
	}
	return time.Duration(n)
}

// runSyncLoop forces the cache device's durability barrier on a timer,
// covering writes that never carried FUA.
// A stored interval of 0 disables the forced sync, but the loop still
// wakes on a 1-second base tick so Reconfigure can re-enable it without
// a restart.
func (d *Device) runSyncLoop() {
	defer d.wgSync.Done()
	base := time.Second
	ticker := time.NewTicker(base)
	defer ticker.Stop()
	var elapsed time.Duration
	for {
		select {
		case <-d.stopSync:
			return
		case <-ticker.C:
			elapsed += base
			n := d.syncIntervalNanos.Load()
			if n <= 0 || elapsed < time.Duration(n) {
				continue
			}
			elapsed = 0
			d.Flush()
		}
	}
}
