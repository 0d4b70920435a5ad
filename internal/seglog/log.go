// Package seglog implements the RAM-staged segment log: a fixed ring
// of segments, a small pool of RAM buffers standing in for those
// segments' in-flight contents, a cursor that hands out fresh
// metablock slots, and the single-writer flush pipeline that drains a
// full RAM buffer to the cache device.
package seglog

import (
	"fmt"
	"sync"

	"github.com/wbcache/wbcache/internal/hashindex"
	"github.com/wbcache/wbcache/internal/mblock"
)

// Backend is the minimal write surface the log needs from the cache
// device. It is satisfied structurally by wbcache's Backend without an
// import, since this package sits below the root package in the
// dependency graph.
type Backend interface {
	WriteAt(p []byte, off int64) (int, error)
}

// FlushJob is one unit of work handed to the flusher: a filled RAM
// buffer, the segment it belongs to, and any write barriers waiting on
// that segment's durability.
type FlushJob struct {
	Seg      *Segment
	RAMBuf   *RAMBuffer
	Barriers []*Barrier
}

// AbortFunc is invoked when the log detects a broken invariant it
// cannot safely continue past (a segment about to be reclaimed still
// has a dirty MB). The device wires this to its own abort machinery.
type AbortFunc func(reason string)

// Log owns the segment array, the MB array partitioned across it, the
// hash index those MBs are registered in, the RAM buffer pool, the
// cursor, and the flush pipeline.
//
// Every exported method except the flusher loop itself assumes the
// caller holds cond.L (the device's single io_lock) for the duration
// of the call: io_lock serializes the entire write and read-path index
// update region, plus the acquire_new_segment hand-off.
type Log struct {
	cond *sync.Cond

	nrSegments   int
	cachesPerSeg int
	nrCaches     int
	segmentSizeSectors int64
	baseSector   int64

	segments []*Segment
	mbs      []*mblock.MB
	index    *hashindex.Index
	pool     *ramBufferPool

	cur    *Segment
	cursor int

	lastFlushedID   uint64
	lastWritebackID uint64

	flushCh chan *FlushJob
	pending []*Barrier

	backend Backend
	abort   AbortFunc
}

// Config bundles Log's construction parameters.
type Config struct {
	NRSegments         int
	CachesPerSeg       int
	NRRAMBuf           int
	SegmentSizeSectors int64
	BaseSector         int64
	HTSize             int
	Backend            Backend
	Abort              AbortFunc
}

// New allocates the segment array, MB array, hash index and RAM buffer
// pool, and points the cursor at slot 0; Bootstrap or
// SetCurrentAfterReplay then establishes the current segment ID. cond.L
// is the lock callers must hold around Log operations (New itself does
// not take it).
func New(cond *sync.Cond, cfg Config) *Log {
	nrCaches := cfg.NRSegments * cfg.CachesPerSeg
	mbs := make([]*mblock.MB, nrCaches)
	for i := range mbs {
		mbs[i] = mblock.New(i)
	}

	segments := make([]*Segment, cfg.NRSegments)
	for i := range segments {
		start := i * cfg.CachesPerSeg
		segments[i] = &Segment{
			Idx:         i,
			StartIdx:    start,
			StartSector: cfg.BaseSector + int64(i+1)*cfg.SegmentSizeSectors,
			MBs:         mbs[start : start+cfg.CachesPerSeg],
		}
	}

	l := &Log{
		cond:               cond,
		nrSegments:         cfg.NRSegments,
		cachesPerSeg:       cfg.CachesPerSeg,
		nrCaches:           nrCaches,
		segmentSizeSectors: cfg.SegmentSizeSectors,
		baseSector:         cfg.BaseSector,
		segments:           segments,
		mbs:                mbs,
		index:              hashindex.New(mbs, cfg.HTSize),
		pool:               newRAMBufferPool(cfg.NRRAMBuf, cfg.CachesPerSeg),
		flushCh:            make(chan *FlushJob, cfg.NRRAMBuf),
		backend:            cfg.Backend,
		abort:              cfg.Abort,
	}
	l.cur = segments[0]
	return l
}

// Index returns the hash index shared with the write/read path.
func (l *Log) Index() *hashindex.Index { return l.index }

// MBs returns the full dense metablock array.
func (l *Log) MBs() []*mblock.MB { return l.mbs }

// NRCaches returns the total number of metablocks.
func (l *Log) NRCaches() int { return l.nrCaches }

// CachesPerSeg returns the configured segment capacity.
func (l *Log) CachesPerSeg() int { return l.cachesPerSeg }

// CurrentSegmentID returns the ID of the segment currently accepting writes.
func (l *Log) CurrentSegmentID() uint64 { return l.cur.ID }

// StartFlusher launches the single background flusher goroutine. It
// must be called exactly once, after Resume/bootstrap has established
// lastFlushedID and lastWritebackID.
func (l *Log) StartFlusher() {
	go l.runFlusher()
}

// Bootstrap establishes segment ID 1 as current without going through
// the full acquire_new_segment wait machinery (there is nothing to
// wait for: every counter starts at zero). Called once at device
// construction, before any write path activity, while holding cond.L.
func (l *Log) Bootstrap() {
	seg := l.segments[0]
	seg.ID = 1
	seg.Length = 0
	seg.Lap = 0
	l.cur = seg
	l.cursor = seg.StartIdx
}

// needsNewSegment reports whether the current segment has been filled
// to capacity. This is equivalent to "the cursor's within-segment
// offset is 0" from the second write onward, but unlike that literal
// reading it does not misfire on the very first write, when the
// cursor's offset is also 0 but the segment is still empty.
func (l *Log) needsNewSegment() bool {
	return l.cur.Length >= l.cachesPerSeg
}

// RollIfNeeded flushes the current segment and acquires the next one
// if the current segment is full. Called before allocating a slot for
// a brand new key; overwrites of an already-resident
// MB never call this since they reuse the MB's existing slot.
func (l *Log) RollIfNeeded() error {
	if !l.needsNewSegment() {
		return nil
	}
	return l.prepareNewSeg()
}

// ForceRoll flushes the current segment and acquires a fresh one
// regardless of how full it is. drop_caches uses this to
// drain a partially-written segment's dirty data without waiting for
// ordinary traffic to fill it first. A no-op if the current segment
// has never accepted a write.
func (l *Log) ForceRoll() error {
	if l.cur.Length == 0 {
		return nil
	}
	return l.prepareNewSeg()
}

// Advance hands out the next metablock slot and advances the cursor.
// Callers must have already called RollIfNeeded. The current segment's
// inflight count has already been incremented; callers must call
// FinishWrite on that segment when done with the returned MB.
func (l *Log) Advance() *mblock.MB {
	if l.cursor >= l.nrCaches {
		l.cursor = 0
	}
	mb := l.mbs[l.cursor]
	l.cursor++
	l.cur.Length++
	l.cur.incInflight()
	return mb
}

// CurrentSegment returns the segment currently accepting writes.
func (l *Log) CurrentSegment() *Segment { return l.cur }

// BeginOverwrite bumps seg's in-flight counter for a write that
// reuses an already-allocated slot in place (prepare_overwrite) rather
// than allocating a fresh one through Advance. Callers must pair it
// with exactly one FinishWrite call.
func (l *Log) BeginOverwrite(seg *Segment) {
	seg.incInflight()
}

// FinishWrite decrements the owning segment's in-flight counter and
// wakes anyone waiting for it to reach zero. Called after a write's
// payload has been copied into its RAM buffer slot, outside io_lock.
// Locks internally; do not call while holding cond.L.
func (l *Log) FinishWrite(seg *Segment) {
	if seg.decInflight() {
		l.cond.L.Lock()
		l.cond.Broadcast()
		l.cond.L.Unlock()
	}
}

// RAMBufferFor returns the RAM buffer currently backing seg.
func (l *Log) RAMBufferFor(seg *Segment) *RAMBuffer {
	return l.pool.bufferFor(seg.ID)
}

// AttachBarrier queues a barrier against the segment that is current
// right now, to be released when that segment's flush completes.
// Must be called while holding cond.L.
func (l *Log) AttachBarrier() *Barrier {
	b := NewBarrier()
	l.pending = append(l.pending, b)
	return b
}

// SetLastWritebackID records the highest segment ID the writeback
// daemon has fully drained. Called by the writeback package.
func (l *Log) SetLastWritebackID(id uint64) {
	l.cond.L.Lock()
	if id > l.lastWritebackID {
		l.lastWritebackID = id
		l.cond.Broadcast()
	}
	l.cond.L.Unlock()
}

// LastFlushedID returns the highest durably flushed segment ID. Unlike
// most of Log's methods, it locks internally and must NOT be called
// while already holding cond.L.
func (l *Log) LastFlushedID() uint64 {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	return l.lastFlushedID
}

// LastWritebackID returns the highest segment ID fully drained to the
// backing device so far. Locks internally; do not call while holding cond.L.
func (l *Log) LastWritebackID() uint64 {
	l.cond.L.Lock()
	defer l.cond.L.Unlock()
	return l.lastWritebackID
}

// SegmentByIdx returns the slot at position idx in the ring, for
// writeback and superblock replay to walk in order.
func (l *Log) SegmentByIdx(idx int) *Segment { return l.segments[idx] }

// SegmentOf returns the segment slot owning mb, using the fact that
// segments partition the dense MB array into equal-sized contiguous
// ranges. Safe to call without holding cond.L: a slot's StartIdx and
// MBs never change after New.
func (l *Log) SegmentOf(mb *mblock.MB) *Segment {
	return l.segments[mb.Idx/l.cachesPerSeg]
}

// NRSegments returns the number of segment slots in the ring.
func (l *Log) NRSegments() int { return l.nrSegments }

// HeaderSize returns the encoded size of one segment's on-disk header.
func (l *Log) HeaderSize() int { return headerSize(l.cachesPerSeg) }

// ReplayHeader decodes a segment header read from disk and, if it
// describes a newer incarnation than the slot currently holds,
// installs its id/length/lap and re-registers its MBs into the hash
// index with the recorded dirtiness. Superblock resume calls this for
// every segment slot in slot order.
func (l *Log) ReplayHeader(segIdx int, raw []byte) {
	seg := l.segments[segIdx]
	id, length, lap, records := decodeHeader(raw, l.cachesPerSeg)
	if id == 0 || id <= seg.ID {
		return
	}
	seg.ID = id
	seg.Length = length
	seg.Lap = lap
	for i, mb := range seg.MBs {
		if i >= length {
			mb.SetDirtiness(mblock.Dirtiness{})
			continue
		}
		rec := records[i]
		mb.SetDirtiness(mblock.Dirtiness{IsDirty: rec.dataBits != 0, DataBits: rec.dataBits})
		key := int64(rec.blockIdx) * BlockSectorsConst
		mb.KeySector = key
		if rec.dataBits != 0 {
			l.index.Register(l.index.Head(key), mb, key)
		}
	}
	if id > l.lastFlushedID {
		l.lastFlushedID = id
	}
}

// SetCurrentAfterReplay installs the segment whose ring slot holds the
// highest replayed ID as current, with the cursor positioned right
// after its last valid record. Called once after ReplayHeader has been
// applied to every slot.
func (l *Log) SetCurrentAfterReplay() {
	best := l.segments[0]
	for _, seg := range l.segments {
		if seg.ID > best.ID {
			best = seg
		}
	}
	l.cur = best
	l.cursor = best.StartIdx + best.Length
	if l.cursor >= l.nrCaches {
		l.cursor = 0
	}
}

// prepareNewSeg hands the current segment off to the flush pipeline
// and installs the next one as current. Must be called holding cond.L.
func (l *Log) prepareNewSeg() error {
	seg := l.cur
	for seg.Inflight() != 0 {
		l.cond.Wait()
	}

	rb := l.pool.bufferFor(seg.ID)
	encodeHeader(rb.HeaderSlot(), seg)

	job := &FlushJob{Seg: seg, RAMBuf: rb, Barriers: l.pending}
	l.pending = nil
	l.flushCh <- job

	return l.acquireNewSegment(seg.ID + 1)
}

// acquireNewSegment waits for the next incarnation of a ring slot to
// become safely reusable and installs it as current. Must be called
// holding cond.L.
func (l *Log) acquireNewSegment(id uint64) error {
	nRAMBuf := uint64(l.pool.size())
	if id > nRAMBuf {
		need := id - nRAMBuf
		for l.lastFlushedID < need {
			l.cond.Wait()
		}
	}
	rb := l.pool.bufferFor(id)
	rb.Zero()

	segIdx := int((id - 1) % uint64(l.nrSegments))
	seg := l.segments[segIdx]
	for seg.Inflight() != 0 {
		l.cond.Wait()
	}

	if id > uint64(l.nrSegments) {
		need := id - uint64(l.nrSegments)
		for l.lastWritebackID < need {
			l.cond.Wait()
		}
	}

	for _, mb := range seg.MBs {
		if mb.IsDirty() {
			reason := fmt.Sprintf("segment %d reclaimed with dirty metablock %d still resident", id, mb.Idx)
			if l.abort != nil {
				l.abort(reason)
			}
			return &InvariantError{Reason: reason}
		}
		if l.index.IsRegistered(mb) {
			l.index.Delete(mb)
		}
	}

	seg.ID = id
	seg.Length = 0
	seg.Lap = uint32((id - 1) / uint64(l.nrSegments))
	l.cur = seg
	l.cursor = seg.StartIdx
	return nil
}

// InvariantError is returned when the log detects state that should
// be structurally impossible (a segment about to be recycled still
// holds a dirty MB).
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "seglog: invariant violation: " + e.Reason
}

func (l *Log) runFlusher() {
	for job := range l.flushCh {
		_, err := l.backend.WriteAt(job.RAMBuf.Data, job.Seg.StartSector*512)

		l.cond.L.Lock()
		if err == nil && job.Seg.ID > l.lastFlushedID {
			l.lastFlushedID = job.Seg.ID
		}
		l.cond.Broadcast()
		l.cond.L.Unlock()

		for _, b := range job.Barriers {
			b.release(err)
		}
	}
}
