package writeback

import (
	"sync"
	"testing"
	"time"

	"github.com/wbcache/wbcache/internal/seglog"
)

type memBackend struct {
	mu   sync.Mutex
	data []byte
}

func newMemBackend(size int) *memBackend {
	return &memBackend{data: make([]byte, size)}
}

func (m *memBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(p, m.data[off:])
	return len(p), nil
}

func (m *memBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[off:], p)
	return len(p), nil
}

func newTestLog(cond *sync.Cond, cache seglog.Backend) *seglog.Log {
	l := seglog.New(cond, seglog.Config{
		NRSegments:         2,
		CachesPerSeg:       1,
		NRRAMBuf:           2,
		SegmentSizeSectors: 2 * seglog.BlockSectorsConst,
		HTSize:             4,
		Backend:            cache,
	})
	cond.L.Lock()
	l.Bootstrap()
	cond.L.Unlock()
	l.StartFlusher()
	return l
}

func TestRunOnceWritesDirtySectorsOnly(t *testing.T) {
	cache := newMemBackend(64 * 1024)
	backing := newMemBackend(64 * 1024)
	cond := sync.NewCond(&sync.Mutex{})
	log := newTestLog(cond, cache)

	cond.L.Lock()
	mb := log.Advance()
	cond.L.Unlock()

	mb.KeySector = 80 // arbitrary block-aligned backing-device sector
	mb.Taint(0x0F)    // only the first 4 sectors of this block are dirty

	cacheOff := (log.CurrentSegment().StartSector + headerSlotSectors) * sectorSize
	payload := make([]byte, blockSize)
	for i := range payload {
		payload[i] = 0xAB
	}

	// Poison the backing device's "clean" half of the block so a wrong
	// full-block writeback would be caught by the assertion below.
	poison := make([]byte, blockSize/2)
	for i := range poison {
		poison[i] = 0xCD
	}
	backing.WriteAt(poison, mb.KeySector*sectorSize+int64(blockSize/2))

	cond.L.Lock()
	seg := log.CurrentSegment()
	cond.L.Unlock()
	log.FinishWrite(seg)

	cond.L.Lock()
	if err := log.RollIfNeeded(); err != nil {
		t.Fatalf("roll: %v", err)
	}
	cond.L.Unlock()

	for log.LastFlushedID() < 1 {
		time.Sleep(time.Millisecond)
	}

	// The payload is placed on the cache device only now: the flush
	// writes the segment's whole RAM buffer over this region.
	cache.WriteAt(payload, cacheOff)

	d := New(log, cache, backing, 0, 10, 1)
	processed, err := d.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 segment processed, got %d", processed)
	}

	got := make([]byte, blockSize/2)
	backing.ReadAt(got, mb.KeySector*sectorSize)
	for i, b := range got {
		if b != 0xAB {
			t.Fatalf("byte %d: expected dirty sectors written through, got %x", i, b)
		}
	}

	untouched := make([]byte, blockSize/2)
	backing.ReadAt(untouched, mb.KeySector*sectorSize+int64(blockSize/2))
	for i, b := range untouched {
		if b != 0xCD {
			t.Fatalf("byte %d: clean half of block was overwritten, got %x", i, b)
		}
	}

	if mb.IsDirty() {
		t.Fatal("expected mb to be clean after writeback")
	}
}
