package seglog

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/wbcache/wbcache/internal/mblock"
)

// headerPreambleSize is the fixed-offset region holding id/length/lap,
// sized so it fits inside the first 512 B sector of the header block
// and can be discovered atomically even if the rest of the header was
// torn by a crash.
const headerPreambleSize = 16

// mbRecordSize is the packed on-disk size of one metablock record
// within a segment header: a 4-byte block index (not a full sector
// number, to keep CachesPerSeg records within one 4 KiB header) plus
// one byte of dirty bits.
const mbRecordSize = 5

// Segment is one fixed-size region of the cache device: a header block
// followed by CachesPerSeg data blocks. Segment is a stable array slot;
// its ID is reassigned every time the ring wraps around to that slot.
type Segment struct {
	// Idx is this segment's fixed position in the segment array.
	Idx int
	// StartIdx is the dense metablock index of this segment's first MB.
	StartIdx int
	// StartSector is this segment's offset on the cache device,
	// in sectors (region 0 is the superblock; regions 1..N are segments).
	StartSector int64

	// ID is the monotonically increasing segment identity currently
	// occupying this slot. Guarded by the log's lock.
	ID uint64
	// Length is the number of MBs written into this segment incarnation
	// so far. Guarded by the log's lock.
	Length int
	// Lap counts how many times the ring has wrapped to reach this ID.
	Lap uint32

	// MBs are the CachesPerSeg metablocks permanently owned by this slot.
	MBs []*mblock.MB

	inflight atomic.Int32
}

// Inflight returns the current in-flight I/O count for this segment.
func (s *Segment) Inflight() int32 { return s.inflight.Load() }

func (s *Segment) incInflight() { s.inflight.Add(1) }

// decInflight decrements the in-flight count and reports whether it
// reached zero, so the caller can wake anyone waiting on it.
func (s *Segment) decInflight() (reachedZero bool) {
	return s.inflight.Add(-1) == 0
}

// headerSize returns the encoded size of this segment's on-disk header,
// which must fit within one 4 KiB block.
func headerSize(cachesPerSeg int) int {
	return headerPreambleSize + cachesPerSeg*mbRecordSize
}

// encodeHeader serializes seg's id/length/lap and every owned MB's
// dirtiness into dst's header slot, the segment's on-disk header
// written into the RAM buffer's header slot before flush.
func encodeHeader(dst []byte, seg *Segment) {
	clearBytes(dst)
	binary.LittleEndian.PutUint64(dst[0:8], seg.ID)
	dst[8] = byte(seg.Length)
	binary.LittleEndian.PutUint32(dst[9:13], seg.Lap)

	off := headerPreambleSize
	for _, mb := range seg.MBs {
		d := mb.Dirtiness()
		blockIdx := uint32(0)
		if mb.KeySector >= 0 {
			blockIdx = uint32(mb.KeySector / BlockSectorsConst)
		}
		binary.LittleEndian.PutUint32(dst[off:off+4], blockIdx)
		dst[off+4] = d.DataBits
		off += mbRecordSize
	}
}

// decodeHeader is the inverse of encodeHeader, used by resume() replay.
func decodeHeader(src []byte, cachesPerSeg int) (id uint64, length int, lap uint32, records []mbRecord) {
	id = binary.LittleEndian.Uint64(src[0:8])
	length = int(src[8])
	lap = binary.LittleEndian.Uint32(src[9:13])

	off := headerPreambleSize
	records = make([]mbRecord, cachesPerSeg)
	for i := range records {
		records[i].blockIdx = binary.LittleEndian.Uint32(src[off : off+4])
		records[i].dataBits = src[off+4]
		off += mbRecordSize
	}
	return id, length, lap, records
}

type mbRecord struct {
	blockIdx uint32
	dataBits uint8
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// BlockSectorsConst mirrors the root package's BlockSectors constant.
// Duplicated here (rather than imported) because the root wbcache
// package imports seglog, and seglog must not import back.
const BlockSectorsConst = 8
