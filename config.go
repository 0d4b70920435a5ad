package wbcache

import "time"

// Config holds every tunable the device exposes. Values are validated
// by Validate before a Device is constructed.
type Config struct {
	// NRSegments is the number of segment slots in the cache device's
	// ring. Determines, together with CachesPerSeg, total cache capacity.
	NRSegments int

	// SegmentSizeSectors is the size of one segment, including its
	// header block, in 512 B sectors. Must be a power of two multiple
	// of BlockSectors, at most MaxSegmentSizeSectors.
	SegmentSizeSectors int

	// HTSize is the number of buckets in the hash index. A larger
	// table shortens chains at the cost of memory; spec recommends
	// sizing it near nr_caches.
	HTSize int

	// NRRAMBuf is the number of RAM buffers kept in flight behind the
	// current segment, bounding how many unflushed segments can exist
	// at once.
	NRRAMBuf int

	// WritebackThreshold is the percentage (0-100) of dirty cache lines
	// at or above which a periodic writeback tick runs a pass; below it
	// the tick does nothing.
	WritebackThreshold int

	// NRMaxBatchedWriteback caps how many segments one writeback pass
	// drains, bounding the backing-device I/O burst it produces.
	NRMaxBatchedWriteback int

	// WritebackInterval is how often the writeback daemon wakes up to
	// check for newly flushed, not-yet-drained segments.
	WritebackInterval time.Duration

	// UpdateSBRecordInterval is how often the superblock's
	// last_writeback_id watermark is persisted.
	UpdateSBRecordInterval time.Duration

	// SyncDataInterval is how often the cache device is flushed to
	// ensure durability of segments the host hasn't explicitly FUA'd.
	SyncDataInterval time.Duration

	// ReadCacheThreshold is the number of consecutive sequential reads
	// tolerated before the read-cache staging engine starts skipping,
	// on the theory a sequential stream won't be reread soon.
	ReadCacheThreshold int

	// NRReadCacheCells bounds the read-cache staging engine's
	// in-flight reservation capacity.
	NRReadCacheCells int

	// WriteAroundMode, when true, never caches a write: every write goes
	// straight to the backing device instead of being staged through a
	// segment, and any cached copy of the written block is invalidated.
	WriteAroundMode bool
}

// DefaultConfig returns the option table's documented defaults.
func DefaultConfig() Config {
	return Config{
		NRSegments:             256,
		SegmentSizeSectors:     DefaultSegmentSizeSectors,
		HTSize:                 1 << 17,
		NRRAMBuf:               8,
		WritebackThreshold:     70,
		NRMaxBatchedWriteback:  32,
		WritebackInterval:      time.Second,
		UpdateSBRecordInterval: 15 * time.Second,
		SyncDataInterval:       30 * time.Second,
		ReadCacheThreshold:     4,
		NRReadCacheCells:       2048,
		WriteAroundMode:        false,
	}
}

// Validate rejects a Config that would produce an unsafe or
// nonsensical Device.
func (c Config) Validate() error {
	if c.NRSegments <= 0 {
		return newErr("config", ErrCodeInvalidConfig, "nr_segments must be positive")
	}
	if !isValidSegmentSize(c.SegmentSizeSectors) {
		return newErr("config", ErrCodeInvalidConfig, "segment_size_sectors must be a power of two multiple of BlockSectors")
	}
	if c.HTSize <= 0 {
		return newErr("config", ErrCodeInvalidConfig, "ht_size must be positive")
	}
	if c.NRRAMBuf <= 0 {
		return newErr("config", ErrCodeInvalidConfig, "nr_ram_buf must be positive")
	}
	if c.WritebackThreshold < 0 || c.WritebackThreshold > 100 {
		return newErr("config", ErrCodeInvalidConfig, "writeback_threshold must be in [0, 100]")
	}
	if c.NRMaxBatchedWriteback <= 0 {
		return newErr("config", ErrCodeInvalidConfig, "nr_max_batched_writeback must be positive")
	}
	if c.ReadCacheThreshold < 0 {
		return newErr("config", ErrCodeInvalidConfig, "read_cache_threshold must not be negative")
	}
	if c.NRReadCacheCells < 0 {
		return newErr("config", ErrCodeInvalidConfig, "nr_read_cache_cells must not be negative")
	}
	return nil
}

// cachesPerSeg derives CACHES_PER_SEG from the segment geometry: the
// header occupies one block, the rest are data blocks.
func (c Config) cachesPerSeg() int {
	return c.SegmentSizeSectors/BlockSectors - 1
}
