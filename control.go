package wbcache

import "time"

// Stats is a snapshot of the counters clear_stat resets and the
// control plane otherwise exposes read-only.
type Stats struct {
	Reads           int64
	Writes          int64
	CacheHits       int64
	CacheMisses     int64
	NRDirtyCaches   int64
	LastFlushedID   uint64
	LastWritebackID uint64
}

// Stats reports the device's current counters without resetting them.
func (d *Device) Stats() Stats {
	return Stats{
		Reads:           d.nrReads.Load(),
		Writes:          d.nrWrites.Load(),
		CacheHits:       d.nrCacheHits.Load(),
		CacheMisses:     d.nrCacheMiss.Load(),
		NRDirtyCaches:   d.nrDirtyCaches.Load(),
		LastFlushedID:   d.log.LastFlushedID(),
		LastWritebackID: d.log.LastWritebackID(),
	}
}

// ClearStat resets the read/write/hit/miss counters. It does not touch
// nr_dirty_caches or the log's own watermarks, which reflect live state
// rather than accumulated stats.
func (d *Device) ClearStat() {
	d.nrReads.Store(0)
	d.nrWrites.Store(0)
	d.nrCacheHits.Store(0)
	d.nrCacheMiss.Store(0)
}

// DropCaches forces every dirty metablock to the backing device and
// blocks until nr_dirty_caches reaches zero, driving the writeback
// daemon directly instead of waiting for its usual threshold or interval.
func (d *Device) DropCaches() error {
	for d.nrDirtyCaches.Load() > 0 {
		if err := d.checkAborted(); err != nil {
			return err
		}
		processed, err := d.wb.RunOnce()
		if err != nil {
			return wrapErr("drop_caches", ErrCodeIO, err)
		}
		if processed == 0 {
			// Dirty data exists but hasn't flushed to the cache device
			// yet (still sitting in the live segment's RAM buffer);
			// force it out so writeback has something to drain.
			d.ioCond.L.Lock()
			rollErr := d.log.ForceRoll()
			d.ioCond.L.Unlock()
			if rollErr != nil {
				return rollErr
			}
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

// Reconfigure applies a key/value update to one of the device's
// non-static options. write_around_mode and nr_read_cache_cells are
// static and rejected here.
func (d *Device) Reconfigure(key string, value int) error {
	switch key {
	case "writeback_threshold":
		if value < 0 || value > 100 {
			return newErr("reconfigure", ErrCodeInvalidConfig, "writeback_threshold must be in [0, 100]")
		}
		d.wb.SetThreshold(value)

	case "nr_max_batched_writeback":
		if value < 1 || value > 32 {
			return newErr("reconfigure", ErrCodeInvalidConfig, "nr_max_batched_writeback must be in [1, 32]")
		}
		d.wb.SetMaxBatch(value)

	case "update_sb_record_interval":
		if value < 0 || value > 3600 {
			return newErr("reconfigure", ErrCodeInvalidConfig, "update_sb_record_interval must be in [0, 3600]")
		}
		d.sbIntervalNanos.Store(int64(time.Duration(value) * time.Second))

	case "sync_data_interval":
		if value < 0 || value > 3600 {
			return newErr("reconfigure", ErrCodeInvalidConfig, "sync_data_interval must be in [0, 3600]")
		}
		d.syncIntervalNanos.Store(int64(time.Duration(value) * time.Second))

	case "read_cache_threshold":
		if value < 0 || value > 127 {
			return newErr("reconfigure", ErrCodeInvalidConfig, "read_cache_threshold must be in [0, 127]")
		}
		d.readCacheThresh.Store(int64(value))
		d.rc.SetThreshold(value)

	case "write_around_mode", "nr_read_cache_cells":
		return newErr("reconfigure", ErrCodeInvalidConfig, key+" is static and cannot be reconfigured")

	default:
		return newErr("reconfigure", ErrCodeInvalidConfig, "unknown option "+key)
	}
	return nil
}
