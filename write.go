package wbcache

import (
	"github.com/wbcache/wbcache/internal/mblock"
	"github.com/wbcache/wbcache/internal/seglog"
)

// writeAround handles a block under write_around_mode: any cached copy
// (clean or dirty) is invalidated first, then the bio is remapped
// straight to the backing device with no RAM-buffer staging at all, so
// a later read of the same key can only see backing data.
func (d *Device) writeAround(keySector int64, withinBytes int, data []byte) error {
	d.ioCond.L.Lock()
	if err := d.checkAborted(); err != nil {
		d.ioCond.L.Unlock()
		return err
	}
	head := d.index.Head(keySector)
	if existing := d.index.Lookup(head, keySector); existing != nil {
		if wasDirty := existing.MarkClean(); wasDirty {
			d.nrDirtyCaches.Add(-1)
		}
		d.index.Delete(existing)
	}
	d.rc.Cancel(keySector)
	d.ioCond.L.Unlock()

	_, err := d.backing.WriteAt(data, keySector*SectorSize+int64(withinBytes))
	return err
}

// WriteAt implements the write path: the request is split at 4 KiB
// block boundaries, and each block either overwrites its existing slot
// in place, invalidates a stale copy and allocates a fresh one
// (carrying forward any of the stale copy's dirty sectors this write
// doesn't cover), or, in write_around_mode, invalidates any cached copy
// and bypasses the cache entirely, remapping straight to the backing
// device.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	return d.writeAt(p, off, false)
}

// WriteAtFUA is WriteAt plus a durability barrier: it does not return
// until the segment holding the last byte written has been flushed to
// the cache device.
func (d *Device) WriteAtFUA(p []byte, off int64, fua bool) (int, error) {
	return d.writeAt(p, off, fua)
}

func (d *Device) writeAt(p []byte, off int64, fua bool) (int, error) {
	if err := d.checkAborted(); err != nil {
		return 0, err
	}
	if off%SectorSize != 0 {
		return 0, newErr("write", ErrCodeInvalidConfig, "offset not sector-aligned")
	}
	d.nrWrites.Add(1)

	sector := off / SectorSize
	written := 0
	for written < len(p) {
		keySector := alignDown(sector)
		within := blockOffset(sector)
		chunkBytes := (BlockSectors - within) * SectorSize
		if remain := len(p) - written; remain < chunkBytes {
			chunkBytes = remain
		}
		chunkSectors := chunkBytes / SectorSize
		if chunkBytes%SectorSize != 0 {
			chunkSectors++
		}

		mask := sectorMask(within, chunkSectors)
		if err := d.writeBlock(keySector, within*SectorSize, p[written:written+chunkBytes], mask, fua); err != nil {
			return written, err
		}
		written += chunkBytes
		sector += int64(chunkSectors)
	}
	return written, nil
}

// writeBlock handles one 4 KiB-aligned block's worth of a write. When
// fua is set it attaches a barrier to whichever segment ends up
// holding this block and waits for that segment's flush, so a
// multi-block FUA write only returns once every block it touched is
// durable on the cache device.
func (d *Device) writeBlock(keySector int64, withinBytes int, data []byte, mask uint8, fua bool) error {
	if d.cfg.WriteAroundMode {
		return d.writeAround(keySector, withinBytes, data)
	}

	d.ioCond.L.Lock()
	if err := d.checkAborted(); err != nil {
		d.ioCond.L.Unlock()
		return err
	}

	head := d.index.Head(keySector)
	existing := d.index.Lookup(head, keySector)

	var mb *mblock.MB
	var seg *seglog.Segment
	overwriteInPlace := false
	newAllocation := false
	var barrier *seglog.Barrier

	// mergeSeg/mergeMB/mergeBits carry forward an older dirty entry's
	// sectors that fall outside this write's mask, when that entry
	// lives on a segment already handed off to the flush pipeline (so
	// reusing its slot in place, the way overwriteInPlace does, isn't
	// an option).
	var mergeSeg *seglog.Segment
	var mergeMB *mblock.MB
	var mergeBits uint8

	switch {
	case existing != nil && d.isCurrentSegmentMB(existing):
		mb = existing
		seg = d.log.CurrentSegment()
		d.log.BeginOverwrite(seg)
		overwriteInPlace = true

	default:
		if existing != nil {
			if oldDirt := existing.Dirtiness(); oldDirt.IsDirty {
				if bits := oldDirt.DataBits &^ mask; bits != 0 {
					mergeBits = bits
					mergeSeg = d.log.SegmentOf(existing)
					mergeMB = existing
					d.log.BeginOverwrite(mergeSeg)
				}
			}
			if wasDirty := existing.MarkClean(); wasDirty {
				d.nrDirtyCaches.Add(-1)
			}
			d.index.Delete(existing)
		}
		d.rc.Cancel(keySector)

		if err := d.log.RollIfNeeded(); err != nil {
			d.ioCond.L.Unlock()
			if mergeSeg != nil {
				d.log.FinishWrite(mergeSeg)
			}
			return err
		}
		mb = d.log.Advance()
		seg = d.log.CurrentSegment()
		newAllocation = true
	}

	if fua {
		barrier = d.log.AttachBarrier()
	}
	d.ioCond.L.Unlock()

	// Pull forward whatever sectors the old entry had dirty outside
	// this write's mask before its segment's data is out of reach.
	if mergeBits != 0 {
		scratch, perr := d.scratchPool.Get()
		if perr != nil {
			d.log.FinishWrite(mergeSeg)
			d.log.FinishWrite(seg)
			return wrapErr("write", ErrCodeOutOfMemory, perr)
		}
		if err := d.readMBData(mergeSeg, mergeMB, 0, scratch); err != nil {
			d.scratchPool.Put(scratch)
			d.log.FinishWrite(mergeSeg)
			d.log.FinishWrite(seg)
			return err
		}
		d.log.FinishWrite(mergeSeg)
		for i := 0; i < BlockSectors; i++ {
			bit := uint8(1) << uint(i)
			if mergeBits&bit == 0 {
				continue
			}
			off := i * SectorSize
			if err := d.writeMBData(seg, mb, off, scratch[off:off+SectorSize]); err != nil {
				d.scratchPool.Put(scratch)
				d.log.FinishWrite(seg)
				return err
			}
		}
		d.scratchPool.Put(scratch)
	}

	if err := d.writeMBData(seg, mb, withinBytes, data); err != nil {
		d.log.FinishWrite(seg)
		return err
	}

	if transitioned := mb.Taint(mask | mergeBits); transitioned {
		d.nrDirtyCaches.Add(1)
	}

	if newAllocation {
		d.ioCond.L.Lock()
		d.index.Register(head, mb, keySector)
		d.ioCond.L.Unlock()
	}

	d.log.FinishWrite(seg)

	if barrier != nil {
		// A barrier only resolves once its segment is flushed, and a
		// segment otherwise only flushes when ordinary traffic fills
		// it. Force an early hand-off so a FUA write's latency isn't
		// at the mercy of whether anything else happens to roll this
		// segment.
		d.ioCond.L.Lock()
		if d.log.CurrentSegment() == seg {
			if err := d.log.ForceRoll(); err != nil {
				d.ioCond.L.Unlock()
				return err
			}
		}
		d.ioCond.L.Unlock()
		return barrier.Wait()
	}
	return nil
}

// isCurrentSegmentMB reports whether mb belongs to the segment slot
// currently accepting writes, i.e. whether overwriting it can reuse
// the live RAM buffer rather than allocating a fresh slot. Must be
// called while holding io_lock.
func (d *Device) isCurrentSegmentMB(mb *mblock.MB) bool {
	seg := d.log.CurrentSegment()
	return mb.Idx >= seg.StartIdx && mb.Idx < seg.StartIdx+d.log.CachesPerSeg()
}
