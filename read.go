package wbcache

import (
	"github.com/wbcache/wbcache/internal/mblock"
	"github.com/wbcache/wbcache/internal/seglog"
)

// ReadAt implements the read path: each 4 KiB-aligned
// block is served from whatever mix of cache and backing device holds
// the freshest copy of its sectors, and a block that misses the cache
// entirely is handed to the read-cache staging engine so a later
// read of it finds it already promoted (long sequential runs are not
// promoted).
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if err := d.checkAborted(); err != nil {
		return 0, err
	}
	if off%SectorSize != 0 {
		return 0, newErr("read", ErrCodeInvalidConfig, "offset not sector-aligned")
	}
	d.nrReads.Add(1)

	sector := off / SectorSize
	read := 0
	for read < len(p) {
		keySector := alignDown(sector)
		within := blockOffset(sector)
		chunkBytes := (BlockSectors - within) * SectorSize
		if remain := len(p) - read; remain < chunkBytes {
			chunkBytes = remain
		}

		if err := d.readBlock(keySector, within*SectorSize, p[read:read+chunkBytes]); err != nil {
			return read, err
		}
		read += chunkBytes
		sector += int64(chunkBytes / SectorSize)
		if chunkBytes%SectorSize != 0 {
			sector++
		}
	}
	return read, nil
}

// readBlock serves one 4 KiB-aligned block's worth of a read.
func (d *Device) readBlock(keySector int64, withinBytes int, out []byte) error {
	d.ioCond.L.Lock()
	if err := d.checkAborted(); err != nil {
		d.ioCond.L.Unlock()
		return err
	}

	head := d.index.Head(keySector)
	mb := d.index.Lookup(head, keySector)
	if mb == nil {
		d.ioCond.L.Unlock()
		d.nrCacheMiss.Add(1)
		return d.readMiss(keySector, withinBytes, out)
	}
	d.nrCacheHits.Add(1)
	seg := d.log.SegmentOf(mb)
	d.log.BeginOverwrite(seg) // pin: keep the segment from being reclaimed mid-read
	d.ioCond.L.Unlock()

	dirt := mb.Dirtiness()
	within := withinBytes / SectorSize
	sectors := len(out) / SectorSize
	if len(out)%SectorSize != 0 {
		sectors++
	}
	covered := sectorMask(within, sectors)

	var err error
	switch {
	case dirt.DataBits&covered == covered:
		// Every sector this read touches is newer-than-backing; serve
		// entirely from the cache/RAM buffer.
		err = d.readMBData(seg, mb, withinBytes, out)

	case dirt.DataBits&covered == 0:
		// None of it is dirty; the backing device already holds the
		// current data for every sector requested.
		_, err = d.backing.ReadAt(out, keySector*SectorSize+int64(withinBytes))

	default:
		err = d.readBlended(seg, mb, keySector, withinBytes, within, dirt.DataBits, out)
	}

	d.log.FinishWrite(seg)
	return err
}

// readBlended fills out sector-by-sector, taking each sector from the
// cache if its data_bit is set and from the backing device otherwise.
func (d *Device) readBlended(seg *seglog.Segment, mb *mblock.MB, keySector int64, withinBytes, startSector int, bits uint8, out []byte) error {
	for i := 0; i*SectorSize < len(out); i++ {
		sectorIdx := startSector + i
		lo := i * SectorSize
		hi := lo + SectorSize
		if hi > len(out) {
			hi = len(out)
		}
		sub := out[lo:hi]

		var err error
		if bits&(1<<uint(sectorIdx)) != 0 {
			err = d.readMBData(seg, mb, withinBytes+lo, sub)
		} else {
			_, err = d.backing.ReadAt(sub, keySector*SectorSize+int64(withinBytes+lo))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// readMiss handles a block with no cache entry at all: it reads
// straight from the backing device and, unless the block is part of an
// ongoing sequential run the staging engine has decided to skip,
// reserves a read-cache cell to promote it in the background.
func (d *Device) readMiss(keySector int64, withinBytes int, out []byte) error {
	_, err := d.backing.ReadAt(out, keySector*SectorSize+int64(withinBytes))
	if err != nil {
		return err
	}
	if d.rc.ShouldSkip(keySector) {
		return nil
	}
	if withinBytes != 0 || len(out) != BlockSize {
		// Only a whole-block read gives us the full contents needed to
		// stage the block; a sub-block miss just serves its answer.
		return nil
	}
	d.rc.Reserve(keySector)
	return nil
}
