// Package mblock defines the metablock: the in-memory descriptor of a
// single 4 KiB cache line, allocated once at resume and stable for the
// device's lifetime.
package mblock

import "sync"

// Dirtiness is the pair (is_dirty, data_bits): is_dirty holds iff
// data_bits is nonzero at any quiescent point, with StageClean as the
// one deliberate exception.
type Dirtiness struct {
	IsDirty  bool
	DataBits uint8
}

// MB is one cache line's metadata. KeySector is owned by the caller
// holding the write-path mutex (io_lock); Dirtiness transitions are
// owned by the embedded mutex (mb_lock) so that a concurrent reader
// can observe a consistent snapshot without taking io_lock.
type MB struct {
	// Idx is the dense, stable index of this MB within the cache.
	Idx int

	// KeySector is the backing-device sector this MB currently caches
	// (the 4 KiB-aligned block start), or undefined while detached.
	// Guarded by io_lock, not by mu.
	KeySector int64

	mu    sync.Mutex
	dirty Dirtiness
}

// New allocates a fresh, clean, detached metablock with the given dense index.
func New(idx int) *MB {
	return &MB{Idx: idx}
}

// Dirtiness returns a snapshot of the dirty state under mb_lock.
func (m *MB) Dirtiness() Dirtiness {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// IsDirty reports whether the MB currently carries any dirty sector.
func (m *MB) IsDirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty.IsDirty
}

// Taint ORs bits into data_bits and sets is_dirty. It reports whether
// is_dirty made a false->true transition, the signal nr_dirty_caches
// accounting needs.
func (m *MB) Taint(bits uint8) (transitioned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	transitioned = !m.dirty.IsDirty && bits != 0
	m.dirty.DataBits |= bits
	if m.dirty.DataBits != 0 {
		m.dirty.IsDirty = true
	}
	return transitioned
}

// MarkClean clears all dirtiness, reporting whether the MB was dirty
// beforehand (so callers can decrement nr_dirty_caches). Used by
// prepare_overwrite and by write-around invalidation.
func (m *MB) MarkClean() (wasDirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasDirty = m.dirty.IsDirty
	m.dirty = Dirtiness{}
	return wasDirty
}

// ClearBits removes bits from data_bits (writeback only clears sectors
// that have been durably copied to the backing device; dirtiness only
// shrinks after flush, never grows. Reports whether the MB transitioned
// from dirty to clean.
func (m *MB) ClearBits(bits uint8) (clearedToClean bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasDirty := m.dirty.IsDirty
	m.dirty.DataBits &^= bits
	if m.dirty.DataBits == 0 {
		m.dirty.IsDirty = false
	}
	return wasDirty && !m.dirty.IsDirty
}

// SetDirtiness force-sets the dirtiness pair. Used when replaying
// segment headers during resume; it takes mb_lock on its own rather
// than requiring the caller to.
func (m *MB) SetDirtiness(d Dirtiness) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = d
}

// StageClean marks an MB as holding a full, clean copy of its block:
// every data bit is set so reads are served from it, but is_dirty stays
// false so writeback never tries to drain it. This is the one place the
// is_dirty-iff-data_bits-nonzero invariant doesn't hold by construction;
// a read-cache promotion mirrors the backing device exactly, so there's
// nothing for writeback to do even though every sector reads as cached.
func (m *MB) StageClean(bits uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = Dirtiness{IsDirty: false, DataBits: bits}
}
