package ublkhost

import "github.com/wbcache/wbcache/internal/interfaces"

// Backend is the storage implementation a Device reads and writes
// through. It is re-exported from the internal interfaces package so
// that backends and the cache core can depend on this package alone.
type Backend = interfaces.Backend

// DiscardBackend is an optional interface for TRIM/DISCARD support.
type DiscardBackend = interfaces.DiscardBackend

// Logger is the optional logging sink a Device can be given.
type Logger = interfaces.Logger

// WriteZeroesBackend is an optional interface for backends that can
// zero a range more cheaply than writing zero bytes through WriteAt.
type WriteZeroesBackend interface {
	Backend
	WriteZeroes(offset, length int64) error
}

// SyncBackend is an optional interface for backends that distinguish
// a full sync from a ranged one.
type SyncBackend interface {
	Backend
	Sync() error
	SyncRange(offset, length int64) error
}

// StatBackend is an optional interface for backends that expose
// implementation-defined statistics.
type StatBackend interface {
	Backend
	Stats() map[string]interface{}
}

// ResizeBackend is an optional interface for backends that support
// being grown or shrunk after creation.
type ResizeBackend interface {
	Backend
	Resize(newSize int64) error
}

// FUABackend is an optional interface for backends that care whether
// a write carried the Force Unit Access flag. wbcache.Device implements
// this so the queue runner can convey barrier semantics through a plain
// io_uring WRITE request.
type FUABackend interface {
	Backend
	WriteAtFUA(p []byte, off int64, fua bool) (int, error)
}
