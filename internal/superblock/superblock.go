// Package superblock implements the on-disk superblock and the resume
// replay it drives: recording a cache instance's identity and recovery
// watermark, and reconstructing the in-memory segment log and hash
// index from segment headers already on the cache device.
package superblock

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
	"github.com/wbcache/wbcache/internal/seglog"
)

// Magic identifies a cache device formatted by this package.
const Magic = "WBst"

const (
	magicOffset           = 0
	uuidOffset            = 8
	lastWritebackIDOffset = 24
	encodedSize           = 32
)

// Backend is the minimal read/write surface the superblock needs from
// the cache device.
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Superblock is the cache device's identity record, living in region 0.
type Superblock struct {
	ID              uuid.UUID
	LastWritebackID uint64
}

// Fresh builds a new superblock identity for an unformatted cache device.
func Fresh() Superblock {
	return Superblock{ID: uuid.New()}
}

// ErrNotFormatted is returned by Load when the buffer doesn't carry
// this package's magic string.
var ErrNotFormatted = errors.New("superblock: magic mismatch, device not formatted")

func encode(sb Superblock) []byte {
	buf := make([]byte, encodedSize)
	copy(buf[magicOffset:], Magic)
	idBytes, _ := sb.ID.MarshalBinary()
	copy(buf[uuidOffset:uuidOffset+16], idBytes)
	binary.LittleEndian.PutUint64(buf[lastWritebackIDOffset:], sb.LastWritebackID)
	return buf
}

func decode(buf []byte) (Superblock, error) {
	if len(buf) < encodedSize || string(buf[magicOffset:magicOffset+len(Magic)]) != Magic {
		return Superblock{}, ErrNotFormatted
	}
	var sb Superblock
	if err := sb.ID.UnmarshalBinary(buf[uuidOffset : uuidOffset+16]); err != nil {
		return Superblock{}, err
	}
	sb.LastWritebackID = binary.LittleEndian.Uint64(buf[lastWritebackIDOffset:])
	return sb, nil
}

// Store persists a Superblock at a fixed sector on the cache device.
type Store struct {
	backend     Backend
	baseSector  int64
	sectorSize  int
}

// NewStore builds a Store writing at baseSector (sectors), the first
// sector of region 0.
func NewStore(backend Backend, baseSector int64, sectorSize int) *Store {
	return &Store{backend: backend, baseSector: baseSector, sectorSize: sectorSize}
}

// Load reads and decodes the superblock, returning ErrNotFormatted if
// the device has never been initialized by this package.
func (s *Store) Load() (Superblock, error) {
	buf := make([]byte, s.sectorSize)
	if _, err := s.backend.ReadAt(buf, s.baseSector*int64(s.sectorSize)); err != nil {
		return Superblock{}, err
	}
	return decode(buf)
}

// Backend returns the underlying cache-device backend, for callers
// that need to read segment headers from the same device.
func (s *Store) Backend() Backend { return s.backend }

// Save encodes and writes sb. Called at startup, at format time, and
// periodically thereafter per update_sb_record_interval.
func (s *Store) Save(sb Superblock) error {
	buf := make([]byte, s.sectorSize)
	copy(buf, encode(sb))
	_, err := s.backend.WriteAt(buf, s.baseSector*int64(s.sectorSize))
	return err
}

// Resume loads the superblock (formatting fresh if absent) and replays
// every segment header on the cache device into log, bringing the
// in-memory hash index and segment ring back to their pre-crash state.
// It returns the (possibly freshly created) superblock.
func Resume(store *Store, log *seglog.Log, sectorSize int64) (Superblock, error) {
	sb, err := store.Load()
	if errors.Is(err, ErrNotFormatted) {
		sb = Fresh()
		if werr := store.Save(sb); werr != nil {
			return Superblock{}, werr
		}
		log.Bootstrap()
		return sb, nil
	}
	if err != nil {
		return Superblock{}, err
	}

	log.SetLastWritebackID(sb.LastWritebackID)

	headerSize := log.HeaderSize()
	buf := make([]byte, headerSize)
	backend := store.Backend()
	for idx := 0; idx < log.NRSegments(); idx++ {
		seg := log.SegmentByIdx(idx)
		off := seg.StartSector * sectorSize
		if _, err := backend.ReadAt(buf, off); err != nil {
			return Superblock{}, err
		}
		log.ReplayHeader(idx, buf)
	}
	log.SetCurrentAfterReplay()
	return sb, nil
}
