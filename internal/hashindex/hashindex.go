// Package hashindex implements the chained hash map from backing-sector
// key to metablock identity. Chain membership is represented as an
// intrusive doubly linked list over dense metablock indices rather
// than pointers stored on the metablock itself, so the index owns all
// chain-mutation state and the metablock package stays free of any
// knowledge of hashing.
package hashindex

import (
	"github.com/dchest/siphash"
	"github.com/wbcache/wbcache/internal/mblock"
)

const none = -1

// Index is a fixed-size array of bucket chains plus one "null head"
// chain holding every detached metablock: the sentinel null head
// represents "detached from any bucket".
//
// All operations assume the caller holds whatever external lock
// serializes index mutation (io_lock); Index itself is not internally
// synchronized.
type Index struct {
	mbs       []*mblock.MB
	heads     []int // bucket index -> head MB idx, none if empty
	next      []int // MB idx -> next MB idx in its chain, none if tail
	prev      []int // MB idx -> prev MB idx in its chain, none if head
	chainOf   []int // MB idx -> bucket index it's linked into, or nullChain
	nullHead  int
	k0, k1    uint64
}

const nullChain = -1

// New builds an index over mbs with htsize buckets. Every MB starts
// detached (on the null head), matching the state the allocator leaves
// them in before resume() replays any segment headers.
func New(mbs []*mblock.MB, htsize int) *Index {
	if htsize <= 0 {
		htsize = 1
	}
	n := len(mbs)
	idx := &Index{
		mbs:      mbs,
		heads:    make([]int, htsize),
		next:     make([]int, n),
		prev:     make([]int, n),
		chainOf:  make([]int, n),
		nullHead: none,
		k0:       0x6c62272e07bb0142,
		k1:       0x62b821756295c58d,
	}
	for i := range idx.heads {
		idx.heads[i] = none
	}
	for i := 0; i < n; i++ {
		idx.next[i] = none
		idx.prev[i] = none
		idx.chainOf[i] = nullChain
		idx.linkFront(&idx.nullHead, i)
	}
	return idx
}

// HTSize returns the number of buckets.
func (x *Index) HTSize() int { return len(x.heads) }

// Head computes the deterministic bucket for key.
func (x *Index) Head(key int64) int {
	h := siphash.Hash(x.k0, x.k1, uint64ToBytes(uint64(key)))
	return int(h % uint64(len(x.heads)))
}

func uint64ToBytes(v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b[:]
}

// Lookup returns the MB registered under key in bucket head, or nil.
func (x *Index) Lookup(head int, key int64) *mblock.MB {
	for i := x.heads[head]; i != none; i = x.next[i] {
		if x.mbs[i].KeySector == key {
			return x.mbs[i]
		}
	}
	return nil
}

// Register detaches mb from wherever it currently sits, sets its key,
// and links it into bucket head. Callers must first invalidate any
// prior occupant of that key via Delete — Register
// always overwrites without checking for a collision.
func (x *Index) Register(head int, mb *mblock.MB, key int64) {
	x.unlink(mb.Idx)
	mb.KeySector = key
	x.linkFrontBucket(head, mb.Idx)
}

// Delete detaches mb from its bucket and relinks it to the null head.
func (x *Index) Delete(mb *mblock.MB) {
	x.unlink(mb.Idx)
	x.linkFront(&x.nullHead, mb.Idx)
	x.chainOf[mb.Idx] = nullChain
}

// IsRegistered reports whether mb currently sits in a bucket chain
// (as opposed to the null head).
func (x *Index) IsRegistered(mb *mblock.MB) bool {
	return x.chainOf[mb.Idx] != nullChain
}

func (x *Index) unlink(i int) {
	p, n := x.prev[i], x.next[i]
	if p != none {
		x.next[p] = n
	} else {
		// i was a chain head; fix whichever head list it belonged to.
		if c := x.chainOf[i]; c != nullChain {
			x.heads[c] = n
		} else {
			x.nullHead = n
		}
	}
	if n != none {
		x.prev[n] = p
	}
	x.prev[i] = none
	x.next[i] = none
}

func (x *Index) linkFrontBucket(head, i int) {
	old := x.heads[head]
	x.next[i] = old
	x.prev[i] = none
	if old != none {
		x.prev[old] = i
	}
	x.heads[head] = i
	x.chainOf[i] = head
}

func (x *Index) linkFront(head *int, i int) {
	old := *head
	x.next[i] = old
	x.prev[i] = none
	if old != none {
		x.prev[old] = i
	}
	*head = i
}
