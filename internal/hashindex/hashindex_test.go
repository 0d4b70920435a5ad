package hashindex

import (
	"testing"

	"github.com/wbcache/wbcache/internal/mblock"
)

func newTestIndex(n int) (*Index, []*mblock.MB) {
	mbs := make([]*mblock.MB, n)
	for i := range mbs {
		mbs[i] = mblock.New(i)
	}
	return New(mbs, 7), mbs
}

func TestRegisterAndLookup(t *testing.T) {
	idx, mbs := newTestIndex(4)

	key := int64(800)
	head := idx.Head(key)
	if mb := idx.Lookup(head, key); mb != nil {
		t.Fatalf("expected miss before registration, got %v", mb)
	}

	idx.Register(head, mbs[0], key)
	if mb := idx.Lookup(head, key); mb != mbs[0] {
		t.Fatalf("expected mbs[0], got %v", mb)
	}
	if !idx.IsRegistered(mbs[0]) {
		t.Fatal("expected mb to be registered")
	}
}

func TestRegisterOverwritesPriorKey(t *testing.T) {
	idx, mbs := newTestIndex(4)
	head := idx.Head(8)
	idx.Register(head, mbs[0], 8)
	idx.Register(head, mbs[0], 16)

	if mb := idx.Lookup(head, 8); mb != nil {
		t.Fatal("expected old key to be gone once overwritten")
	}
	head16 := idx.Head(16)
	if mb := idx.Lookup(head16, 16); mb != mbs[0] {
		t.Fatal("expected mb registered under new key")
	}
}

func TestDeleteDetaches(t *testing.T) {
	idx, mbs := newTestIndex(4)
	key := int64(24)
	head := idx.Head(key)
	idx.Register(head, mbs[1], key)
	idx.Delete(mbs[1])

	if idx.IsRegistered(mbs[1]) {
		t.Fatal("expected mb to be detached after delete")
	}
	if mb := idx.Lookup(head, key); mb != nil {
		t.Fatal("expected miss after delete")
	}
}

func TestChainOfMultipleKeysInSameBucket(t *testing.T) {
	idx, mbs := newTestIndex(3)
	idx.heads = make([]int, 1) // force a single bucket to exercise chaining
	idx.heads[0] = none

	idx.Register(0, mbs[0], 1)
	idx.Register(0, mbs[1], 2)
	idx.Register(0, mbs[2], 3)

	if mb := idx.Lookup(0, 1); mb != mbs[0] {
		t.Fatalf("expected mbs[0] for key 1, got %v", mb)
	}
	if mb := idx.Lookup(0, 2); mb != mbs[1] {
		t.Fatalf("expected mbs[1] for key 2, got %v", mb)
	}
	if mb := idx.Lookup(0, 3); mb != mbs[2] {
		t.Fatalf("expected mbs[2] for key 3, got %v", mb)
	}

	idx.Delete(mbs[1])
	if mb := idx.Lookup(0, 2); mb != nil {
		t.Fatal("expected key 2 gone after delete")
	}
	if mb := idx.Lookup(0, 1); mb != mbs[0] {
		t.Fatal("expected key 1 to survive deletion of a different chain member")
	}
	if mb := idx.Lookup(0, 3); mb != mbs[2] {
		t.Fatal("expected key 3 to survive deletion of a different chain member")
	}
}
