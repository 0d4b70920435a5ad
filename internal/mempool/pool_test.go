package mempool

import "testing"

func TestPoolExhaustion(t *testing.T) {
	p := New(512, 2)

	a, err := p.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := p.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.Get(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	p.Put(a)
	c, err := p.Get()
	if err != nil {
		t.Fatalf("unexpected error after Put: %v", err)
	}
	if len(c) != 512 {
		t.Fatalf("expected buffer of 512 bytes, got %d", len(c))
	}
	p.Put(b)
	p.Put(c)
}

func TestPoolGetIsZeroed(t *testing.T) {
	p := New(16, 1)
	buf, err := p.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	copy(buf, "not zero values!")
	p.Put(buf)

	buf2, err := p.Get()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, b := range buf2 {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %v", i, b)
		}
	}
}
