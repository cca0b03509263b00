package bufpool

import "testing"

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(4, 16)
	if p.Capacity() != 4 {
		t.Fatalf("capacity: got %d, want 4", p.Capacity())
	}

	var got []SlotIndex
	for i := 0; i < 4; i++ {
		idx, ok := p.AcquireFree()
		if !ok {
			t.Fatalf("acquire %d: exhausted early", i)
		}
		got = append(got, idx)
	}

	if _, ok := p.AcquireFree(); ok {
		t.Fatal("acquire succeeded past capacity")
	}

	for _, idx := range got {
		p.Release(idx)
	}

	free, inFlight := p.Stats()
	if free != 4 || inFlight != 0 {
		t.Fatalf("stats after release: free=%d inFlight=%d, want 4/0", free, inFlight)
	}
}

func TestPushRecvFilled(t *testing.T) {
	p := New(2, 8)
	idx, _ := p.AcquireFree()
	copy(p.Buffer(idx), []byte("hi"))
	p.PushFilled(idx)

	got := p.RecvFilled()
	if got != idx {
		t.Fatalf("recv: got %d, want %d", got, idx)
	}
	if string(p.Buffer(got)[:2]) != "hi" {
		t.Fatalf("buffer contents lost across hand-off")
	}
	p.Release(got)
}

func TestPushFilledDropsOldestWhenFull(t *testing.T) {
	p := New(2, 4)
	a, _ := p.AcquireFree()
	b, _ := p.AcquireFree()
	p.PushFilled(a)
	p.PushFilled(b) // queue (cap 2) now full with [a, b]

	c, ok := p.AcquireFree()
	if ok {
		t.Fatal("expected pool exhaustion: both slots are in-flight")
	}
	_ = c

	// With both slots in flight the pool invariant (free+inFlight==capacity)
	// still holds.
	free, inFlight := p.Stats()
	if free+inFlight != p.Capacity() {
		t.Fatalf("invariant broken: free=%d inFlight=%d capacity=%d", free, inFlight, p.Capacity())
	}

	// The filled queue is as long as the slab, so a full queue needs a pool
	// with a shorter queue: pushing a third slot onto a full queue of two
	// must evict the oldest (x) back to the free stack rather than block.
	q := New(3, 4)
	q.filled = make(chan SlotIndex, 2)
	x, _ := q.AcquireFree()
	y, _ := q.AcquireFree()
	z, _ := q.AcquireFree()
	q.PushFilled(x)
	q.PushFilled(y)
	q.PushFilled(z)
	if free, inFlight := q.Stats(); free != 1 || inFlight != 2 {
		t.Fatalf("after overflow push: free=%d inFlight=%d, want 1/2", free, inFlight)
	}
	if got := q.RecvFilled(); got != y {
		t.Fatalf("first filled after overflow: got %d, want %d", got, y)
	}
	if got := q.RecvFilled(); got != z {
		t.Fatalf("second filled after overflow: got %d, want %d", got, z)
	}
}
