// Package bufpool recycles payload buffers between the audio capture path
// and the network send path so neither allocates on the real-time callback.
package bufpool

import "sync"

// SlotIndex identifies one buffer in a Pool.
type SlotIndex int

// Pool is a fixed-size slab of reusable byte buffers. A slot is owned by
// exactly one of: the free stack, the in-flight (filled) queue, or a
// consumer that has received it from recv_filled and not yet released it.
//
// acquire/push/recv/release follow the capture → multicast hand-off: the
// capture callback acquires a free slot, fills it, and pushes it; the
// multicast loop receives a filled slot, reads it, and releases it back to
// the free stack.
type Pool struct {
	buf [][]byte

	mu   sync.Mutex
	free []SlotIndex

	filled chan SlotIndex
}

// New creates a Pool of n buffers, each sized slotBytes.
func New(n, slotBytes int) *Pool {
	p := &Pool{
		buf:    make([][]byte, n),
		free:   make([]SlotIndex, 0, n),
		filled: make(chan SlotIndex, n),
	}
	for i := 0; i < n; i++ {
		p.buf[i] = make([]byte, slotBytes)
		p.free = append(p.free, SlotIndex(i))
	}
	return p
}

// AcquireFree returns a free slot index, or ok=false if the pool is
// exhausted. Non-blocking: the caller (capture path) is expected to drop
// the current sample batch rather than wait, since audio is real-time.
func (p *Pool) AcquireFree() (SlotIndex, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return 0, false
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	return idx, true
}

// Buffer returns the backing byte slice for idx. The caller must own idx
// (i.e. have acquired or received it) before touching the bytes.
func (p *Pool) Buffer(idx SlotIndex) []byte {
	return p.buf[idx]
}

// PushFilled hands ownership of idx to the consumer side via the bounded
// filled-slot queue. If the queue is full (consumer has fallen behind), the
// oldest filled slot is dropped and returned to the free stack so a
// real-time producer never blocks.
func (p *Pool) PushFilled(idx SlotIndex) {
	select {
	case p.filled <- idx:
	default:
		select {
		case old := <-p.filled:
			p.release(old)
		default:
		}
		select {
		case p.filled <- idx:
		default:
			p.release(idx)
		}
	}
}

// RecvFilled blocks until a filled slot is available.
func (p *Pool) RecvFilled() SlotIndex {
	return <-p.filled
}

// TryRecvFilled returns a filled slot without blocking, or ok=false if none
// is ready.
func (p *Pool) TryRecvFilled() (SlotIndex, bool) {
	select {
	case idx := <-p.filled:
		return idx, true
	default:
		return 0, false
	}
}

// Release returns idx to the free stack. Must be called exactly once per
// acquisition (whether the slot was obtained via AcquireFree or received
// via RecvFilled).
func (p *Pool) Release(idx SlotIndex) {
	p.release(idx)
}

func (p *Pool) release(idx SlotIndex) {
	p.mu.Lock()
	p.free = append(p.free, idx)
	p.mu.Unlock()
}

// Stats returns the current count of free and in-flight (filled, not yet
// received) slots. Held-by-consumer slots are neither: they are accounted
// for by the caller's own bookkeeping between RecvFilled and Release.
func (p *Pool) Stats() (free, inFlight int) {
	p.mu.Lock()
	free = len(p.free)
	p.mu.Unlock()
	return free, len(p.filled)
}

// Capacity returns the total number of slots in the pool.
func (p *Pool) Capacity() int {
	return len(p.buf)
}
