// Package jitter implements the client-side adaptive jitter buffer: a
// reorder min-heap keyed by server timestamp, EWMA jitter estimation, and
// dynamic target/max buffer sizing with late-frame dropping.
//
// Unlike a fixed-depth ring buffer indexed by sequence number, entries here
// are ordered by ts_ns and released once the buffer has accumulated enough
// span to absorb the estimated reordering/jitter window.
package jitter

import (
	"container/heap"
	"time"
)

// Entry is one decoded frame waiting for release, ordered by TsNs.
type Entry struct {
	SeqExt     uint64
	TsNs       uint64
	DecodedPCM []float32
}

// entryHeap is a container/heap min-heap over Entry.TsNs.
type entryHeap []Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].TsNs < h[j].TsNs }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Clamp bounds, per spec §4.5.2 / §8.5.
const (
	MinReorderDelay = 5 * time.Millisecond
	MaxReorderDelay = 40 * time.Millisecond
	MinTargetBuffer = 10 * time.Millisecond
	MaxTargetBuffer = 40 * time.Millisecond
	MaxMaxBuffer    = 100 * time.Millisecond
)

// TargetBufferFunc computes target_buffer_ns from the current jitter
// estimate (in nanoseconds). Exposed as a package variable so the rule
// (underspecified in source docs — see spec §9) stays configurable.
var TargetBufferFunc = func(jitterNs uint64) uint64 {
	target := uint64(MinTargetBuffer) + (jitterNs*3)/2 // 10ms + 1.5*jitter
	return clampU64(target, uint64(MinTargetBuffer), uint64(MaxTargetBuffer))
}

// State is the adaptive control-loop state owned exclusively by the
// Receiver goroutine (§5: "mutated only by Receiver; read via atomics for
// scalar counters"). Counters exposed via Snapshot for the metrics
// publisher.
type State struct {
	baseServerTs      uint64
	haveBase          bool
	baseClientInstant time.Time
	offsetNs          int64

	jitterNs       uint64
	lastTransitNs  int64
	avgLatencyNs   uint64
	reorderDelayNs uint64
	targetBufferNs uint64
	maxBufferNs    uint64
	newestTsNs     uint64

	seqHigh uint32
	lastSeq uint32
	haveSeq bool

	lastSeqExtVal uint64
	haveTransit   bool

	received   uint64
	lost       uint64
	lateDrop   uint64
	decryptErr uint64
	underruns  uint64

	encStatus int32 // Plain=0, Ok=1, Failed=-1

	heap entryHeap
	seen map[uint64]struct{}
}

// New returns a fresh State with the heap initialized and defaults applied.
func New() *State {
	s := &State{
		reorderDelayNs: uint64(MinReorderDelay),
		targetBufferNs: uint64(MinTargetBuffer),
		maxBufferNs:    uint64(MinTargetBuffer) * 2,
		seen:           make(map[uint64]struct{}),
	}
	heap.Init(&s.heap)
	return s
}

// ExtendSeq extends a wrapping u32 sequence number to a monotonically
// increasing u64 using seqHigh, incrementing seqHigh when a wrap is
// detected (new seq drops below the last one by more than 2^31).
func (s *State) ExtendSeq(seq uint32) uint64 {
	if s.haveSeq {
		if seq < s.lastSeq && s.lastSeq-seq > 1<<31 {
			s.seqHigh++
		}
	} else {
		s.haveSeq = true
	}
	s.lastSeq = seq
	return uint64(s.seqHigh)<<32 | uint64(seq)
}

// Insert implements §4.5.1 steps 5-10 and §4.5.4 (late drop): establishes
// the base instant on the first accepted frame, updates the EWMA jitter
// estimate and loss counter, then inserts into the reorder heap unless the
// frame is a duplicate or arrives too late.
func (s *State) Insert(seqExt uint64, tsNs uint64, now time.Time, pcm []float32) {
	if !s.haveBase {
		s.baseServerTs = tsNs
		s.baseClientInstant = now
		s.offsetNs = 0
		s.haveBase = true
	}

	serverRel := int64(tsNs - s.baseServerTs)
	arrivalRel := now.Sub(s.baseClientInstant).Nanoseconds()
	transit := arrivalRel - serverRel - s.offsetNs

	if s.haveTransit {
		d := transit - s.lastTransitNs
		if d < 0 {
			d = -d
		}
		// jitter += (D - jitter) / 16
		jf := int64(s.jitterNs)
		jf += (d - jf) / 16
		if jf < 0 {
			jf = 0
		}
		s.jitterNs = uint64(jf)
	}
	s.lastTransitNs = transit
	s.haveTransit = true

	// avg_latency_ns: same EWMA smoothing as jitter, applied to the transit
	// magnitude itself rather than its delta, so §4.5.6's published
	// avg_latency_ns tracks one-way delay instead of just its variance.
	absTransit := transit
	if absTransit < 0 {
		absTransit = -absTransit
	}
	lf := int64(s.avgLatencyNs)
	lf += (absTransit - lf) / 16
	if lf < 0 {
		lf = 0
	}
	s.avgLatencyNs = uint64(lf)

	if tsNs > s.newestTsNs {
		s.newestTsNs = tsNs
	}

	if s.received > 0 {
		if diff := int64(seqExt) - int64(s.lastSeqExt()) - 1; diff > 0 {
			s.lost += uint64(diff)
		}
	}
	s.received++
	s.lastSeqExtSet(seqExt)

	s.adjustTargets()

	if _, dup := s.seen[seqExt]; dup {
		return
	}

	// Late drop (§4.5.4): ts + 2*reorder_delay < newest_ts.
	if tsNs+2*s.reorderDelayNs < s.newestTsNs {
		s.lateDrop++
		return
	}

	s.seen[seqExt] = struct{}{}
	heap.Push(&s.heap, Entry{SeqExt: seqExt, TsNs: tsNs, DecodedPCM: pcm})
}

// lastSeqExt/lastSeqExtSet track the last inserted extended sequence number
// for gap-based loss accounting, distinct from ExtendSeq's wrap tracking
// (which operates on the raw u32 before the caller decrypts/decodes).
func (s *State) lastSeqExt() uint64 { return s.lastSeqExtVal }

func (s *State) lastSeqExtSet(v uint64) { s.lastSeqExtVal = v }

// adjustTargets recomputes reorder_delay_ns, target_buffer_ns, and
// max_buffer_ns from the current jitter estimate, per §4.5.2.
func (s *State) adjustTargets() {
	rd := uint64(2.5 * float64(s.jitterNs))
	if rd < uint64(MinReorderDelay) {
		rd = uint64(MinReorderDelay)
	}
	s.reorderDelayNs = clampU64(rd, uint64(MinReorderDelay), uint64(MaxReorderDelay))

	s.targetBufferNs = TargetBufferFunc(s.jitterNs)

	maxB := 2 * s.targetBufferNs
	if maxB > uint64(MaxMaxBuffer) {
		maxB = uint64(MaxMaxBuffer)
	}
	s.maxBufferNs = maxB
}

// Ready reports whether the heap-top entry should be released, per §4.5.3.
func (s *State) Ready() bool {
	if s.heap.Len() == 0 {
		return false
	}
	top := s.heap[0]
	span := s.newestTsNs - top.TsNs

	if span > s.maxBufferNs {
		return true // overflow: force-release the earliest
	}
	if top.TsNs+s.reorderDelayNs <= s.newestTsNs && span >= s.targetBufferNs {
		return true
	}
	return false
}

// Release pops and returns the heap-top entry. Callers must check Ready
// first.
func (s *State) Release() Entry {
	e := heap.Pop(&s.heap).(Entry)
	delete(s.seen, e.SeqExt)
	return e
}

// BufferedSpan returns newest_ts - heap_top.ts_ns, or 0 if the heap is empty.
func (s *State) BufferedSpan() uint64 {
	if s.heap.Len() == 0 {
		return 0
	}
	return s.newestTsNs - s.heap[0].TsNs
}

// Len returns the number of entries currently queued for release.
func (s *State) Len() int { return s.heap.Len() }

// RecordDecryptFail increments decrypt_fail and, unless enc_status is
// already Failed, transitions it to Failed.
func (s *State) RecordDecryptFail() {
	s.decryptErr++
	s.encStatus = EncFailed
}

// RecordDecryptOK transitions enc_status to Ok (restoring it after a prior
// failure, per spec §8 scenario 5).
func (s *State) RecordDecryptOK() {
	s.encStatus = EncOk
}

// RecordUnderrun increments the underrun counter.
func (s *State) RecordUnderrun() { s.underruns++ }

// Encryption status values.
const (
	EncPlain  int32 = 0
	EncOk     int32 = 1
	EncFailed int32 = -1
)

// Snapshot is an immutable copy of the scalar state suitable for the
// metrics publisher to read without racing the Receiver.
type Snapshot struct {
	AvgLatencyNs   uint64
	JitterNs       uint64
	ReorderDelayNs uint64
	TargetBufferNs uint64
	MaxBufferNs    uint64
	BufferedNs     uint64
	Received       uint64
	Lost           uint64
	LateDrop       uint64
	DecryptFail    uint64
	Underruns      uint64
	EncStatus      int32
}

// LossRate returns lost / max(1, received+lost), per §4.5.6.
func (sn Snapshot) LossRate() float64 {
	denom := sn.Received + sn.Lost
	if denom == 0 {
		denom = 1
	}
	return float64(sn.Lost) / float64(denom)
}

// Snapshot returns a copy of the current counters and buffer parameters.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		AvgLatencyNs:   s.avgLatencyNs,
		JitterNs:       s.jitterNs,
		ReorderDelayNs: s.reorderDelayNs,
		TargetBufferNs: s.targetBufferNs,
		MaxBufferNs:    s.maxBufferNs,
		BufferedNs:     s.BufferedSpan(),
		Received:       s.received,
		Lost:           s.lost,
		LateDrop:       s.lateDrop,
		DecryptFail:    s.decryptErr,
		Underruns:      s.underruns,
		EncStatus:      s.encStatus,
	}
}

func clampU64(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
