package server

import "sync/atomic"

// sendHealth tracks consecutive multicast send failures and implements a
// lightweight circuit breaker, grounded on the teacher's per-client
// sendHealth (server/client.go): once failures cross the threshold, sends
// are skipped except for periodic probes, so a prolonged outage (e.g. no
// route to the multicast group) doesn't waste a sendto call on every frame.
// This differs from the teacher's per-client breaker only in scope — the
// multicast loop has one socket, not one per receiver, so there is a single
// shared breaker rather than one per session.
type sendHealth struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

const (
	sendBreakerThreshold     uint32 = 50
	sendBreakerProbeInterval uint32 = 25
)

// shouldSkip reports whether the current send should be skipped because the
// breaker is open and it isn't yet time for a probe attempt.
func (h *sendHealth) shouldSkip() bool {
	if h.failures.Load() < sendBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%sendBreakerProbeInterval != 0
}

// recordFailure increments the consecutive-failure counter and reports
// whether this failure just tripped the breaker open.
func (h *sendHealth) recordFailure() (justTripped bool) {
	n := h.failures.Add(1)
	return n == sendBreakerThreshold
}

// recordSuccess resets the counters and reports whether the breaker had been
// open (i.e. this success was a recovering probe).
func (h *sendHealth) recordSuccess() (wasTripped bool) {
	wasTripped = h.failures.Swap(0) >= sendBreakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}
