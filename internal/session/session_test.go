package session

import (
	"testing"
	"time"
)

func TestCreateLookupRemove(t *testing.T) {
	tbl := NewTable()
	s := tbl.Create(48000, 2, 0, [4]byte{239, 1, 2, 3}, 45555, nil)
	if len(s.Key) != 16 {
		t.Fatalf("session key length: got %d, want 16", len(s.Key))
	}
	if tbl.Lookup(s.Key) != s {
		t.Fatal("lookup did not return the created session")
	}
	tbl.Remove(s.Key)
	if tbl.Lookup(s.Key) != nil {
		t.Fatal("session still present after Remove")
	}
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	tbl := NewTable()
	s := tbl.Create(48000, 1, 0, [4]byte{239, 0, 0, 1}, 9000, nil)

	start := time.Now()
	for elapsed := time.Duration(0); elapsed < 10*time.Second; elapsed += time.Second {
		now := start.Add(elapsed)
		s.Touch(now)
		if expired := tbl.EvictExpired(now); len(expired) != 0 {
			t.Fatalf("session evicted at t=%v despite 1s heartbeats", elapsed)
		}
	}
}

func TestHeartbeatTimeoutBoundary(t *testing.T) {
	tbl := NewTable()
	s := tbl.Create(48000, 1, 0, [4]byte{239, 0, 0, 1}, 9000, nil)
	start := time.Now()
	s.Touch(start)

	if s.Expired(start.Add(4900 * time.Millisecond)) {
		t.Fatal("session expired at 4.9s, should not have")
	}
	if !s.Expired(start.Add(5100 * time.Millisecond)) {
		t.Fatal("session should be expired at 5.1s")
	}
}

func TestEvictExpiredRemovesOnlyStale(t *testing.T) {
	tbl := NewTable()
	fresh := tbl.Create(48000, 1, 0, [4]byte{239, 0, 0, 1}, 9000, nil)
	stale := tbl.Create(48000, 1, 0, [4]byte{239, 0, 0, 2}, 9001, nil)

	now := time.Now()
	fresh.Touch(now)
	stale.Touch(now.Add(-6 * time.Second))

	expired := tbl.EvictExpired(now)
	if len(expired) != 1 || expired[0] != stale {
		t.Fatalf("expected only the stale session to be evicted, got %d", len(expired))
	}
	if tbl.Lookup(fresh.Key) == nil {
		t.Fatal("fresh session was incorrectly evicted")
	}
	if tbl.Lookup(stale.Key) != nil {
		t.Fatal("stale session was not removed from the table")
	}
}

func TestSaltOptional(t *testing.T) {
	tbl := NewTable()
	s := tbl.Create(48000, 1, 0, [4]byte{239, 0, 0, 1}, 9000, nil)
	if s.HasSalt {
		t.Fatal("session without PSK should not carry a salt")
	}
	salt := NewSalt()
	s2 := tbl.Create(48000, 1, 0, [4]byte{239, 0, 0, 1}, 9000, &salt)
	if !s2.HasSalt || s2.Salt != salt {
		t.Fatal("session salt not recorded correctly")
	}
}
