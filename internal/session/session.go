// Package session implements the Session data model (§3) and the
// server-side session table keyed by session_key, generalizing the
// teacher's mutex-protected client map (server/room.go's Room.clients)
// from a uint16-ID voice-chat roster to a 16-char-key multicast session
// registry with heartbeat-timeout eviction.
package session

import (
	"crypto/rand"
	"sync"
	"time"
)

// HeartbeatTimeout is the interval after which a session with no heartbeat
// is evicted (§3, §5).
const HeartbeatTimeout = 5 * time.Second

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewSessionKey returns a fresh 16-character alphanumeric session key.
func NewSessionKey() string {
	return randomAlnum(16)
}

// NewSalt returns 8 random bytes for AEAD nonce construction.
func NewSalt() [8]byte {
	var salt [8]byte
	_, _ = rand.Read(salt[:])
	return salt
}

func randomAlnum(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	out := make([]byte, n)
	for i, v := range b {
		out[i] = keyAlphabet[int(v)%len(keyAlphabet)]
	}
	return string(out)
}

// Session is a single client's server-side control-channel state.
type Session struct {
	Key        string
	SampleRate uint32
	Channels   uint8
	FmtCode    uint8
	McastIP    [4]byte
	McastPort  uint16
	HasSalt    bool
	Salt       [8]byte

	mu              sync.Mutex
	lastHeartbeatAt time.Time
}

// Touch records a fresh heartbeat arrival.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeatAt = now
	s.mu.Unlock()
}

// Expired reports whether the session's last heartbeat is older than
// HeartbeatTimeout as of now.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	last := s.lastHeartbeatAt
	s.mu.Unlock()
	return now.Sub(last) > HeartbeatTimeout
}

// Table is the mutex-protected session registry keyed by session_key.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewTable returns an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Create generates a new session key (retrying on collision), registers a
// Session, and returns it.
func (t *Table) Create(sampleRate uint32, channels, fmtCode uint8, mcastIP [4]byte, mcastPort uint16, salt *[8]byte) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var key string
	for {
		key = NewSessionKey()
		if _, exists := t.sessions[key]; !exists {
			break
		}
	}

	s := &Session{
		Key:             key,
		SampleRate:      sampleRate,
		Channels:        channels,
		FmtCode:         fmtCode,
		McastIP:         mcastIP,
		McastPort:       mcastPort,
		lastHeartbeatAt: time.Now(),
	}
	if salt != nil {
		s.HasSalt = true
		s.Salt = *salt
	}
	t.sessions[key] = s
	return s
}

// Lookup returns the session for key, or nil if not found.
func (t *Table) Lookup(key string) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[key]
}

// Remove deletes the session for key, e.g. on DISCONNECT, SERVER_STOP, or
// TCP close.
func (t *Table) Remove(key string) {
	t.mu.Lock()
	delete(t.sessions, key)
	t.mu.Unlock()
}

// EvictExpired removes and returns every session whose heartbeat has timed
// out as of now.
func (t *Table) EvictExpired(now time.Time) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*Session
	for key, s := range t.sessions {
		if s.Expired(now) {
			expired = append(expired, s)
			delete(t.sessions, key)
		}
	}
	return expired
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
