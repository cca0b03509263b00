// Package client implements the receiver side of RemoteMic (§4.5): a TCP
// control connection that performs the handshake/heartbeat exchange, a UDP
// multicast listener that feeds decoded frames into the adaptive jitter
// buffer, and a release goroutine that drains ready audio to a
// PlaybackSink. State transitions and the atomic-counter metrics style
// are grounded on the teacher's Transport (client/transport.go):
// Connect/StartReceiving/pingLoop map to Connect/receiveLoop/heartbeatLoop
// here, generalized from WebTransport datagrams + Opus decode to the
// spec's plain UDP multicast + PCM frames.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"remotemic/internal/audio"
	"remotemic/internal/control"
	"remotemic/internal/frame"
	"remotemic/internal/jitter"
)

// State is the client's connection lifecycle (§3 Session/Client states).
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateJoined
	StateRunning
	StateDraining
	StateGone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateJoined:
		return "Joined"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateGone:
		return "Gone"
	default:
		return "Unknown"
	}
}

// GoneReason names why a Running client transitioned to Gone (§4.5 end
// states: Disconnect, Timeout, ServerStop).
type GoneReason string

const (
	GoneDisconnect GoneReason = "Disconnect"
	GoneTimeout    GoneReason = "Timeout"
	GoneServerStop GoneReason = "ServerStop"
)

// Config bundles what a client needs to join a RemoteMic sender.
type Config struct {
	ControlAddr string // e.g. "192.168.1.10:7890"
	PSK         []byte // nil if the server is unencrypted
}

// Client owns the control connection, the UDP receiver, and the jitter
// pipeline feeding an audio.Playback sink.
type Client struct {
	cfg Config

	state atomic.Int32

	mu         sync.Mutex
	sessionKey string
	sampleRate uint32
	channels   uint8
	fmtCode    uint8
	salt       *[8]byte
	key        []byte

	conn    net.Conn
	udpConn *net.UDPConn
	jb      *jitter.State
	onGone  func(GoneReason)
	cancel  context.CancelFunc

	levelMu sync.Mutex
	rms     float64
	peak    float64
}

// New creates a Client in the Idle state.
func New(cfg Config) *Client {
	c := &Client{cfg: cfg, jb: jitter.New()}
	c.state.Store(int32(StateIdle))
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// SetOnGone registers a callback invoked once when the client reaches the
// Gone state, mirroring the teacher's SetOnDisconnected hook.
func (c *Client) SetOnGone(fn func(GoneReason)) { c.onGone = fn }

// Connect dials the control address, performs the handshake, joins the
// multicast group, and starts the heartbeat and UDP receive goroutines. It
// returns once the handshake completes; the caller runs Releaser itself.
func (c *Client) Connect(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))

	conn, err := net.Dial("tcp", c.cfg.ControlAddr)
	if err != nil {
		c.state.Store(int32(StateGone))
		return fmt.Errorf("dial control: %w", err)
	}
	c.conn = conn

	c.state.Store(int32(StateHandshaking))
	reader := bufio.NewScanner(conn)
	if !reader.Scan() {
		conn.Close()
		c.state.Store(int32(StateGone))
		return errors.New("control: connection closed before handshake")
	}
	hs, err := control.ParseHandshake(reader.Text())
	if err != nil {
		conn.Close()
		c.state.Store(int32(StateGone))
		return err
	}

	c.mu.Lock()
	c.sessionKey = hs.SessionKey
	c.sampleRate = hs.SampleRate
	c.channels = hs.Channels
	c.fmtCode = hs.FmtCode
	c.salt = hs.Salt
	if hs.Salt != nil && len(c.cfg.PSK) > 0 {
		c.key = frame.DeriveKey(c.cfg.PSK, *hs.Salt)
	}
	c.mu.Unlock()

	udpConn, err := joinMulticast(hs.McastIP, hs.McastPort)
	if err != nil {
		conn.Close()
		c.state.Store(int32(StateGone))
		return fmt.Errorf("join multicast: %w", err)
	}
	c.udpConn = udpConn

	c.state.Store(int32(StateJoined))

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.heartbeatLoop(runCtx, reader)
	go c.receiveLoop(runCtx)

	c.state.Store(int32(StateRunning))
	return nil
}

// Disconnect sends DISCONNECT and tears the session down client-side
// (§4.5 "Explicit disconnect").
func (c *Client) Disconnect() {
	c.state.Store(int32(StateDraining))
	if c.conn != nil {
		fmt.Fprintln(c.conn, control.VerbDisconnect)
	}
	c.teardown(GoneDisconnect)
}

func (c *Client) teardown(reason GoneReason) {
	if State(c.state.Swap(int32(StateGone))) == StateGone {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.udpConn != nil {
		c.udpConn.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.onGone != nil {
		c.onGone(reason)
	}
}

// heartbeatLoop sends HEART every 1s and watches for SERVER_STOP, BYE, or a
// 5s silence from the server (§5), matching the teacher's pingLoop
// (client/transport.go) generalized from JSON ping/pong to the line
// protocol's HEART/OK exchange.
func (c *Client) heartbeatLoop(ctx context.Context, reader *bufio.Scanner) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastOK := time.Now()
	lineCh := make(chan string)
	go func() {
		for reader.Scan() {
			lineCh <- reader.Text()
		}
		close(lineCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			key := c.sessionKey
			c.mu.Unlock()
			fmt.Fprintln(c.conn, control.EncodeHeartbeat(key))
			if time.Since(lastOK) > 5*time.Second {
				log.Printf("[client] heartbeat timeout")
				c.teardown(GoneTimeout)
				return
			}
		case line, ok := <-lineCh:
			if !ok {
				c.teardown(GoneServerStop)
				return
			}
			switch {
			case control.IsOK(line):
				lastOK = time.Now()
			case control.IsServerStop(line), control.IsBye(line):
				c.teardown(GoneServerStop)
				return
			}
		}
	}
}

// receiveLoop reads UDP datagrams, decodes/decrypts them, and inserts the
// result into the jitter buffer (§4.5.1).
func (c *Client) receiveLoop(ctx context.Context) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = c.udpConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := c.udpConn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		c.mu.Lock()
		salt, key := c.salt, c.key
		c.mu.Unlock()

		if salt != nil && key == nil {
			// Encryption is active but we have no key to open it (e.g. no
			// PSK configured): drop the frame and leave enc_status at
			// Plain rather than guess (§4.5.1 step 3).
			continue
		}

		var h frame.Header
		var payload []byte
		if salt != nil && key != nil {
			h, payload, err = frame.Decode(buf[:n], *salt, key)
			if err != nil {
				c.jb.RecordDecryptFail()
				continue
			}
			c.jb.RecordDecryptOK()
		} else {
			var zsalt [8]byte
			h, payload, err = frame.Decode(buf[:n], zsalt, nil)
			if err != nil {
				continue
			}
		}

		pcm, ok := audio.ToFloat32(payload, audio.Format(h.Fmt))
		if !ok {
			continue
		}
		if h.Ch > 1 {
			pcm = audio.DownmixMono(pcm, int(h.Ch))
		}

		seqExt := c.jb.ExtendSeq(h.Seq)
		c.jb.Insert(seqExt, h.TsNs, time.Now(), pcm)
	}
}

// Releaser drains ready frames from the jitter buffer into sink's input
// queue. Run as its own goroutine by the caller (cmd/remotemic-client),
// mirroring the teacher's playback loop pulling from a TaggedAudio channel.
func (c *Client) Releaser(ctx context.Context, sink *audio.Playback) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for c.jb.Ready() {
				e := c.jb.Release()
				c.recordLevels(e.DecodedPCM)
				select {
				case sink.In <- e.DecodedPCM:
				default:
				}
			}
		}
	}
}

// recordLevels computes the RMS of a released batch and folds it into the
// decayed running peak (§4.5.5), guarded by levelMu since AudioLevels reads
// concurrently from the metrics publisher goroutine.
func (c *Client) recordLevels(pcm []float32) {
	rms := audio.RMS(pcm)
	c.levelMu.Lock()
	c.rms = rms
	c.peak = audio.PeakDecay(c.peak, rms)
	c.levelMu.Unlock()
}

// AudioLevels returns the most recently computed RMS and decayed peak level.
func (c *Client) AudioLevels() (rms, peak float64) {
	c.levelMu.Lock()
	defer c.levelMu.Unlock()
	return c.rms, c.peak
}

// RecordUnderrun increments the jitter pipeline's underrun counter. Wired
// to the playback sink's Underruns callback so §4.5.5's zero-fill path is
// actually counted instead of silently discarded.
func (c *Client) RecordUnderrun() { c.jb.RecordUnderrun() }

// Snapshot returns the current jitter-pipeline metrics snapshot (§4.5.6).
func (c *Client) Snapshot() jitter.Snapshot { return c.jb.Snapshot() }

func joinMulticast(ip net.IP, port uint16) (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: ip, Port: int(port)}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	conn.SetReadBuffer(1 << 20)
	return conn, nil
}
