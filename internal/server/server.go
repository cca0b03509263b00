// Package server implements the sender side of RemoteMic (§4.4): a TCP
// control listener that hands out sessions and a UDP multicast loop that
// drains captured frames from a buffer pool and fans them out to a
// multicast group, one datagram per frame. The control/data split and the
// context-cancellation shutdown pattern are grounded on the teacher's
// server.go (Run blocks until ctx is canceled, then closes the listener
// and returns).
package server

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"remotemic/internal/bufpool"
	"remotemic/internal/control"
	"remotemic/internal/frame"
	"remotemic/internal/session"
)

// Config bundles the parameters a single RemoteMic sender needs to start
// both the control listener and multicast loop.
type Config struct {
	ControlAddr string // TCP listen address, e.g. ":7890"
	McastIP     net.IP // multicast group, must be in 239.0.0.0/8 (§4)
	McastPort   uint16
	SampleRate  uint32
	Channels    uint8
	FmtCode     uint8
	PSK         []byte // nil disables encryption
	TTL         int    // multicast TTL, 0 keeps the OS default
}

// Server owns the session table, the multicast sender, and the TCP control
// listener.
type Server struct {
	cfg      Config
	sessions *session.Table
	pool     *bufpool.Pool

	mcastConn  *net.UDPConn
	startedAt  time.Time
	seq        uint32
	sendHealth sendHealth
}

// New constructs a Server. pool is the buffer pool the capture producer
// (outside this package, per §6's CaptureSource collaborator) pushes
// filled slots into; the multicast loop drains it.
func New(cfg Config, pool *bufpool.Pool) *Server {
	return &Server{
		cfg:      cfg,
		sessions: session.NewTable(),
		pool:     pool,
	}
}

// Sessions exposes the session table so callers can report session count
// in metrics or admin output.
func (s *Server) Sessions() *session.Table { return s.sessions }

// Run starts the control listener and multicast sender and blocks until ctx
// is canceled, mirroring the teacher's Server.Run shutdown sequencing
// (server/server.go): cancellation closes the listener, which unblocks the
// accept loop, and Run returns. The multicast and eviction goroutines exit
// on their own when they observe ctx; Run does not wait for them.
func (s *Server) Run(ctx context.Context) error {
	mcastConn, err := dialMulticastSend(s.cfg.McastIP, s.cfg.McastPort, s.cfg.TTL)
	if err != nil {
		return fmt.Errorf("open multicast sender: %w", err)
	}
	s.mcastConn = mcastConn
	defer mcastConn.Close()

	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ControlAddr, err)
	}
	defer ln.Close()

	s.startedAt = time.Now()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go s.evictLoop(ctx)
	go s.multicastLoop(ctx)

	log.Printf("[server] control listening on %s, multicast %s:%d", s.cfg.ControlAddr, s.cfg.McastIP, s.cfg.McastPort)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("[server] accept: %v", err)
				continue
			}
		}
		go s.handleControlConn(ctx, conn)
	}
}

// evictLoop expires sessions that missed the 5s heartbeat deadline (§5).
func (s *Server) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range s.sessions.EvictExpired(time.Now()) {
				log.Printf("[server] session %s timed out", sess.Key)
			}
		}
	}
}

// multicastLoop drains the buffer pool's filled queue and emits one
// datagram per frame (§4.4), assigning a monotonically increasing seq and a
// ts_ns relative to server start. Send errors are dropped without a retry
// (§4.4) — there is no retransmission in this system (§1 Non-goals); only
// the send circuit breaker opening and closing is logged.
func (s *Server) multicastLoop(ctx context.Context) {
	var salt [8]byte
	var key []byte
	encrypted := len(s.cfg.PSK) > 0
	if encrypted {
		salt = session.NewSalt()
		key = frame.DeriveKey(s.cfg.PSK, salt)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		idx, ok := s.pool.TryRecvFilled()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}

		payload := s.pool.Buffer(idx)
		h := frame.Header{
			Seq:        s.seq,
			Fmt:        s.cfg.FmtCode,
			Ch:         s.cfg.Channels,
			Rate:       s.cfg.SampleRate,
			PayloadLen: uint16(len(payload)),
			TsNs:       uint64(time.Since(s.startedAt)),
		}
		s.seq++

		var datagram []byte
		var err error
		if encrypted {
			datagram, err = frame.Seal(h, salt, key, payload)
		} else {
			datagram = frame.EncodePlain(h, payload)
		}
		s.pool.Release(idx)

		if err != nil {
			log.Printf("[server] seal frame: %v", err)
			continue
		}

		if s.sendHealth.shouldSkip() {
			continue
		}
		if _, err := s.mcastConn.Write(datagram); err != nil {
			if s.sendHealth.recordFailure() {
				log.Printf("[server] multicast send circuit breaker open — %d consecutive failures", sendBreakerThreshold)
			}
		} else if s.sendHealth.recordSuccess() {
			log.Printf("[server] multicast send circuit breaker closed — send recovered")
		}
	}
}

// handleControlConn runs the per-client handshake and heartbeat exchange
// (§5), grounded on the teacher's per-connection goroutine shape
// (server/client.go's connection handler): one goroutine per TCP
// connection, a buffered line reader, and a deadline-based read loop that
// evicts on silence.
func (s *Server) handleControlConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	var salt *[8]byte
	if len(s.cfg.PSK) > 0 {
		sv := session.NewSalt()
		salt = &sv
	}

	sess := s.sessions.Create(s.cfg.SampleRate, s.cfg.Channels, s.cfg.FmtCode, ipv4(s.cfg.McastIP), s.cfg.McastPort, salt)
	defer s.sessions.Remove(sess.Key)

	line := control.EncodeHandshake(control.HandshakeParams{
		SessionKey: sess.Key,
		SampleRate: sess.SampleRate,
		Channels:   sess.Channels,
		FmtCode:    sess.FmtCode,
		McastIP:    s.cfg.McastIP,
		McastPort:  sess.McastPort,
		Salt:       salt,
	})
	if _, err := fmt.Fprintln(conn, line); err != nil {
		log.Printf("[server] %s: handshake write: %v", remote, err)
		return
	}
	log.Printf("[server] %s joined as %s", remote, sess.Key)

	reader := bufio.NewScanner(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(session.HeartbeatTimeout))
		if !reader.Scan() {
			log.Printf("[server] %s: disconnected", remote)
			return
		}
		text := reader.Text()

		if control.IsDisconnect(text) {
			fmt.Fprintln(conn, control.VerbBye)
			log.Printf("[server] %s: client disconnect", remote)
			return
		}

		if key, ok := control.ParseHeartbeat(text); ok {
			// Unknown session_key: silently ignore per §8.7.
			if key == sess.Key {
				sess.Touch(time.Now())
				fmt.Fprintln(conn, control.VerbOK)
			}
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(conn, control.VerbServerStop)
			return
		default:
		}
	}
}

func ipv4(ip net.IP) [4]byte {
	var out [4]byte
	v4 := ip.To4()
	if v4 != nil {
		copy(out[:], v4)
	}
	return out
}
