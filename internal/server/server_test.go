package server

import (
	"context"
	"net"
	"testing"
	"time"

	"remotemic/internal/bufpool"
	"remotemic/internal/control"
	"remotemic/internal/frame"
)

func TestDialMulticastSendAcceptsFourByteIP(t *testing.T) {
	// Regression test: net.ParseIP(...).To4() — as both cmd/remotemic-server
	// and startTestServer below pass — returns a 4-byte slice, and
	// dialMulticastSend must validate it without panicking.
	group := net.ParseIP("239.7.8.9").To4()
	conn, err := dialMulticastSend(group, 0, 1)
	if err != nil {
		t.Fatalf("dialMulticastSend: %v", err)
	}
	conn.Close()
}

func TestDialMulticastSendRejectsNonMulticast(t *testing.T) {
	group := net.ParseIP("10.0.0.1").To4()
	if _, err := dialMulticastSend(group, 0, 1); err == nil {
		t.Fatal("expected an error for a non-multicast IPv4 address")
	}
}

func startTestServer(t *testing.T, psk []byte) (*Server, context.CancelFunc) {
	t.Helper()
	pool := bufpool.New(4, 64)
	cfg := Config{
		ControlAddr: "127.0.0.1:0",
		McastIP:     net.ParseIP("239.1.2.3").To4(),
		McastPort:   0,
		SampleRate:  48000,
		Channels:    1,
		FmtCode:     frame.FormatF32LE,
		PSK:         psk,
		TTL:         1,
	}
	srv := New(cfg, pool)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.cfg.ControlAddr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = srv.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	return srv, cancel
}

func TestHandshakeRoundTrip(t *testing.T) {
	srv, cancel := startTestServer(t, nil)
	defer cancel()

	conn, err := net.Dial("tcp", srv.cfg.ControlAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 256)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	line := string(buf[:n])
	hs, err := control.ParseHandshake(line[:len(line)-1])
	if err != nil {
		t.Fatalf("parse handshake: %v", err)
	}
	if hs.SampleRate != 48000 || hs.Channels != 1 {
		t.Fatalf("unexpected handshake params: %+v", hs)
	}
	if srv.sessions.Len() != 1 {
		t.Fatalf("expected 1 active session, got %d", srv.sessions.Len())
	}
}

func TestDisconnectEndsSession(t *testing.T) {
	srv, cancel := startTestServer(t, nil)
	defer cancel()

	conn, err := net.Dial("tcp", srv.cfg.ControlAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 256)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read handshake: %v", err)
	}

	conn.Write([]byte(control.VerbDisconnect + "\n"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read bye: %v", err)
	}
	if control.IsBye(string(buf[:n-1])) == false {
		t.Fatalf("expected BYE, got %q", buf[:n])
	}

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if srv.sessions.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session was not removed after disconnect")
}
