package control

import (
	"net"
	"testing"
)

func TestHandshakeRoundTripNoEnc(t *testing.T) {
	p := HandshakeParams{
		SessionKey: "K16ABCDEFGHIJKL0",
		SampleRate: 48000,
		Channels:   2,
		FmtCode:    1,
		McastIP:    net.IPv4(239, 1, 2, 3),
		McastPort:  45555,
	}
	line := EncodeHandshake(p)

	got, err := ParseHandshake(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.SessionKey != p.SessionKey || got.SampleRate != p.SampleRate || got.Channels != p.Channels ||
		got.FmtCode != p.FmtCode || !got.McastIP.Equal(p.McastIP) || got.McastPort != p.McastPort {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
	if got.Salt != nil {
		t.Fatal("expected no salt for NOENC handshake")
	}
}

func TestHandshakeRoundTripEnc(t *testing.T) {
	salt := [8]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	p := HandshakeParams{
		SessionKey: "K16ABCDEFGHIJKL0",
		SampleRate: 48000,
		Channels:   1,
		FmtCode:    0,
		McastIP:    net.IPv4(239, 9, 9, 9),
		McastPort:  9000,
		Salt:       &salt,
	}
	line := EncodeHandshake(p)

	got, err := ParseHandshake(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Salt == nil || *got.Salt != salt {
		t.Fatalf("salt mismatch: got %v want %v", got.Salt, salt)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	line := EncodeHeartbeat("K16ABCDEFGHIJKL0")
	key, ok := ParseHeartbeat(line)
	if !ok || key != "K16ABCDEFGHIJKL0" {
		t.Fatalf("heartbeat parse: got (%q, %v)", key, ok)
	}
}

func TestTerminationLines(t *testing.T) {
	if !IsDisconnect("DISCONNECT") {
		t.Fatal("DISCONNECT not recognized")
	}
	if !IsBye("BYE") {
		t.Fatal("BYE not recognized")
	}
	if !IsServerStop("SERVER_STOP") {
		t.Fatal("SERVER_STOP not recognized")
	}
	if !IsOK("OK") {
		t.Fatal("OK not recognized")
	}
	if IsDisconnect("HEART abc") {
		t.Fatal("HEART line misidentified as DISCONNECT")
	}
}

func TestParseHandshakeRejectsMalformed(t *testing.T) {
	if _, err := ParseHandshake("NOPE"); err == nil {
		t.Fatal("expected error for non-OK line")
	}
	if _, err := ParseHandshake("OK key notanumber 2 1 239.1.2.3 1000 NOENC"); err == nil {
		t.Fatal("expected error for bad sample_rate")
	}
}
