// Package control implements the TCP control-channel wire format (§4.3):
// whitespace-tokenized ASCII lines for the handshake response, heartbeat,
// and termination messages. Generalized from the teacher's newline-framed
// JSON ControlMsg (server/client.go's sendRaw, client/transport.go's
// readControl) to the spec's plain-text line protocol.
package control

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Line-protocol verbs exchanged over the TCP control channel.
const (
	VerbOK         = "OK"
	VerbHeart      = "HEART"
	VerbDisconnect = "DISCONNECT"
	VerbBye        = "BYE"
	VerbServerStop = "SERVER_STOP"
	encTokenEnc    = "ENC"
	encTokenNoEnc  = "NOENC"
)

// HandshakeParams describes the session parameters carried in the server's
// handshake response line.
type HandshakeParams struct {
	SessionKey string
	SampleRate uint32
	Channels   uint8
	FmtCode    uint8
	McastIP    net.IP
	McastPort  uint16
	Salt       *[8]byte // nil when encryption is disabled
}

// EncodeHandshake builds the server→client handshake response line (§4.3):
//
//	OK <session_key> <sample_rate> <channels> <fmt_code> <mcast_ip> <mcast_port> <ENC <salt_hex> | NOENC>
func EncodeHandshake(p HandshakeParams) string {
	enc := encTokenNoEnc
	if p.Salt != nil {
		enc = fmt.Sprintf("%s %s", encTokenEnc, hex.EncodeToString(p.Salt[:]))
	}
	return fmt.Sprintf("%s %s %d %d %d %s %d %s",
		VerbOK, p.SessionKey, p.SampleRate, p.Channels, p.FmtCode, p.McastIP.String(), p.McastPort, enc)
}

// ParseHandshake parses a handshake response line built by EncodeHandshake.
func ParseHandshake(line string) (HandshakeParams, error) {
	fields := strings.Fields(line)
	if len(fields) < 7 || fields[0] != VerbOK {
		return HandshakeParams{}, errors.New("control: malformed handshake line")
	}

	rate, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return HandshakeParams{}, fmt.Errorf("control: bad sample_rate: %w", err)
	}
	ch, err := strconv.ParseUint(fields[3], 10, 8)
	if err != nil {
		return HandshakeParams{}, fmt.Errorf("control: bad channels: %w", err)
	}
	fmtCode, err := strconv.ParseUint(fields[4], 10, 8)
	if err != nil {
		return HandshakeParams{}, fmt.Errorf("control: bad fmt_code: %w", err)
	}
	ip := net.ParseIP(fields[5]).To4()
	if ip == nil {
		return HandshakeParams{}, errors.New("control: bad mcast_ip")
	}
	port, err := strconv.ParseUint(fields[6], 10, 16)
	if err != nil {
		return HandshakeParams{}, fmt.Errorf("control: bad mcast_port: %w", err)
	}

	p := HandshakeParams{
		SessionKey: fields[1],
		SampleRate: uint32(rate),
		Channels:   uint8(ch),
		FmtCode:    uint8(fmtCode),
		McastIP:    ip,
		McastPort:  uint16(port),
	}

	if len(fields) >= 9 && fields[7] == encTokenEnc {
		raw, err := hex.DecodeString(fields[8])
		if err != nil || len(raw) != 8 {
			return HandshakeParams{}, errors.New("control: bad salt_hex")
		}
		var salt [8]byte
		copy(salt[:], raw)
		p.Salt = &salt
	} else if len(fields) >= 8 && fields[7] != encTokenNoEnc {
		return HandshakeParams{}, errors.New("control: bad encryption token")
	}

	return p, nil
}

// EncodeHeartbeat builds the client→server heartbeat line: "HEART <key>".
func EncodeHeartbeat(sessionKey string) string {
	return VerbHeart + " " + sessionKey
}

// ParseHeartbeat extracts the session key from a HEART line, or ok=false if
// the line isn't a heartbeat.
func ParseHeartbeat(line string) (sessionKey string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != VerbHeart {
		return "", false
	}
	return fields[1], true
}

// IsOK reports whether line is a bare "OK" acknowledgement (heartbeat ack).
func IsOK(line string) bool {
	return strings.TrimSpace(line) == VerbOK
}

// IsDisconnect reports whether line is the client-initiated DISCONNECT.
func IsDisconnect(line string) bool {
	return strings.TrimSpace(line) == VerbDisconnect
}

// IsBye reports whether line is the server's BYE acknowledgement.
func IsBye(line string) bool {
	return strings.TrimSpace(line) == VerbBye
}

// IsServerStop reports whether line is the server-initiated SERVER_STOP.
func IsServerStop(line string) bool {
	return strings.TrimSpace(line) == VerbServerStop
}
