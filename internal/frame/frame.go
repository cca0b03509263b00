// Package frame implements the 22-byte wire header and optional AEAD
// sealing/opening of the UDP multicast payload.
package frame

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// HeaderSize is the fixed big-endian header length in bytes.
const HeaderSize = 22

// Magic is the constant 2-byte frame marker.
var Magic = [2]byte{0xB5, 0x71}

// Sample format codes (fmt_code). Unknown codes must be dropped with a
// warning by the client (§6).
const (
	FormatF32LE uint8 = iota
	FormatI16LE
	FormatU16LE
)

var (
	// ErrShortDatagram is returned when a datagram is too small to contain
	// a header.
	ErrShortDatagram = errors.New("frame: datagram shorter than header")
	// ErrBadMagic is returned when the magic bytes don't match.
	ErrBadMagic = errors.New("frame: bad magic")
	// ErrLengthMismatch is returned when payload_len doesn't match the
	// remaining datagram bytes.
	ErrLengthMismatch = errors.New("frame: payload_len mismatch")
	// ErrDecrypt is returned when AEAD opening fails (tampered or wrong key).
	ErrDecrypt = errors.New("frame: decrypt failed")
)

// Header is the decoded fixed-size frame header.
type Header struct {
	Seq        uint32
	Fmt        uint8
	Ch         uint8
	Rate       uint32
	PayloadLen uint16
	TsNs       uint64
}

// EncodePlain serializes a plain (unencrypted) frame: header || payload.
// payload_len is set to len(payload).
func EncodePlain(h Header, payload []byte) []byte {
	h.PayloadLen = uint16(len(payload))
	out := make([]byte, HeaderSize+len(payload))
	putHeader(out, h)
	copy(out[HeaderSize:], payload)
	return out
}

// Seal AEAD-seals payload under (key, nonce-derived-from(salt,seq,ts_ns)) and
// returns header || ciphertext||tag. AAD is the 22 serialized header bytes,
// computed after payload_len is updated to reflect the ciphertext length.
//
// The 24-byte XChaCha20-Poly1305 nonce is salt[0:8] || seq_be32 || ts_ns_be64
// || 4 zero bytes. The trailing 4 bytes are reserved and must stay zero for
// cross-version compatibility (spec Open Question).
func Seal(h Header, salt [8]byte, key []byte, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	h.PayloadLen = uint16(len(payload) + aead.Overhead())

	hdr := make([]byte, HeaderSize)
	putHeader(hdr, h)

	nonce := buildNonce(salt, h.Seq, h.TsNs)
	sealed := aead.Seal(nil, nonce[:], payload, hdr)

	out := make([]byte, HeaderSize+len(sealed))
	copy(out, hdr)
	copy(out[HeaderSize:], sealed)
	return out, nil
}

// Decode parses the 22-byte header from data. If key is nil, the payload is
// passed through unmodified (plain mode). If key is non-nil, the payload is
// opened as AEAD ciphertext using salt, Seq, and TsNs from the decoded
// header to rebuild the nonce; a tampered header or ciphertext causes
// ErrDecrypt.
func Decode(data []byte, salt [8]byte, key []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, ErrShortDatagram
	}
	if data[0] != Magic[0] || data[1] != Magic[1] {
		return Header{}, nil, ErrBadMagic
	}
	h := parseHeader(data)
	rest := data[HeaderSize:]
	if int(h.PayloadLen) != len(rest) {
		return h, nil, ErrLengthMismatch
	}

	if key == nil {
		return h, rest, nil
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return h, nil, err
	}
	nonce := buildNonce(salt, h.Seq, h.TsNs)
	plain, err := aead.Open(nil, nonce[:], rest, data[:HeaderSize])
	if err != nil {
		return h, nil, ErrDecrypt
	}
	return h, plain, nil
}

// buildNonce constructs the 24-byte XChaCha20-Poly1305 nonce from the
// per-session salt and the per-frame seq/ts_ns. The last 4 bytes are always
// zero.
func buildNonce(salt [8]byte, seq uint32, tsNs uint64) [chacha20poly1305.NonceSizeX]byte {
	var nonce [chacha20poly1305.NonceSizeX]byte
	copy(nonce[0:8], salt[:])
	binary.BigEndian.PutUint32(nonce[8:12], seq)
	binary.BigEndian.PutUint64(nonce[12:20], tsNs)
	// nonce[20:24] stays zero — reserved.
	return nonce
}

func putHeader(dst []byte, h Header) {
	dst[0] = Magic[0]
	dst[1] = Magic[1]
	binary.BigEndian.PutUint32(dst[2:6], h.Seq)
	dst[6] = h.Fmt
	dst[7] = h.Ch
	binary.BigEndian.PutUint32(dst[8:12], h.Rate)
	binary.BigEndian.PutUint16(dst[12:14], h.PayloadLen)
	binary.BigEndian.PutUint64(dst[14:22], h.TsNs)
}

func parseHeader(src []byte) Header {
	return Header{
		Seq:        binary.BigEndian.Uint32(src[2:6]),
		Fmt:        src[6],
		Ch:         src[7],
		Rate:       binary.BigEndian.Uint32(src[8:12]),
		PayloadLen: binary.BigEndian.Uint16(src[12:14]),
		TsNs:       binary.BigEndian.Uint64(src[14:22]),
	}
}

// DeriveKey computes the AEAD key from a PSK and session salt:
// the 32-byte SHA-256(psk || salt). Both server and client call this with
// identical inputs so they derive the same key without exchanging it.
func DeriveKey(psk []byte, salt [8]byte) []byte {
	h := sha256.New()
	h.Write(psk)
	h.Write(salt[:])
	sum := h.Sum(nil)
	return sum[:32]
}
