// Package wire implements the LATTICE authenticated probe packet format.
//
// A probe packet is exactly 32 bytes, big-endian:
//
//	4:  magic "LATO"
//	4:  u32 version
//	8:  u64 send time (monotonic nanoseconds)
//	4:  u32 sequence
//	8:  u64 nonce
//	4:  leading 4 bytes of HMAC-SHA256 over the first 28 bytes
//
// The echo responder replies with the request bytes unchanged, so a probe is
// matched by comparing the reply against the sent packet byte-for-byte.
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"os"
)

const (
	// Size is the exact length of a probe packet.
	Size = 32

	// Version is the current packet format version.
	Version = 1

	// TagSize is the length of the truncated HMAC tag. Widening it to 8
	// requires only a packet size bump; nothing else depends on it.
	TagSize = 4

	// MinSecretLen is the minimum accepted shared secret length.
	MinSecretLen = 16

	tagOff = Size - TagSize
)

var magic = [4]byte{'L', 'A', 'T', 'O'}

// Verdict is the result of validating a received datagram.
type Verdict uint8

const (
	Accept Verdict = iota
	RejectLength
	RejectMagic
	RejectTag
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case RejectLength:
		return "reject-length"
	case RejectMagic:
		return "reject-magic"
	case RejectTag:
		return "reject-tag"
	}
	return "invalid"
}

// Packet is an encoded probe packet.
type Packet [Size]byte

// Encode builds an authenticated packet.
func Encode(seq uint32, sendNs int64, nonce uint64, secret []byte) Packet {
	var p Packet
	copy(p[0:4], magic[:])
	binary.BigEndian.PutUint32(p[4:8], Version)
	binary.BigEndian.PutUint64(p[8:16], uint64(sendNs))
	binary.BigEndian.PutUint32(p[16:20], seq)
	binary.BigEndian.PutUint64(p[20:28], nonce)
	tag(p[:tagOff], secret, p[tagOff:])
	return p
}

// HasMagic reports whether b begins with the packet magic. It is the cheap
// pre-filter applied before a receiver spends tokens or HMAC work on a
// datagram.
func HasMagic(b []byte) bool {
	return len(b) >= 4 && b[0] == magic[0] && b[1] == magic[1] && b[2] == magic[2] && b[3] == magic[3]
}

// Validate checks a received datagram. The version field is read but any
// representable value is accepted. The tag comparison is constant-time.
func Validate(b, secret []byte) Verdict {
	if len(b) != Size {
		return RejectLength
	}
	if b[0] != magic[0] || b[1] != magic[1] || b[2] != magic[2] || b[3] != magic[3] {
		return RejectMagic
	}
	var want [TagSize]byte
	tag(b[:tagOff], secret, want[:])
	if subtle.ConstantTimeCompare(b[tagOff:], want[:]) != 1 {
		return RejectTag
	}
	return Accept
}

func tag(msg, secret []byte, out []byte) {
	h := hmac.New(sha256.New, secret)
	h.Write(msg)
	copy(out, h.Sum(nil)[:TagSize])
}

// SendNs returns the packet's send timestamp in monotonic nanoseconds.
func (p *Packet) SendNs() int64 {
	return int64(binary.BigEndian.Uint64(p[8:16]))
}

// Seq returns the packet's sequence number.
func (p *Packet) Seq() uint32 {
	return binary.BigEndian.Uint32(p[16:20])
}

// Nonce returns the packet's nonce.
func (p *Packet) Nonce() uint64 {
	return binary.BigEndian.Uint64(p[20:28])
}

var ErrSecretMissing = errors.New("wire: secret missing or too short (want LATTICE_SECRET_HEX or LATTICE_SECRET, >= 16 bytes)")

// SecretFromEnv loads the shared secret from LATTICE_SECRET_HEX (preferred) or
// LATTICE_SECRET (raw bytes). It returns ErrSecretMissing if neither is set or
// the decoded secret is shorter than MinSecretLen.
func SecretFromEnv() ([]byte, error) {
	if v, ok := os.LookupEnv("LATTICE_SECRET_HEX"); ok && v != "" {
		b, err := hex.DecodeString(v)
		if err != nil {
			return nil, errors.New("wire: LATTICE_SECRET_HEX is not valid hex")
		}
		if len(b) < MinSecretLen {
			return nil, ErrSecretMissing
		}
		return b, nil
	}
	if v, ok := os.LookupEnv("LATTICE_SECRET"); ok && len(v) >= MinSecretLen {
		return []byte(v), nil
	}
	return nil, ErrSecretMissing
}
