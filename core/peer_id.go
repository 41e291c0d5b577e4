package core

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"regexp"
)

// PeerIDFactory defines the method used to generate a peer id for this
// client's own identity.
type PeerIDFactory string

// RandomPeerIDFactory creates random peer ids.
const RandomPeerIDFactory PeerIDFactory = "random"

// AddrHashPeerIDFactory derives a peer id from a full "ip:port" address,
// which keeps the id stable across restarts for a fixed listening address.
const AddrHashPeerIDFactory PeerIDFactory = "addr_hash"

// GeneratePeerID creates a new peer id per the factory policy.
func (f PeerIDFactory) GeneratePeerID(ip string, port int) (PeerID, error) {
	switch f {
	case RandomPeerIDFactory:
		return RandomPeerID()
	case AddrHashPeerIDFactory:
		return HashedPeerID(fmt.Sprintf("%s:%d", ip, port))
	default:
		return PeerID{}, fmt.Errorf("invalid peer id factory: %q", string(f))
	}
}

// ErrInvalidPeerIDLength returns when a string peer id does not decode into 20 bytes.
var ErrInvalidPeerIDLength = errors.New("peer id has invalid length")

// PeerID is the 20-byte id a peer presents during the handshake (BEP 3).
type PeerID [20]byte

// NewPeerID parses a PeerID from the given string. Must be in hexadecimal notation,
// encoding exactly 20 bytes.
func NewPeerID(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	return NewPeerIDFromBytes(b)
}

// NewPeerIDFromBytes wraps a raw 20-byte peer id read off the wire.
func NewPeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != 20 {
		return PeerID{}, ErrInvalidPeerIDLength
	}
	var p PeerID
	copy(p[:], b)
	return p, nil
}

// String encodes the PeerID in hexadecimal notation.
func (p PeerID) String() string {
	return hex.EncodeToString(p[:])
}

// Bytes returns the raw 20 bytes of p, as sent in the handshake.
func (p PeerID) Bytes() []byte {
	return p[:]
}

// LessThan returns whether p is less than o, comparing the raw id bytes.
func (p PeerID) LessThan(o PeerID) bool {
	return bytes.Compare(p[:], o[:]) == -1
}

// RandomPeerID returns a randomly generated PeerID.
func RandomPeerID() (PeerID, error) {
	var p PeerID
	_, err := rand.Read(p[:])
	return p, err
}

// HashedPeerID returns a PeerID derived from the hash of s.
func HashedPeerID(s string) (PeerID, error) {
	var p PeerID
	if s == "" {
		return p, errors.New("cannot generate peer id from empty string")
	}
	h := sha1.New()
	io.WriteString(h, s)
	copy(p[:], h.Sum(nil))
	return p, nil
}

var azureusStyle = regexp.MustCompile(`^-([A-Za-z]{2})(\d{4})-`)

// ClientIdentifier returns a short human-readable guess at the client that
// generated p, decoded from the Azureus-style "-XX1234-" convention used by
// most modern clients. Returns ok=false when the id doesn't match the
// convention; the caller should fall back to displaying the raw hex id.
func (p PeerID) ClientIdentifier() (name string, ok bool) {
	m := azureusStyle.FindSubmatch(p[:])
	if m == nil {
		return "", false
	}
	return string(m[1]) + "-" + string(m[2]), true
}
