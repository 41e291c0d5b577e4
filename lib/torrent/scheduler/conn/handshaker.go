// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package conn

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/quietswarm/peerengine/core"
	"github.com/quietswarm/peerengine/lib/torrent/networkevent"
	"github.com/quietswarm/peerengine/utils/bandwidth"
)

// protocolString is the pstr field of the BEP 3 handshake.
const protocolString = "BitTorrent protocol"

// Reserved-byte extension bits, set on every handshake this engine sends.
// Byte 5 bit 0x10 advertises LTEP (BEP 10); byte 7 bit 0x04 advertises the
// Fast Extension (BEP 6).
const (
	reservedLTEP = 0x10
	reservedFast = 0x04
)

// handshakeLen is the total wire length of a BEP 3 handshake.
const handshakeLen = 49 + len(protocolString)

// Handshaker errors.
var (
	ErrInvalidProtocol  = errors.New("invalid protocol string in handshake")
	ErrInfoHashMismatch = errors.New("handshake info hash does not match expected torrent")
	ErrPeerIDMismatch   = errors.New("handshake peer id does not match expected peer")
)

func writeHandshake(nc net.Conn, infoHash core.InfoHash, peerID core.PeerID) error {
	var b [handshakeLen]byte
	i := 0
	b[i] = byte(len(protocolString))
	i++
	copy(b[i:], protocolString)
	i += len(protocolString)
	i += 8 // reserved bytes, zeroed below then set.
	b[i-3] |= reservedLTEP
	b[i-1] |= reservedFast
	copy(b[i:], infoHash.Bytes())
	i += 20
	copy(b[i:], peerID.Bytes())

	_, err := nc.Write(b[:])
	return err
}

func readHandshake(nc net.Conn) (infoHash core.InfoHash, peerID core.PeerID, err error) {
	var b [handshakeLen]byte
	if _, err = io.ReadFull(nc, b[:]); err != nil {
		return infoHash, peerID, fmt.Errorf("read handshake: %s", err)
	}
	if int(b[0]) != len(protocolString) || string(b[1:1+len(protocolString)]) != protocolString {
		return infoHash, peerID, ErrInvalidProtocol
	}
	i := 1 + len(protocolString) + 8
	infoHash, err = core.NewInfoHashFromBytes(b[i : i+20])
	if err != nil {
		return infoHash, peerID, fmt.Errorf("decode info hash: %s", err)
	}
	peerID, err = core.NewPeerIDFromBytes(b[i+20 : i+40])
	if err != nil {
		return infoHash, peerID, fmt.Errorf("decode peer id: %s", err)
	}
	return infoHash, peerID, nil
}

// PendingConn is a raw connection which has completed the wire handshake but
// has not yet been admitted into the scheduler's active connection set. The
// admission decision (is this torrent known, is there capacity, is the peer
// blacklisted) happens above this package, against PeerID/InfoHash alone;
// the cryptographic / obfuscation layer a production deployment would also
// negotiate here (MSE) is an external collaborator this package does not
// implement.
type PendingConn struct {
	nc             net.Conn
	peerID         core.PeerID
	infoHash       core.InfoHash
	openedByRemote bool
}

// PeerID returns the remote peer's id.
func (pc *PendingConn) PeerID() core.PeerID { return pc.peerID }

// InfoHash returns the torrent the remote peer wants to exchange.
func (pc *PendingConn) InfoHash() core.InfoHash { return pc.infoHash }

// RemoteAddr returns the remote endpoint's network address, so that an
// incoming connection can be admitted into the atom pool before it is
// established.
func (pc *PendingConn) RemoteAddr() net.Addr { return pc.nc.RemoteAddr() }

// Close discards the pending connection without establishing it.
func (pc *PendingConn) Close() { pc.nc.Close() }

// Handshaker performs the BEP 3 handshake for both incoming and outgoing
// connections, and constructs the resulting Conn.
type Handshaker struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	netevents   networkevent.Producer
	localPeerID core.PeerID
	events      Events
	bandwidth   *bandwidth.Limiter
	logger      *zap.SugaredLogger
}

// NewHandshaker creates a new Handshaker.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	netevents networkevent.Producer,
	localPeerID core.PeerID,
	events Events,
	logger *zap.SugaredLogger) (*Handshaker, error) {

	config = config.applyDefaults()

	bw, err := bandwidth.NewLimiter(config.Bandwidth)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: %s", err)
	}

	return &Handshaker{
		config:      config,
		stats:       stats,
		clk:         clk,
		netevents:   netevents,
		localPeerID: localPeerID,
		events:      events,
		bandwidth:   bw,
		logger:      logger,
	}, nil
}

// Accept performs the responder side of the handshake on a freshly accepted
// net.Conn: reads the remote's handshake, and immediately answers with our
// own so that by the time Accept returns, both sides have exchanged
// handshakes and the connection is ready to be wrapped into a Conn via
// Establish once the caller has validated the requested torrent.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	if err := nc.SetDeadline(h.clk.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	infoHash, peerID, err := readHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %s", err)
	}

	if err := writeHandshake(nc, infoHash, h.localPeerID); err != nil {
		return nil, fmt.Errorf("write handshake: %s", err)
	}

	return &PendingConn{nc: nc, peerID: peerID, infoHash: infoHash, openedByRemote: true}, nil
}

// Establish wraps a PendingConn accepted via Accept into a live Conn, once
// the caller has confirmed the requested torrent is known and has capacity.
func (h *Handshaker) Establish(pc *PendingConn) (*Conn, error) {
	return h.newConn(pc.nc, pc.peerID, pc.infoHash, true)
}

// Initialize dials addr, performs the initiator side of the handshake for
// infoHash, and returns the resulting Conn. If expectPeerID is non-zero, the
// remote's handshake peer id must match it.
func (h *Handshaker) Initialize(
	expectPeerID core.PeerID, addr string, infoHash core.InfoHash) (*Conn, error) {

	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s", err)
	}
	if err := nc.SetDeadline(h.clk.Now().Add(h.config.HandshakeTimeout)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("set deadline: %s", err)
	}

	if err := writeHandshake(nc, infoHash, h.localPeerID); err != nil {
		nc.Close()
		return nil, fmt.Errorf("write handshake: %s", err)
	}

	remoteInfoHash, remotePeerID, err := readHandshake(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("read handshake: %s", err)
	}
	if remoteInfoHash != infoHash {
		nc.Close()
		return nil, ErrInfoHashMismatch
	}
	var zero core.PeerID
	if expectPeerID != zero && remotePeerID != expectPeerID {
		nc.Close()
		return nil, ErrPeerIDMismatch
	}

	return h.newConn(nc, remotePeerID, infoHash, false)
}

func (h *Handshaker) newConn(
	nc net.Conn, remotePeerID core.PeerID, infoHash core.InfoHash, openedByRemote bool) (*Conn, error) {

	return newConn(
		h.config,
		h.stats,
		h.clk,
		h.netevents,
		h.bandwidth,
		h.events,
		nc,
		h.localPeerID,
		remotePeerID,
		infoHash,
		openedByRemote,
		h.logger)
}
