package conn

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/quietswarm/peerengine/core"
	"github.com/quietswarm/peerengine/utils/log"
)

// FakePeer is a testing utility which reciprocates handshakes against
// arbitrary incoming connections for a fixed InfoHash, then immediately
// announces an empty bitfield via HaveNone so no pieces are ever requested
// from it.
//
// Useful for initializing real Conns against a motionless peer.
type FakePeer struct {
	listener net.Listener

	id       core.PeerID
	infoHash core.InfoHash
	ip       string
	port     int

	msgTimeout time.Duration
}

// NewFakePeer creates and starts a new FakePeer which answers handshakes for
// infoHash.
func NewFakePeer(infoHash core.InfoHash) (*FakePeer, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}
	ip, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	p := &FakePeer{
		listener:   l,
		id:         core.PeerIDFixture(),
		infoHash:   infoHash,
		ip:         ip,
		port:       port,
		msgTimeout: 5 * time.Second,
	}
	go func() {
		err := p.handshakeConns()
		log.Infof("Fake peer exiting: %s", err)
	}()
	return p, nil
}

// PeerID returns the peer's PeerID.
func (p *FakePeer) PeerID() core.PeerID {
	return p.id
}

// Addr returns the ip:port of the peer.
func (p *FakePeer) Addr() string {
	return fmt.Sprintf("%s:%d", p.ip, p.port)
}

// Close shuts down the peer.
func (p *FakePeer) Close() {
	p.listener.Close()
}

func (p *FakePeer) handshakeConns() error {
	for {
		nc, err := p.listener.Accept()
		if err != nil {
			return err
		}
		if err := nc.SetDeadline(time.Now().Add(p.msgTimeout)); err != nil {
			return err
		}
		infoHash, _, err := readHandshake(nc)
		if err != nil {
			return err
		}
		if infoHash != p.infoHash {
			nc.Close()
			continue
		}
		if err := writeHandshake(nc, infoHash, p.id); err != nil {
			return err
		}
		if err := sendMessageWithTimeout(nc, NewHaveNoneMessage(), p.msgTimeout); err != nil {
			return err
		}
	}
}
