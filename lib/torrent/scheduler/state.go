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
package scheduler

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/willf/bitset"
	"go.uber.org/zap"

	"github.com/quietswarm/peerengine/core"
	"github.com/quietswarm/peerengine/lib/torrent/networkevent"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/atom"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/conn"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/connstate"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/dispatch"
)

// torrentControl bundles the per-torrent structures the Scheduler maintains
// alongside its dispatcher: the atom pool and reconnect controller that
// outlive any single connection, and the address-keyed admission gate for
// outgoing dials that have not yet revealed a peer id.
type torrentControl struct {
	ref        TorrentRef
	dispatcher *dispatch.Dispatcher
	atoms      *atom.Pool
	lifecycle  *atom.Controller
	addedAt    time.Time

	// pendingOut tracks dial addresses with an outgoing handshake in
	// flight. A reconnect candidate drawn from the atom pool has no known
	// peer id until its handshake completes, so this is keyed by address
	// rather than by core.PeerID the way connstate.State's pending
	// entries are.
	pendingOut map[string]bool
}

func newTorrentControl(ref TorrentRef, d *dispatch.Dispatcher, rng *rand.Rand, now time.Time) *torrentControl {
	pool := atom.NewPool()
	return &torrentControl{
		ref:        ref,
		dispatcher: d,
		atoms:      pool,
		lifecycle:  atom.NewController(pool, rng),
		addedAt:    now,
		pendingOut: make(map[string]bool),
	}
}

func (c *torrentControl) torrentContext(now time.Time) atom.TorrentContext {
	return atom.TorrentContext{
		Priority:        c.ref.Priority(),
		RecentlyStarted: now.Sub(c.addedAt) < 2*time.Minute,
		Seeding:         c.dispatcher.Complete(),
	}
}

// state is a superset of scheduler, which includes protected state which can
// only be accessed from the event loop. state is free to access scheduler
// fields and methods, however scheduler has no reference to state.
//
// Any network I/O, such as opening connections, does not belong at the
// state level. These operations should be defined as scheduler methods, and
// executed from a separate goroutine when calling from the event loop.
// Results from I/O may transform state by sending events into the event
// loop.
type state struct {
	sched *scheduler

	// Protected state.
	torrents map[core.InfoHash]*torrentControl
	conns    *connstate.State
}

func newState(s *scheduler) *state {
	return &state{
		sched: s,
		torrents: make(map[core.InfoHash]*torrentControl),
		conns: connstate.New(
			s.config.ConnState, s.clock, s.peerID, s.netevents, s.logger),
	}
}

// addTorrent initializes a new torrentControl for ref. Returns an error if
// one already exists for ref's info hash.
func (s *state) addTorrent(ref TorrentRef) (*torrentControl, error) {
	h := ref.InfoHash()
	if _, ok := s.torrents[h]; ok {
		return nil, ErrTorrentExists
	}

	d, err := dispatch.New(
		s.sched.config.Dispatch,
		s.sched.stats,
		s.sched.clock,
		s.sched.netevents,
		s.sched.eventLoop,
		s.sched.peerID,
		ref,
		s.sched.logger,
		s.sched.torrentlog)
	if err != nil {
		return nil, fmt.Errorf("new dispatcher: %s", err)
	}

	ctrl := newTorrentControl(ref, d, s.sched.rng, s.sched.clock.Now())
	s.torrents[h] = ctrl

	s.sched.netevents.Produce(networkevent.AddTorrentEvent(
		h, s.sched.peerID, ref.MaxConnectedPeers()))

	return ctrl, nil
}

// removeTorrent tears down the torrentControl associated with h.
func (s *state) removeTorrent(h core.InfoHash, err error) {
	ctrl, ok := s.torrents[h]
	if !ok {
		return
	}
	if !ctrl.dispatcher.Complete() {
		ctrl.dispatcher.TearDown()
		s.sched.netevents.Produce(networkevent.TorrentCancelledEvent(h, s.sched.peerID))
	}
	delete(s.torrents, h)
}

// addOutgoingConn adds a conn initiated by us, bound to a reconnect
// candidate drawn from ctrl's atom pool, to state.
func (s *state) addOutgoingConn(h core.InfoHash, addr atom.Addr, c *conn.Conn) error {
	ctrl, ok := s.torrents[h]
	if !ok {
		return errors.New("torrent control must exist before outgoing handshake completes")
	}
	delete(ctrl.pendingOut, addr.String())

	if err := s.conns.AddPending(c.PeerID(), h, nil); err != nil {
		return fmt.Errorf("reserve capacity: %s", err)
	}
	if err := s.conns.MovePendingToActive(c); err != nil {
		s.conns.DeletePending(c.PeerID(), h)
		return fmt.Errorf("move pending to active: %s", err)
	}
	c.Start()

	// The atom must already be in the pool: it was either a reconnect
	// candidate drawn by the lifecycle controller, or seeded by a prior
	// discovery event. Fall back to SourceLTEP, the most conservative
	// trust level, in the defensive case where it somehow is not.
	a, ok := ctrl.atoms.Get(addr)
	if !ok {
		a = ctrl.atoms.Ensure(addr, core.SourceLTEP, s.sched.clock.Now())
	}
	a.RecordConnectSuccess(c.PeerID(), s.sched.clock.Now())

	b := bitset.New(uint(ctrl.ref.NumPieces()))
	if err := ctrl.dispatcher.AddPeer(c.PeerID(), addr.String(), b, c); err != nil {
		return fmt.Errorf("add conn to dispatcher: %s", err)
	}
	return nil
}

// addIncomingConn adds a conn initiated by a remote peer to state. The
// torrent must already be known; unlike the teacher's blob-transfer model,
// this engine never materializes a torrent purely because a stranger
// handshaked for its hash.
func (s *state) addIncomingConn(c *conn.Conn, remoteAddr net.Addr) error {
	h := c.InfoHash()
	ctrl, ok := s.torrents[h]
	if !ok {
		return ErrTorrentNotFound
	}

	if err := s.conns.AddPending(c.PeerID(), h, nil); err != nil {
		return fmt.Errorf("reserve capacity: %s", err)
	}
	if err := s.conns.MovePendingToActive(c); err != nil {
		s.conns.DeletePending(c.PeerID(), h)
		return fmt.Errorf("move pending to active: %s", err)
	}
	c.Start()

	if addr, ok := parseAtomAddr(remoteAddr); ok {
		ctrl.atoms.CompleteIncoming(addr, true, true, c.PeerID(), s.sched.clock.Now())
	}

	b := bitset.New(uint(ctrl.ref.NumPieces()))
	if err := ctrl.dispatcher.AddPeer(c.PeerID(), remoteAddr.String(), b, c); err != nil {
		return fmt.Errorf("add conn to dispatcher: %s", err)
	}
	return nil
}

func parseAtomAddr(a net.Addr) (atom.Addr, bool) {
	host, portStr, err := net.SplitHostPort(a.String())
	if err != nil {
		return atom.Addr{}, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return atom.Addr{}, false
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return atom.Addr{}, false
	}
	return atom.Addr{IP: ip, Port: uint16(port)}, true
}

func (s *state) log(args ...interface{}) *zap.SugaredLogger {
	return s.sched.log(args...)
}
