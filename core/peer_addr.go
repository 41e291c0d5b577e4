package core

import "sort"

// PeerAddr is a peer's address scoped to a single torrent: everything a
// tracker announce response or PEX/DHT gossip needs to hand back so the
// engine can dial it. It replaces the teacher's PeerInfo, which additionally
// bundled blob-distribution concepts (origin-node flag, content digest) that
// have no equivalent in a pure BitTorrent engine; a torrent here is
// identified solely by its InfoHash.
type PeerAddr struct {
	PeerID   PeerID `json:"peer_id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Complete bool   `json:"complete"`
}

// NewPeerAddr creates a new PeerAddr.
func NewPeerAddr(peerID PeerID, ip string, port int, complete bool) *PeerAddr {
	return &PeerAddr{
		PeerID:   peerID,
		IP:       ip,
		Port:     port,
		Complete: complete,
	}
}

// PeerAddrs groups PeerAddr structs for sorting.
type PeerAddrs []*PeerAddr

func (s PeerAddrs) Len() int      { return len(s) }
func (s PeerAddrs) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// PeerAddrsByPeerID sorts PeerAddrs by peer id, ascending.
type PeerAddrsByPeerID struct{ PeerAddrs }

func (s PeerAddrsByPeerID) Less(i, j int) bool {
	return s.PeerAddrs[i].PeerID.LessThan(s.PeerAddrs[j].PeerID)
}

var _ sort.Interface = PeerAddrsByPeerID{}
