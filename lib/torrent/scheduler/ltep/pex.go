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

package ltep

import (
	"encoding/binary"
	"net"
)

// PexFlags describes the per-peer flags byte carried alongside PEX compact
// address records, per BEP 11.
type PexFlags uint8

const (
	PexPrefersEncryption PexFlags = 1 << iota
	PexIsSeed
	PexSupportsUTP
	PexSupportsHolepunch
)

// PexPeer is one peer endpoint in a PEX added/dropped set.
type PexPeer struct {
	IP    net.IP
	Port  uint16
	Flags PexFlags
}

// pexMsg is the bencoded body of a ut_pex message, per BEP 11. Compact
// address lists are raw byte strings (6 bytes per IPv4 peer, 18 per IPv6
// peer); "dropped" sets carry no flags, since a departing peer's
// capabilities no longer matter.
type pexMsg struct {
	Added    string `bencode:"added,omitempty"`
	AddedF   string `bencode:"added.f,omitempty"`
	Added6   string `bencode:"added6,omitempty"`
	Added6F  string `bencode:"added6.f,omitempty"`
	Dropped  string `bencode:"dropped,omitempty"`
	Dropped6 string `bencode:"dropped6,omitempty"`
}

// PexDiff is one decoded ut_pex message: peers newly advertised since the
// last message, and peers the sender has dropped.
type PexDiff struct {
	Added   []PexPeer
	Dropped []PexPeer
}

func encodeCompact(peers []PexPeer, v6 bool) (addrs string, flags string) {
	if len(peers) == 0 {
		return "", ""
	}
	addrBuf := make([]byte, 0, len(peers)*(6))
	flagBuf := make([]byte, 0, len(peers))
	for _, p := range peers {
		ip := p.IP.To4()
		if v6 {
			ip = p.IP.To16()
			if ip == nil || p.IP.To4() != nil {
				continue
			}
		} else if ip == nil {
			continue
		}
		addrBuf = append(addrBuf, ip...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], p.Port)
		addrBuf = append(addrBuf, portBuf[:]...)
		flagBuf = append(flagBuf, byte(p.Flags))
	}
	return string(addrBuf), string(flagBuf)
}

func decodeCompact(addrs, flags string, recordLen int) []PexPeer {
	if len(addrs) == 0 || len(addrs)%recordLen != 0 {
		return nil
	}
	n := len(addrs) / recordLen
	ipLen := recordLen - 2
	peers := make([]PexPeer, 0, n)
	for i := 0; i < n; i++ {
		rec := addrs[i*recordLen : (i+1)*recordLen]
		ip := net.IP(append([]byte(nil), []byte(rec[:ipLen])...))
		port := binary.BigEndian.Uint16([]byte(rec[ipLen:]))
		var f PexFlags
		if i < len(flags) {
			f = PexFlags(flags[i])
		}
		peers = append(peers, PexPeer{IP: ip, Port: port, Flags: f})
	}
	return peers
}

// EncodePex builds a ut_pex message body from the given added/dropped
// peer sets, splitting IPv4 and IPv6 endpoints into the separate compact
// fields BEP 11 requires. Dropped peers carry no flags on the wire.
func EncodePex(added, dropped []PexPeer) ([]byte, error) {
	var addedV4, addedV6, droppedV4, droppedV6 []PexPeer
	for _, p := range added {
		if p.IP.To4() != nil {
			addedV4 = append(addedV4, p)
		} else {
			addedV6 = append(addedV6, p)
		}
	}
	for _, p := range dropped {
		if p.IP.To4() != nil {
			droppedV4 = append(droppedV4, p)
		} else {
			droppedV6 = append(droppedV6, p)
		}
	}

	msg := pexMsg{}
	msg.Added, msg.AddedF = encodeCompact(addedV4, false)
	msg.Added6, msg.Added6F = encodeCompact(addedV6, true)
	msg.Dropped, _ = encodeCompact(droppedV4, false)
	msg.Dropped6, _ = encodeCompact(droppedV6, true)
	return marshal(msg)
}

// DecodePex parses a ut_pex message body into its added/dropped peer
// sets.
func DecodePex(body []byte) (PexDiff, error) {
	var msg pexMsg
	if err := unmarshal(body, &msg); err != nil {
		return PexDiff{}, err
	}
	var diff PexDiff
	diff.Added = append(diff.Added, decodeCompact(msg.Added, msg.AddedF, 6)...)
	diff.Added = append(diff.Added, decodeCompact(msg.Added6, msg.Added6F, 18)...)
	diff.Dropped = append(diff.Dropped, decodeCompact(msg.Dropped, "", 6)...)
	diff.Dropped = append(diff.Dropped, decodeCompact(msg.Dropped6, "", 18)...)
	return diff, nil
}
