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

// Package ltep implements the libtorrent extension protocol (BEP 10) used
// to negotiate the per-connection extension id mapping, plus the two
// extensions that ride on top of it: ut_metadata (BEP 9) and ut_pex
// (BEP 11). It has no teacher equivalent — the teacher's wire protocol
// (lib/torrent/scheduler/conn) has no extension mechanism at all — so
// everything here is grounded directly in the named BEPs, using the
// project's bencode codec (lib/torrent/bencode) for the dictionary bodies
// per spec.md §6's "LTEP bodies are bencoded dictionaries" wire-format note.
package ltep

// Extension names exchanged in the handshake's "m" dictionary.
const (
	ExtMetadata = "ut_metadata"
	ExtPEX      = "ut_pex"
)

// handshakeMsg is the bencoded body of the extended handshake, message id
// 0 in the extended-message id space.
type handshakeMsg struct {
	M map[string]int `bencode:"m"`

	// Port is our DHT port, included as a courtesy to peers running DHT.
	Port int `bencode:"p,omitempty"`

	// V is a human-readable client version string.
	V string `bencode:"v,omitempty"`

	// Reqq is the number of outstanding request messages this client
	// supports without dropping them.
	Reqq int `bencode:"reqq,omitempty"`

	// MetadataSize is the size of the torrent's info dictionary in bytes,
	// present once it is known locally.
	MetadataSize int `bencode:"metadata_size,omitempty"`

	// YourIP is the requester's IP address as seen by us, used by peers to
	// learn their own external address.
	YourIP string `bencode:"yourip,omitempty"`
}

// Handshake is the decoded form of a peer's extended handshake.
type Handshake struct {
	// SupportedExt maps extension name to the numeric id the remote peer
	// wants used for that extension on this connection. Absence of a key
	// means the peer does not support that extension.
	SupportedExt map[string]int

	Port         int
	Version      string
	Reqq         int
	MetadataSize int
	HasMetadataSize bool
	YourIP       string
}

// Local is this engine's own handshake payload: the extension ids we
// advertise, keyed by name, plus our own local metadata size (0 if not
// yet known) and reqq.
type Local struct {
	Extensions   map[string]int
	Port         int
	Version      string
	Reqq         int
	MetadataSize int
}

// Encode bencodes l into an extended-handshake payload.
func Encode(l Local) ([]byte, error) {
	msg := handshakeMsg{
		M:            l.Extensions,
		Port:         l.Port,
		V:            l.Version,
		Reqq:         l.Reqq,
		MetadataSize: l.MetadataSize,
	}
	return marshal(msg)
}

// Decode parses a peer's extended-handshake payload.
func Decode(body []byte) (Handshake, error) {
	var msg handshakeMsg
	if err := unmarshal(body, &msg); err != nil {
		return Handshake{}, err
	}
	h := Handshake{
		SupportedExt: msg.M,
		Port:         msg.Port,
		Version:      msg.V,
		Reqq:         msg.Reqq,
		YourIP:       msg.YourIP,
	}
	if msg.MetadataSize > 0 {
		h.MetadataSize = msg.MetadataSize
		h.HasMetadataSize = true
	}
	return h, nil
}
