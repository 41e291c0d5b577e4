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
package dispatch

import (
	"errors"

	"github.com/quietswarm/peerengine/core"

	"github.com/willf/bitset"
)

// ErrBlockComplete is returned by Torrent.WriteBlock when the block has
// already been written and verified.
var ErrBlockComplete = errors.New("block already complete")

// Torrent is the external contract the dispatcher consumes from the torrent
// manager and the block store / cache: everything it needs to know about a
// single torrent's shape and completion state, and everything it needs to
// read and write block data. It deliberately excludes piece I/O caching,
// on-disk storage, and the block-completion bitfield store itself, which
// remain external collaborators behind this interface.
type Torrent interface {
	InfoHash() core.InfoHash
	Length() int64
	NumPieces() int
	PieceLength(piece int) int64
	MaxPieceLength() int64
	BlockSize() int

	// Bitfield returns the set of pieces this torrent has fully verified
	// and committed.
	Bitfield() *bitset.BitSet
	Complete() bool

	// ReadBlock returns the bytes of a single block. The piece must be
	// complete.
	ReadBlock(piece, offset, length int) ([]byte, error)

	// WriteBlock writes a single block's bytes. Returns ErrBlockComplete
	// if the owning piece was already complete (e.g. a duplicate,
	// redundant write raced by endgame). Implementations are responsible
	// for verifying the piece checksum once all its blocks have arrived
	// and updating Bitfield()/Complete() accordingly.
	WriteBlock(piece, offset int, data []byte) error
}
