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

// Package ledger tracks outstanding block requests and the rarest-first,
// endgame-aware order in which pieces are pursued.
package ledger

// DefaultBlockSize is the standard BitTorrent block size of 16 KiB.
const DefaultBlockSize = 16 * 1024

// NumBlocks returns the number of blocks of blockSize a piece of pieceLength
// is divided into. The final block may be shorter.
func NumBlocks(pieceLength, blockSize int) int {
	if blockSize <= 0 {
		return 0
	}
	return (pieceLength + blockSize - 1) / blockSize
}

// BlockLength returns the length in bytes of the block at blockIndex within
// a piece of pieceLength, given the nominal blockSize. The final block of a
// piece is short whenever pieceLength is not a multiple of blockSize.
func BlockLength(pieceLength, blockSize, blockIndex int) int {
	start := blockIndex * blockSize
	if start+blockSize > pieceLength {
		return pieceLength - start
	}
	return blockSize
}

// BlockID identifies a single block within a torrent.
type BlockID struct {
	Piece  int
	Offset int
	Length int
}
