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

// Package bitsetutil provides small helpers for building and serializing
// willf/bitset.BitSet values.
package bitsetutil

import "github.com/willf/bitset"

// FromBools builds a BitSet from a literal sequence of bits, for tests and
// fixtures.
func FromBools(bits ...bool) *bitset.BitSet {
	b := bitset.New(uint(len(bits)))
	for i, v := range bits {
		b.SetTo(uint(i), v)
	}
	return b
}

// ToBytes serializes b into the BEP 3 Bitfield wire format: one bit per
// piece, MSB-first within each byte, high-order bits beyond numPieces
// within the final byte cleared.
func ToBytes(b *bitset.BitSet) []byte {
	n := int(b.Len())
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if b.Test(uint(i)) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// FromBytes parses a BEP 3 Bitfield wire payload into a BitSet of numPieces
// bits.
func FromBytes(data []byte, numPieces int) *bitset.BitSet {
	b := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		byteIndex := i / 8
		if byteIndex >= len(data) {
			break
		}
		if data[byteIndex]&(1<<uint(7-i%8)) != 0 {
			b.Set(uint(i))
		}
	}
	return b
}
