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
package ledger

import (
	"math/rand"
	"sort"
	"sync"
)

// WeightedPiece is a piece still wanted by a leeching torrent, along with
// the bookkeeping used to order it against its peers.
//
// RequestCount is widened to a 32-bit signed quantity: the original 16-bit
// counter this was modeled on can wrap when a large piece has many blocks
// outstanding simultaneously under endgame.
type WeightedPiece struct {
	Index        int
	Salt         uint16
	RequestCount int32
}

// listState tracks what ordering invariant, if any, currently holds over a
// List's backing slice.
type listState int

const (
	stateUnsorted listState = iota
	stateSortedByIndex
	stateSortedByWeight
)

// PieceCounts summarizes the per-piece facts the weighted ordering depends
// on, supplied by the torrent's piece-completion and priority view.
type PieceCounts struct {
	Missing   int
	NumBlocks int
	Priority  int
}

// Weigher supplies the per-piece facts needed to compute a piece's weight.
// Implementations are expected to be backed by the torrent's piece store
// and file-priority table.
type Weigher interface {
	PieceCounts(piece int) PieceCounts
}

// Replication supplies per-piece peer replication counts, satisfied by the
// replication map.
type Replication interface {
	Count(piece int) int
}

// List is the per-torrent set of pieces still wanted, ordered by the
// compound rarest-first key. It moves between three states: unsorted,
// sorted-by-index, and sorted-by-weight. Sorted-by-weight is the normal
// steady state while leeching.
type List struct {
	mu          sync.Mutex
	pieces      []*WeightedPiece
	index       map[int]*WeightedPiece
	state       listState
	weigher     Weigher
	replication Replication
}

// NewList creates a List over the given piece indices.
func NewList(pieceIndices []int, weigher Weigher, replication Replication) *List {
	pieces := make([]*WeightedPiece, len(pieceIndices))
	index := make(map[int]*WeightedPiece, len(pieceIndices))
	for i, p := range pieceIndices {
		wp := &WeightedPiece{Index: p, Salt: uint16(rand.Intn(1 << 16))}
		pieces[i] = wp
		index[p] = wp
	}
	l := &List{
		pieces:      pieces,
		index:       index,
		weigher:     weigher,
		replication: replication,
	}
	l.SortByWeight()
	return l
}

type pieceWeight struct {
	overflow    bool
	primary     int
	priority    int
	replication int
	salt        uint16
}

func (l *List) weight(wp *WeightedPiece) pieceWeight {
	c := l.weigher.PieceCounts(wp.Index)
	pending := int(wp.RequestCount)
	remaining := c.Missing - pending
	w := pieceWeight{
		priority:    c.Priority,
		replication: l.replication.Count(wp.Index),
		salt:        wp.Salt,
	}
	if remaining < 0 {
		w.overflow = true
		w.primary = c.NumBlocks + pending
	} else {
		w.primary = remaining
	}
	return w
}

func (a pieceWeight) less(b pieceWeight) bool {
	if a.overflow != b.overflow {
		return !a.overflow
	}
	if a.primary != b.primary {
		return a.primary < b.primary
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.replication != b.replication {
		return a.replication < b.replication
	}
	return a.salt < b.salt
}

// SortByIndex reorders the list by raw piece index. Cheap, used when weight
// ordering is not currently needed.
func (l *List) SortByIndex() {
	l.mu.Lock()
	defer l.mu.Unlock()

	sort.Slice(l.pieces, func(i, j int) bool { return l.pieces[i].Index < l.pieces[j].Index })
	l.state = stateSortedByIndex
}

// SortByWeight fully re-sorts the list by the compound rarest-first key.
// Used after bulk mutations (e.g. applying a Bitfield) that may have
// invalidated many pieces' weights at once.
func (l *List) SortByWeight() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sortByWeightLocked()
}

func (l *List) sortByWeightLocked() {
	weights := make(map[int]pieceWeight, len(l.pieces))
	for _, p := range l.pieces {
		weights[p.Index] = l.weight(p)
	}
	sort.Slice(l.pieces, func(i, j int) bool {
		return weights[l.pieces[i].Index].less(weights[l.pieces[j].Index])
	})
	l.state = stateSortedByWeight
}

// Invalidate marks the list's weight ordering as stale without re-sorting.
// The next SortByWeight or Rebalance call will restore the invariant.
func (l *List) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = stateUnsorted
}

// Rebalance repositions a single piece whose weight has changed, via
// removal and binary-search reinsertion, rather than resorting the whole
// list. If the list is not currently sorted-by-weight, this is a no-op;
// callers should SortByWeight first.
func (l *List) Rebalance(piece int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != stateSortedByWeight {
		return
	}

	wp, ok := l.index[piece]
	if !ok {
		return
	}

	pos := -1
	for i, p := range l.pieces {
		if p == wp {
			pos = i
			break
		}
	}
	if pos == -1 {
		return
	}
	l.pieces = append(l.pieces[:pos], l.pieces[pos+1:]...)

	w := l.weight(wp)
	newPos := sort.Search(len(l.pieces), func(i int) bool {
		return w.less(l.weight(l.pieces[i]))
	})
	l.pieces = append(l.pieces, nil)
	copy(l.pieces[newPos+1:], l.pieces[newPos:])
	l.pieces[newPos] = wp
}

// IncrementRequestCount bumps the piece's outstanding request count and
// rebalances it.
func (l *List) IncrementRequestCount(piece int) {
	l.mu.Lock()
	if wp, ok := l.index[piece]; ok {
		wp.RequestCount++
	}
	l.mu.Unlock()
	l.Rebalance(piece)
}

// DecrementRequestCount lowers the piece's outstanding request count and
// rebalances it.
func (l *List) DecrementRequestCount(piece int) {
	l.mu.Lock()
	if wp, ok := l.index[piece]; ok && wp.RequestCount > 0 {
		wp.RequestCount--
	}
	l.mu.Unlock()
	l.Rebalance(piece)
}

// RequestCount returns the current request count for piece.
func (l *List) RequestCount(piece int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if wp, ok := l.index[piece]; ok {
		return int(wp.RequestCount)
	}
	return 0
}

// Remove deletes piece from the list entirely (e.g. once it is complete).
func (l *List) Remove(piece int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	wp, ok := l.index[piece]
	if !ok {
		return
	}
	delete(l.index, piece)
	for i, p := range l.pieces {
		if p == wp {
			l.pieces = append(l.pieces[:i], l.pieces[i+1:]...)
			break
		}
	}
}

// Each walks the list in its current order, invoking f for every piece
// index until f returns false.
func (l *List) Each(f func(piece int) bool) {
	l.mu.Lock()
	pieces := make([]int, len(l.pieces))
	for i, p := range l.pieces {
		pieces[i] = p.Index
	}
	l.mu.Unlock()

	for _, p := range pieces {
		if !f(p) {
			return
		}
	}
}

// Len returns the number of pieces still tracked by the list.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pieces)
}
