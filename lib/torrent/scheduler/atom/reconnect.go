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

package atom

import "time"

// backoffSchedule is indexed by NumFails (clamped to the last entry),
// per spec.md §4.5's reconnect pulse.
var backoffSchedule = []time.Duration{
	0,
	5 * time.Second,
	2 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
}

// pieceDataRecentWindow bounds how long ago piece data must have been
// received over an atom's connection for the reconnect schedule's short
// path to apply. Not pinned by spec.md to an exact value; chosen to match
// the torrent-wide "recent" window used elsewhere for pool pruning.
const pieceDataRecentWindow = time.Hour

// ReconnectInterval returns how long to wait before the next connect
// attempt to a, per spec.md §4.5: a back-off schedule keyed by consecutive
// failure count, doubled while the atom is flagged unreachable, with a
// short five-second path when piece data was received from it recently
// (it is worth re-establishing quickly since it was recently productive).
func ReconnectInterval(a *Atom, now time.Time) time.Duration {
	if !a.PieceDataTime.IsZero() && now.Sub(a.PieceDataTime) < pieceDataRecentWindow {
		return 5 * time.Second
	}

	idx := a.NumFails
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	if idx < 0 {
		idx = 0
	}
	d := backoffSchedule[idx]

	if a.Unreachable() {
		d *= 2
	}
	return d
}

// ReadyToReconnect reports whether a's backoff since its last connection
// attempt has elapsed.
func ReadyToReconnect(a *Atom, now time.Time) bool {
	if a.HasConnectedPeer {
		return false
	}
	if a.LastConnectionAttemptAt.IsZero() {
		return true
	}
	return now.Sub(a.LastConnectionAttemptAt) >= ReconnectInterval(a, now)
}
