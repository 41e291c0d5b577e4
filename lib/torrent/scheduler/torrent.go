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
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/dispatch"
)

// TorrentRef is everything the Scheduler reads from a torrent_ref when it
// is handed to AddTorrent: the dispatcher's wire-level Torrent contract,
// plus the Scheduler-level fields that never reach the wire protocol
// itself (per-torrent connection limits, session-limit opt-in, and the
// announce list handed to the external tracker announcer).
//
// A TorrentRef implementing dispatch.PiecePrioritizer additionally feeds
// its file-priority / wanted-dnd selection into the request ledger's
// piece ordering; one implementing dispatch.MetadataSource serves its own
// info dictionary over ut_metadata once TorrentGotMetadata is called.
type TorrentRef interface {
	dispatch.Torrent

	// MaxConnectedPeers bounds both the connection set's per-torrent
	// capacity and the atom pool's retention size.
	MaxConnectedPeers() int

	// SessionLimitOptIn reports whether this torrent counts against a
	// process-wide connection budget shared across torrents, as opposed
	// to only its own per-torrent limit.
	SessionLimitOptIn() bool

	// AnnounceList returns the tracker URLs this torrent was published
	// with. The Scheduler does not dial them itself -- the tracker
	// announcer is an external collaborator -- but surfaces the list so
	// that collaborator can be handed what it needs to announce.
	AnnounceList() []string

	// Priority ranks this torrent against others sharing the same
	// Scheduler for reconnect scheduling purposes; 0 is highest.
	Priority() int
}
