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
	"fmt"

	"github.com/uber-go/tally"

	"github.com/quietswarm/peerengine/core"
	"github.com/quietswarm/peerengine/lib/torrent/networkevent"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/announcer"
)

// NewScheduler creates and starts a ReloadableScheduler listening on
// listenAddr as peerID. tracker is the external tracker announcer
// collaborator; pass announcer.Nop{} if none is configured.
func NewScheduler(
	config Config,
	peerID core.PeerID,
	listenAddr string,
	tracker announcer.TrackerAnnouncer,
	netevents networkevent.Producer,
	stats tally.Scope) (ReloadableScheduler, error) {

	s, err := newScheduler(config, peerID, listenAddr, tracker, netevents, stats)
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %s", err)
	}

	rs := makeReloadable(s)
	if err := rs.start(); err != nil {
		return nil, fmt.Errorf("start: %s", err)
	}

	return rs, nil
}
