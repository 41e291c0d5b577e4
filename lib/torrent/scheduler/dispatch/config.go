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
	"time"

	"github.com/quietswarm/peerengine/lib/torrent/scheduler/ledger"
)

// Config defines the configuration for piece dispatch.
type Config struct {

	// Ledger configures the block-level request ledger (rarest-first
	// ordering, pipeline limit, request timeout, endgame).
	Ledger ledger.Config `yaml:"ledger"`

	// RequestBufSecs is how many seconds of transfer, at a peer's estimated
	// rate, its pipeline should be kept pre-filled with.
	RequestBufSecs float64 `yaml:"request_buf_secs"`

	DisableEndgame bool `yaml:"disable_endgame"`
}

func (c Config) applyDefaults() Config {
	if c.RequestBufSecs == 0 {
		c.RequestBufSecs = 10
	}
	c.Ledger.DisableEndgame = c.DisableEndgame
	return c
}

func (c Config) calcPieceRequestTimeout(maxPieceLength int64) time.Duration {
	if c.Ledger.RequestTimeout == 0 {
		return 120 * time.Second
	}
	return c.Ledger.RequestTimeout
}
