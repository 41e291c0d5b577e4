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

import "time"

// Config defines Manager configuration.
type Config struct {
	// RequestTimeout is how long a request may sit outstanding before it is
	// subject to timed cancellation.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// PipelineLimit caps the number of simultaneously outstanding requests
	// a single peer connection may have to us, absent a tighter reqq from
	// the peer's LTEP handshake.
	PipelineLimit int `yaml:"pipeline_limit"`

	// RequestBufSecs is REQUEST_BUF_SECS from the desired-request-count
	// formula: the number of seconds of transfer at the peer's estimated
	// rate that the pipeline should stay pre-filled with.
	RequestBufSecs float64 `yaml:"request_buf_secs"`

	// DisableEndgame turns off duplicate end-of-torrent requests entirely.
	DisableEndgame bool `yaml:"disable_endgame"`
}

func (c Config) applyDefaults() Config {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.PipelineLimit == 0 {
		c.PipelineLimit = 50
	}
	if c.RequestBufSecs == 0 {
		c.RequestBufSecs = 10
	}
	return c
}
