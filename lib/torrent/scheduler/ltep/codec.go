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

package ltep

import (
	"bytes"

	"github.com/quietswarm/peerengine/lib/torrent/bencode"
)

func marshal(v interface{}) ([]byte, error) {
	return bencode.Marshal(v)
}

func unmarshal(data []byte, v interface{}) error {
	return bencode.Unmarshal(data, v)
}

// unmarshalConsumed is like unmarshal, but also reports how many leading
// bytes of data the bencoded value occupied, so a caller can recover
// whatever trails it (e.g. ut_metadata's raw piece bytes).
func unmarshalConsumed(data []byte, v interface{}) (int, error) {
	r := bytes.NewReader(data)
	if err := bencode.NewDecoder(r).Decode(v); err != nil {
		return 0, err
	}
	return len(data) - r.Len(), nil
}
