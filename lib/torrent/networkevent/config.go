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
package networkevent

// Config defines Producer configuration.
type Config struct {
	// Enabled toggles whether events are written anywhere at all.
	Enabled bool `yaml:"enabled"`

	// LogPath is the file events are appended to, as newline-delimited
	// JSON. If empty, defaults to "networkevents.log", relative to the
	// process's working directory.
	LogPath string `yaml:"log_path"`
}
