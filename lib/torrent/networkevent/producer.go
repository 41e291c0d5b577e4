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

import (
	"bufio"
	"os"
	"sync"
)

// Producer accepts Events and persists them somewhere for later analysis.
type Producer interface {
	Produce(e *Event)
	Close() error
}

// disabledProducer drops every event.
type disabledProducer struct{}

func (p disabledProducer) Produce(e *Event) {}
func (p disabledProducer) Close() error     { return nil }

// fileProducer appends events as newline-delimited JSON to a file.
type fileProducer struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewProducer creates a Producer from config. If config.Enabled is false,
// returns a Producer which drops every event.
func NewProducer(config Config) (Producer, error) {
	if !config.Enabled {
		return disabledProducer{}, nil
	}

	path := config.LogPath
	if path == "" {
		path = "networkevents.log"
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &fileProducer{f: f, w: bufio.NewWriter(f)}, nil
}

// Produce writes e as a single JSON line. Marshal/write errors are swallowed
// since event production must never disrupt torrenting.
func (p *fileProducer) Produce(e *Event) {
	b, err := e.JSON()
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.w.Write(b)
	p.w.WriteByte('\n')
	p.w.Flush()
}

// Close flushes and closes the underlying file.
func (p *fileProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.w.Flush()
	return p.f.Close()
}
