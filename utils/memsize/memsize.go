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

// Package memsize converts byte and bit counts into human-readable strings.
package memsize

import "fmt"

// Byte-based size units.
const (
	B  uint64 = 1
	KB        = 1024 * B
	MB        = 1024 * KB
	GB        = 1024 * MB
	TB        = 1024 * GB
)

// Bit-based size units.
const (
	Kbit uint64 = 1024
	Mbit        = 1024 * Kbit
	Gbit        = 1024 * Mbit
	Tbit        = 1024 * Gbit
)

func format(n uint64, unit string, kb, mb, gb, tb uint64) string {
	switch {
	case n == 0:
		return "0" + unit
	case n >= tb:
		return fmt.Sprintf("%.2fT%s", float64(n)/float64(tb), unit)
	case n >= gb:
		return fmt.Sprintf("%.2fG%s", float64(n)/float64(gb), unit)
	case n >= mb:
		return fmt.Sprintf("%.2fM%s", float64(n)/float64(mb), unit)
	case n >= kb:
		return fmt.Sprintf("%.2fK%s", float64(n)/float64(kb), unit)
	default:
		return fmt.Sprintf("%.2f%s", float64(n), unit)
	}
}

// Format renders a byte count as a human-readable string, e.g. "1.50GB".
func Format(bytes uint64) string {
	return format(bytes, "B", KB, MB, GB, TB)
}

// BitFormat renders a bit count as a human-readable string, e.g. "1.50Gbit".
func BitFormat(bits uint64) string {
	return format(bits, "bit", Kbit, Mbit, Gbit, Tbit)
}
