/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package clock adapts the system clock to the 64-bit NTP-era timestamp
// format used on the wire: seconds since 1900-01-01 in the upper 32 bits,
// a fractional-second counter in the lower 32, with low-order jitter
// matching the advertised precision so two reads taken back to back differ
// with high probability.
package clock

import (
	"math/rand"
	"time"
)

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01T00:00:00Z) and the Unix epoch.
const ntpEpochOffset = 2208988800

// DefaultPrecision is the clock precision this node advertises absent any
// more specific measurement: 2^-20 seconds, matching the reference node
// this design follows.
const DefaultPrecision int8 = -20

// Reader reads the current 64-bit NTP timestamp. It exists so the client,
// server, and node packages can be driven by a fake clock in tests without
// touching the real system clock.
type Reader interface {
	Now(precision int8) uint64
}

// System is the production Reader, backed by time.Now.
type System struct{}

// Now returns the current time as a 64-bit NTP timestamp. precision is the
// NTP precision exponent (log2 seconds, e.g. -20); the low 32+precision
// bits (clamped to 0..63, so 12 bits at -20) are XORed with random jitter
// so that two calls in the same clock tick differ with high probability.
// The jitter can make a later read smaller than an earlier one, and two
// reads can still collide.
func (System) Now(precision int8) uint64 {
	return Now(precision)
}

// Now is the package-level convenience form of System{}.Now, used directly
// by code that has no need to swap in a fake Reader.
func Now(precision int8) uint64 {
	seconds := float64(time.Now().UnixNano()) / 1e9
	whole := uint64((seconds + ntpEpochOffset) * 4294967296)
	bits := 32 + int(precision)
	if bits < 0 {
		bits = 0
	}
	if bits > 63 {
		bits = 63
	}
	jitter := uint64(rand.Int63()) & ((uint64(1) << uint(bits)) - 1)
	return whole ^ jitter
}

// ToTime converts a 64-bit NTP timestamp to a time.Time, for logging and
// diagnostics only; the protocol state machines operate on the raw 64-bit
// value throughout.
func ToTime(ts uint64) time.Time {
	seconds := float64(ts) / 4294967296
	unixSeconds := seconds - ntpEpochOffset
	return time.Unix(0, int64(unixSeconds*1e9))
}
