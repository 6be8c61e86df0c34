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

package server

import "container/list"

// TimestampCache is a bounded FIFO cache of saved transmit timestamps,
// keyed by the receive timestamp of the request that produced them. It
// backs the interleaved-mode "reveal the true transmit time on the next
// exchange" trick: the server can't know its own precise transmit
// timestamp until after the packet is already on the wire, so it saves it
// here and hands it to whichever future request quotes this receive
// timestamp back as its origin.
//
// Entries are evicted oldest-first once the cache exceeds its capacity, so
// a client that never follows up simply ages out instead of leaking
// memory.
type TimestampCache struct {
	max  int
	vals map[uint64]uint64
	fifo *list.List
}

// NewTimestampCache creates a cache holding at most max entries.
func NewTimestampCache(max int) *TimestampCache {
	return &TimestampCache{
		max:  max,
		vals: make(map[uint64]uint64),
		fifo: list.New(),
	}
}

// Has reports whether key is currently present.
func (c *TimestampCache) Has(key uint64) bool {
	_, ok := c.vals[key]
	return ok
}

// Save inserts key/value. key must not already be present; the server's
// receive loop is responsible for perturbing a colliding receive timestamp
// before calling Save. A duplicate key, or a map and queue of different
// sizes, is a bug and panics.
func (c *TimestampCache) Save(key, value uint64) {
	if _, dup := c.vals[key]; dup || len(c.vals) != c.fifo.Len() {
		panic("ntp5 server: timestamp cache invariant violated")
	}
	c.vals[key] = value
	c.fifo.PushBack(key)
	for len(c.vals) > c.max {
		oldest := c.fifo.Front()
		if oldest == nil {
			break
		}
		c.fifo.Remove(oldest)
		delete(c.vals, oldest.Value.(uint64))
	}
}

// Pop removes and returns the value for key, if present. This is a
// single-use read: a saved transmit timestamp is only ever revealed to one
// interleaved follow-up.
func (c *TimestampCache) Pop(key uint64) (uint64, bool) {
	v, ok := c.vals[key]
	if !ok {
		return 0, false
	}
	delete(c.vals, key)
	for e := c.fifo.Front(); e != nil; e = e.Next() {
		if e.Value.(uint64) == key {
			c.fifo.Remove(e)
			break
		}
	}
	return v, true
}

// Len reports the number of entries currently cached.
func (c *TimestampCache) Len() int {
	return len(c.vals)
}
