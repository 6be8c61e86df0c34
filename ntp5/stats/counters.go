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

// Package stats collects node-wide counters and exposes them over HTTP,
// both as raw JSON and, via PrometheusExporter, as Prometheus gauges.
package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Counters is a set of atomic protocol counters. Only the Inc methods
// change them; the client, server and node packages do not call those
// methods, so a node's counters stay at zero. Fields are kept first for
// 64-bit alignment on 32-bit platforms, per sync/atomic's requirements.
type Counters struct {
	requestsV4      int64
	requestsV5      int64
	responsesV4     int64
	responsesV5     int64
	invalidFormat   int64
	bogusResponse   int64
	unsynchronized  int64
	selectionChange int64
	loopDetected    int64
	readError       int64
}

// IncRequestsV4 counts an accepted NTPv4 request.
func (c *Counters) IncRequestsV4() { atomic.AddInt64(&c.requestsV4, 1) }

// IncRequestsV5 counts an accepted NTPv5 request.
func (c *Counters) IncRequestsV5() { atomic.AddInt64(&c.requestsV5, 1) }

// IncResponsesV4 counts a validated NTPv4 response.
func (c *Counters) IncResponsesV4() { atomic.AddInt64(&c.responsesV4, 1) }

// IncResponsesV5 counts a validated NTPv5 response.
func (c *Counters) IncResponsesV5() { atomic.AddInt64(&c.responsesV5, 1) }

// IncInvalidFormat counts a datagram rejected at decode time.
func (c *Counters) IncInvalidFormat() { atomic.AddInt64(&c.invalidFormat, 1) }

// IncBogusResponse counts a response that failed request/response pairing.
func (c *Counters) IncBogusResponse() { atomic.AddInt64(&c.bogusResponse, 1) }

// IncUnsynchronized counts a response from an unsynchronized peer.
func (c *Counters) IncUnsynchronized() { atomic.AddInt64(&c.unsynchronized, 1) }

// IncSelectionChange counts a change of the advertised reference source.
func (c *Counters) IncSelectionChange() { atomic.AddInt64(&c.selectionChange, 1) }

// IncLoopDetected counts a source skipped due to a detected sync loop or
// self-reference.
func (c *Counters) IncLoopDetected() { atomic.AddInt64(&c.loopDetected, 1) }

// IncReadError counts a transient socket I/O failure.
func (c *Counters) IncReadError() { atomic.AddInt64(&c.readError, 1) }

// toMap snapshots every counter into a plain map for JSON export.
func (c *Counters) toMap() map[string]int64 {
	return map[string]int64{
		"ntp5.requests.v4":      atomic.LoadInt64(&c.requestsV4),
		"ntp5.requests.v5":      atomic.LoadInt64(&c.requestsV5),
		"ntp5.responses.v4":     atomic.LoadInt64(&c.responsesV4),
		"ntp5.responses.v5":     atomic.LoadInt64(&c.responsesV5),
		"ntp5.invalid_format":   atomic.LoadInt64(&c.invalidFormat),
		"ntp5.bogus_response":   atomic.LoadInt64(&c.bogusResponse),
		"ntp5.unsynchronized":   atomic.LoadInt64(&c.unsynchronized),
		"ntp5.selection_change": atomic.LoadInt64(&c.selectionChange),
		"ntp5.loop_detected":    atomic.LoadInt64(&c.loopDetected),
		"ntp5.read_error":       atomic.LoadInt64(&c.readError),
	}
}

func (c *Counters) handleRequest(w http.ResponseWriter, _ *http.Request) {
	snapshot := c.toMap()
	if sys, err := (SysStats{}).Collect(); err == nil {
		for k, v := range sys {
			snapshot[k] = v
		}
	} else {
		log.Debugf("ntp5 stats: collecting process stats: %v", err)
	}

	js, err := json.Marshal(snapshot)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("ntp5 stats: failed to reply: %v", err)
	}
}

// Start serves the JSON counters endpoint on port, blocking forever.
// Callers that also run a Prometheus exporter should run Start in its own
// goroutine, since the exporter scrapes this same endpoint.
func (c *Counters) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleRequest)
	addr := fmt.Sprintf(":%d", port)
	log.Debugf("ntp5 stats: starting json endpoint on %s", addr)
	return http.ListenAndServe(addr, mux)
}

// FetchCounters fetches and decodes the JSON counters map from a running
// node's stats endpoint, used by PrometheusExporter.
func FetchCounters(baseURL string) (map[string]int64, error) {
	resp, err := http.Get(baseURL + "/")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding counters: %w", err)
	}
	return out, nil
}
