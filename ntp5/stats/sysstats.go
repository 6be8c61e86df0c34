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

package stats

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

var procStartTime = time.Now()

// SysStats collects process-level health metrics (CPU, memory, file
// descriptors) and folds them into the same counters map the JSON and
// Prometheus endpoints export, so a single dashboard covers both protocol
// and process health.
type SysStats struct{}

// Collect gathers a snapshot of process metrics.
func (SysStats) Collect() (map[string]int64, error) {
	stats := make(map[string]int64)

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}

	stats["process.alive_since"] = procStartTime.Unix()
	stats["process.uptime"] = int64(time.Since(procStartTime).Seconds())

	if val, err := proc.Percent(0); err == nil {
		stats["process.cpu_permil"] = int64(val * 10)
	}
	if val, err := proc.MemoryInfo(); err == nil {
		stats["process.rss"] = int64(val.RSS)
		stats["process.vms"] = int64(val.VMS)
	}
	if val, err := proc.NumFDs(); err == nil {
		stats["process.num_fds"] = int64(val)
	}
	if val, err := proc.NumThreads(); err == nil {
		stats["process.num_threads"] = int64(val)
	}

	return stats, nil
}
