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

package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ntp5node/ntp5node/ntp5/stats"
)

var statusStatsPortFlag int

func init() {
	statusCmd.Flags().IntVarP(&statusStatsPortFlag, "stats-port", "s", 0, "JSON stats port of a running ntp5node")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the JSON counters of a running ntp5node",
	RunE: func(_ *cobra.Command, _ []string) error {
		if statusStatsPortFlag == 0 {
			return fmt.Errorf("ntp5node status: --stats-port is required")
		}
		counters, err := stats.FetchCounters(fmt.Sprintf("http://localhost:%d", statusStatsPortFlag))
		if err != nil {
			return fmt.Errorf("fetching counters: %w", err)
		}

		keys := make([]string, 0, len(counters))
		for k := range counters {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetColWidth(24)
		table.SetHeader([]string{"counter", "value"})
		for _, k := range keys {
			table.Append([]string{k, fmt.Sprintf("%d", counters[k])})
		}
		table.Render()

		log.Debugf("ntp5node status: fetched %d counters from port %d", len(counters), statusStatsPortFlag)
		return nil
	},
}
