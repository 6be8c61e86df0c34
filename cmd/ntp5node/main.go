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

// Command ntp5node runs an experimental dual-version NTPv4/NTPv5 time
// node: it polls a set of upstream servers, picks the best one, and
// answers downstream client queries with whatever reference it has
// selected.
package main

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ntp5node/ntp5node/ntp5/clock"
	"github.com/ntp5node/ntp5node/ntp5/node"
	"github.com/ntp5node/ntp5node/ntp5/stats"
	"github.com/ntp5node/ntp5node/protocol/ntp5"
)

var (
	configFlag         string
	portFlag           int
	versionFlag        int
	pollFlag           int
	refIDFragmentsFlag int
	dispersionRateFlag float64
	maxDistanceFlag    float64
	localFlag          bool
	xleaveFlag         bool
	noRefIDFlag        bool
	dscpFlag           int
	metricsPortFlag    int
	statsPortFlag      int
	debugFlag          int
)

var rootCmd = &cobra.Command{
	Use:   "ntp5node [servers...]",
	Short: "Experimental dual-version (NTPv4/NTPv5) time node",
	RunE:  runNode,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFlag, "config", "c", "", "path to an optional YAML config file")
	flags.IntVarP(&portFlag, "port", "p", 0, "port to listen for client requests on (default 10123)")
	flags.IntVarP(&versionFlag, "version", "v", 0, "NTP version to speak (0 = auto-detect)")
	flags.IntVarP(&pollFlag, "poll", "i", 0, "poll interval exponent, requests sent every 2^poll seconds (default 2)")
	flags.IntVarP(&refIDFragmentsFlag, "refids-fragments", "f", 0, "number of polls to download the reference-ID filter across (default 4)")
	flags.Float64VarP(&dispersionRateFlag, "dispersion-rate", "r", 0, "assumed dispersion growth per second (default 15e-6)")
	flags.Float64VarP(&maxDistanceFlag, "max-distance", "m", 0, "largest acceptable root distance in seconds (default 1.0)")
	flags.BoolVarP(&localFlag, "local", "l", false, "seed a synthetic local stratum-1 reference at startup")
	flags.BoolVarP(&xleaveFlag, "xleave", "x", false, "request interleaved mode from upstream servers")
	flags.BoolVarP(&noRefIDFlag, "no-refid", "n", false, "suppress the NTPv4 reference ID loop check")
	flags.IntVar(&dscpFlag, "dscp", 0, "DSCP value to mark outgoing client packets with")
	flags.IntVar(&metricsPortFlag, "metrics-port", 0, "port to serve Prometheus metrics on (0 disables)")
	flags.IntVar(&statsPortFlag, "stats-port", 0, "port to serve JSON counters on (0 disables)")
	flags.CountVarP(&debugFlag, "debug", "d", "increase log verbosity (repeatable)")

	rootCmd.AddCommand(statusCmd)
}

func configureLogging() {
	log.SetLevel(log.InfoLevel)
	if debugFlag >= 1 {
		log.SetLevel(log.DebugLevel)
	}
	if debugFlag >= 2 {
		log.SetReportCaller(true)
	}
}

// warnOverride logs that a CLI flag is overriding a value loaded from the
// config file, so operators notice the precedence at a glance.
func warnOverride(name string) {
	log.Warnf("overriding %s from CLI flag", name)
}

// prepareConfig loads an optional config file and layers CLI flag
// overrides on top of it, matching the CLI-wins-over-file precedence the
// rest of this codebase's daemons use.
func prepareConfig(cfgPath string, servers []string) (*Config, error) {
	cfg := defaultConfig()
	var err error
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}

	if len(servers) > 0 {
		warnOverride("servers")
		cfg.Servers = servers
	}
	if portFlag != 0 {
		warnOverride("port")
		cfg.Port = portFlag
	}
	if versionFlag != 0 {
		warnOverride("version")
		cfg.Version = versionFlag
	}
	if pollFlag != 0 {
		warnOverride("poll")
		cfg.Poll = pollFlag
	}
	if refIDFragmentsFlag != 0 {
		warnOverride("refids-fragments")
		cfg.RefIDFragments = refIDFragmentsFlag
	}
	if dispersionRateFlag != 0 {
		warnOverride("dispersion-rate")
		cfg.DispersionRate = dispersionRateFlag
	}
	if maxDistanceFlag != 0 {
		warnOverride("max-distance")
		cfg.MaxDistance = maxDistanceFlag
	}
	if localFlag {
		cfg.LocalReference = true
	}
	if xleaveFlag {
		cfg.Interleaved = true
	}
	if noRefIDFlag {
		cfg.NoRefID = true
	}
	if dscpFlag != 0 {
		cfg.DSCP = dscpFlag
	}
	if metricsPortFlag != 0 {
		cfg.MetricsPort = metricsPortFlag
	}
	if statsPortFlag != 0 {
		cfg.StatsPort = statsPortFlag
	}

	return cfg, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	configureLogging()

	cfg, err := prepareConfig(configFlag, args)
	if err != nil {
		return err
	}
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("ntp5node: no upstream servers configured")
	}

	n, err := node.New(node.Config{
		Port:           cfg.Port,
		PollExponent:   int8(cfg.Poll),
		RefIDFragments: cfg.RefIDFragments,
		DispersionRate: cfg.DispersionRate,
		MaxDistance:    cfg.MaxDistance,
		Version:        uint8(cfg.Version),
		Interleaved:    cfg.Interleaved,
		NoRefID:        cfg.NoRefID,
		LocalReference: cfg.LocalReference,
		DSCP:           cfg.DSCP,
		Timescale:      ntp5.TimescaleUTC,
	}, cfg.Servers, clock.System{})
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	defer n.Close()

	var eg errgroup.Group

	if cfg.StatsPort != 0 {
		counters := &stats.Counters{}
		eg.Go(func() error {
			return counters.Start(cfg.StatsPort)
		})
		if cfg.MetricsPort != 0 {
			exporter := stats.NewPrometheusExporter(cfg.MetricsPort, cfg.StatsPort, 15*time.Second)
			eg.Go(exporter.Start)
		}
	} else if cfg.MetricsPort != 0 {
		log.Warnf("ntp5node: --metrics-port requires --stats-port to scrape from; metrics exporter not started")
	}

	eg.Go(n.Run)

	return eg.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
