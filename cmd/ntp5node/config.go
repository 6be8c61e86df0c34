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
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Config is the on-disk YAML shape of the node's configuration, merged
// with (and overridden by) CLI flags in prepareConfig.
type Config struct {
	Servers        []string `yaml:"servers"`
	Port           int      `yaml:"port"`
	Version        int      `yaml:"version"`
	Poll           int      `yaml:"poll"`
	RefIDFragments int      `yaml:"refids_fragments"`
	DispersionRate float64  `yaml:"dispersion_rate"`
	MaxDistance    float64  `yaml:"max_distance"`
	LocalReference bool     `yaml:"local_reference"`
	Interleaved    bool     `yaml:"xleave"`
	NoRefID        bool     `yaml:"no_refid"`
	DSCP           int      `yaml:"dscp"`
	MetricsPort    int      `yaml:"metrics_port"`
	StatsPort      int      `yaml:"stats_port"`
}

// defaultConfig matches ntpnode's argparse defaults exactly.
func defaultConfig() *Config {
	return &Config{
		Port:           10123,
		Version:        0,
		Poll:           2,
		RefIDFragments: 4,
		DispersionRate: 15e-6,
		MaxDistance:    1.0,
	}
}

// ReadConfig reads and merges a YAML config file over the defaults.
func ReadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
