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
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PrometheusExporter periodically scrapes the node's own JSON counters
// endpoint and republishes them as Prometheus gauges.
type PrometheusExporter struct {
	registry     *prometheus.Registry
	listenPort   int
	countersPort int
	interval     time.Duration
}

// NewPrometheusExporter creates an exporter that serves Prometheus metrics
// on listenPort, scraping the node's JSON counters endpoint on
// countersPort every scrapeInterval.
func NewPrometheusExporter(listenPort, countersPort int, scrapeInterval time.Duration) *PrometheusExporter {
	return &PrometheusExporter{
		registry:     prometheus.NewRegistry(),
		listenPort:   listenPort,
		countersPort: countersPort,
		interval:     scrapeInterval,
	}
}

// Start runs the scrape loop in the background and serves /metrics,
// blocking forever.
func (e *PrometheusExporter) Start() error {
	go func() {
		for {
			e.scrapeMetrics()
			time.Sleep(e.interval)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		e.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	return http.ListenAndServe(fmt.Sprintf(":%d", e.listenPort), mux)
}

func (e *PrometheusExporter) scrapeMetrics() {
	counters, err := FetchCounters(fmt.Sprintf("http://localhost:%d", e.countersPort))
	if err != nil {
		log.Errorf("ntp5 stats: failed to fetch counters: %v", err)
		return
	}
	for mkey, mval := range counters {
		collector := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: flattenKey(mkey),
			Help: mkey,
		})
		if err := e.registry.Register(collector); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if errors.As(err, are) {
				collector = are.ExistingCollector.(prometheus.Gauge)
			} else {
				log.Errorf("ntp5 stats: failed to register metric %s: %v", mkey, err)
				continue
			}
		}
		collector.Set(float64(mval))
	}
}

func flattenKey(key string) string {
	replacer := strings.NewReplacer(" ", "_", ".", "_", "-", "_", "=", "_", "/", "_")
	return replacer.Replace(key)
}
