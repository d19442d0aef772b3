// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package metrics

import (
	"strconv"

	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = "MDCache"
		},
	)
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = "MDCache"
		},
	)
}

// CacheCounters are the per-MDS cache statistics reported to the sink.
type CacheCounters struct {
	Cmiss  prometheus.Counter // cache miss
	Rdir   prometheus.Counter // readdir issued to the store
	Dis    prometheus.Counter // discover sent
	Cfw    prometheus.Counter // traversal forwarded
	Ex     prometheus.Counter // subtree exported
	Im     prometheus.Counter // subtree imported
	Imex   prometheus.Counter // nested export adopted during import
	Immyex prometheus.Counter // nested export to self collapsed during import
	Iupfw  prometheus.Counter // inode expire hop-forwarded
	Nex    prometheus.Gauge   // current export set size
	Nim    prometheus.Gauge   // current import set size
}

// register tolerates re-registration so restarted caches reuse their
// collectors.
func register(c prometheus.Collector) prometheus.Collector {
	if err := Registry.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// NewCacheCounters registers a counter set labelled with the MDS rank.
func NewCacheCounters(nodeID int32) *CacheCounters {
	labels := prometheus.Labels{"mds": strconv.Itoa(int(nodeID))}
	counter := func(name, help string) prometheus.Counter {
		return register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "MDCache",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})).(prometheus.Counter)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return register(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "MDCache",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})).(prometheus.Gauge)
	}
	return &CacheCounters{
		Cmiss:  counter("cmiss", "cache misses"),
		Rdir:   counter("rdir", "directory fetches"),
		Dis:    counter("dis", "discovers sent"),
		Cfw:    counter("cfw", "traversals forwarded"),
		Ex:     counter("ex", "subtrees exported"),
		Im:     counter("im", "subtrees imported"),
		Imex:   counter("imex", "nested exports adopted during import"),
		Immyex: counter("immyex", "nested exports to self collapsed"),
		Iupfw:  counter("iupfw", "inode expires forwarded"),
		Nex:    gauge("nex", "export set size"),
		Nim:    gauge("nim", "import set size"),
	}
}
