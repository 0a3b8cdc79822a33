/*
 Licensed to the Apache Software Foundation (ASF) under one
 or more contributor license agreements.  See the NOTICE file
 distributed with this work for additional information
 regarding copyright ownership.  The ASF licenses this file
 to you under the Apache License, Version 2.0 (the
 "License"); you may not use this file except in compliance
 with the License.  You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package metrics

import (
	"runtime"
	"runtime/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

const (
	memStatsLabel = "MemStats"
	genericLabel  = "Generic"
)

// RuntimeMetrics exports Go runtime health for the daemon. Collect must be
// called periodically, the gauges hold the values of the last collection.
type RuntimeMetrics struct {
	mstats         *prometheus.GaugeVec
	genericMetrics *prometheus.GaugeVec
	goroutines     prometheus.Gauge
}

func initRuntimeMetrics() *RuntimeMetrics {
	rtm := &RuntimeMetrics{
		mstats: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: RuntimeSubsystem,
				Name:      "go_mem_stats",
				Help:      "Go MemStats metrics",
			}, []string{memStatsLabel}),
		genericMetrics: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: RuntimeSubsystem,
				Name:      "go_generic",
				Help:      "Go runtime/metrics values",
			}, []string{genericLabel}),
		goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: RuntimeSubsystem,
				Name:      "go_goroutines",
				Help:      "Number of goroutines at the last collection",
			}),
	}

	var metricsList = []prometheus.Collector{
		rtm.mstats,
		rtm.genericMetrics,
		rtm.goroutines,
	}
	for _, metric := range metricsList {
		if err := prometheus.Register(metric); err != nil {
			log.Log(log.Metrics).Warn("failed to register metrics collector", zap.Error(err))
		}
	}
	return rtm
}

func (rtm *RuntimeMetrics) Collect() {
	memStats := runtime.MemStats{}
	runtime.ReadMemStats(&memStats)

	rtm.gauge("Alloc").Set(float64(memStats.Alloc))
	rtm.gauge("TotalAlloc").Set(float64(memStats.TotalAlloc))
	rtm.gauge("Sys").Set(float64(memStats.Sys))
	rtm.gauge("Mallocs").Set(float64(memStats.Mallocs))
	rtm.gauge("Frees").Set(float64(memStats.Frees))
	rtm.gauge("HeapAlloc").Set(float64(memStats.HeapAlloc))
	rtm.gauge("HeapSys").Set(float64(memStats.HeapSys))
	rtm.gauge("HeapIdle").Set(float64(memStats.HeapIdle))
	rtm.gauge("HeapInuse").Set(float64(memStats.HeapInuse))
	rtm.gauge("HeapReleased").Set(float64(memStats.HeapReleased))
	rtm.gauge("HeapObjects").Set(float64(memStats.HeapObjects))
	rtm.gauge("StackInuse").Set(float64(memStats.StackInuse))
	rtm.gauge("StackSys").Set(float64(memStats.StackSys))
	rtm.gauge("NextGC").Set(float64(memStats.NextGC))
	rtm.gauge("LastGC").Set(float64(memStats.LastGC))
	rtm.gauge("PauseTotalNs").Set(float64(memStats.PauseTotalNs))
	rtm.gauge("NumGC").Set(float64(memStats.NumGC))
	rtm.gauge("GCCPUFraction").Set(memStats.GCCPUFraction)

	rtm.goroutines.Set(float64(runtime.NumGoroutine()))

	rtm.collectGeneric()
}

func (rtm *RuntimeMetrics) collectGeneric() {
	descs := metrics.All()

	samples := make([]metrics.Sample, len(descs))
	for i := range samples {
		samples[i].Name = descs[i].Name
	}

	metrics.Read(samples)

	for _, sample := range samples {
		name, value := sample.Name, sample.Value

		switch value.Kind() {
		case metrics.KindUint64:
			rtm.generic(name).Set(float64(value.Uint64()))
		case metrics.KindFloat64:
			rtm.generic(name).Set(value.Float64())
		default:
			// histogram kinds are covered by the MemStats gauges
		}
	}
}

func (rtm *RuntimeMetrics) gauge(name string) prometheus.Gauge {
	return rtm.mstats.With(prometheus.Labels{memStatsLabel: name})
}

func (rtm *RuntimeMetrics) generic(name string) prometheus.Gauge {
	return rtm.genericMetrics.With(prometheus.Labels{genericLabel: formatMetricName(name)})
}

func (rtm *RuntimeMetrics) Reset() {
	rtm.mstats.Reset()
	rtm.genericMetrics.Reset()
	rtm.goroutines.Set(0)
}
