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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

// RelayMetrics tracks requests forwarded to execution peers.
type RelayMetrics struct {
	relay         *prometheus.CounterVec
	pendingRelays prometheus.Gauge
	relayLatency  prometheus.Histogram
}

func initRelayMetrics() *RelayMetrics {
	r := &RelayMetrics{}

	r.relay = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RelaySubsystem,
			Name:      "relay_total",
			Help:      "Total number of peer relays. Result of the relay includes `delivered`, `failed` and `aborted`.",
		}, []string{"result"})

	r.pendingRelays = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: RelaySubsystem,
			Name:      "pending_relays",
			Help:      "Number of relays waiting for a peer reply.",
		})

	r.relayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: RelaySubsystem,
			Name:      "relay_latency_seconds",
			Help:      "Latency of a peer relay round trip, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 10, 6), // start from 1ms
		},
	)

	var metricsList = []prometheus.Collector{
		r.relay,
		r.pendingRelays,
		r.relayLatency,
	}
	for _, metric := range metricsList {
		if err := prometheus.Register(metric); err != nil {
			log.Log(log.Metrics).Warn("failed to register metrics collector", zap.Error(err))
		}
	}
	return r
}

func (m *RelayMetrics) Reset() {
	m.relay.Reset()
	m.pendingRelays.Set(0)
}

func (m *RelayMetrics) IncRelayDelivered() {
	m.relay.With(prometheus.Labels{"result": "delivered"}).Inc()
}

func (m *RelayMetrics) IncRelayFailed() {
	m.relay.With(prometheus.Labels{"result": "failed"}).Inc()
}

func (m *RelayMetrics) IncRelayAborted() {
	m.relay.With(prometheus.Labels{"result": "aborted"}).Inc()
}

func (m *RelayMetrics) getRelays(result string) (int, error) {
	metricDto := &dto.Metric{}
	err := m.relay.With(prometheus.Labels{"result": result}).Write(metricDto)
	if err == nil {
		return int(*metricDto.Counter.Value), nil
	}
	return -1, err
}

// GetFailedRelays reads the failed relay count back for the health checks.
func (m *RelayMetrics) GetFailedRelays() (int, error) {
	return m.getRelays("failed")
}

func (m *RelayMetrics) IncPendingRelays() {
	m.pendingRelays.Inc()
}

func (m *RelayMetrics) DecPendingRelays() {
	m.pendingRelays.Dec()
}

func (m *RelayMetrics) ObserveRelayLatency(start time.Time) {
	m.relayLatency.Observe(SinceInSeconds(start))
}
