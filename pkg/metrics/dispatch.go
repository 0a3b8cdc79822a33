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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

// DispatchMetrics tracks the request dispatcher.
type DispatchMetrics struct {
	request         *prometheus.CounterVec
	reject          *prometheus.CounterVec
	activeRequests  prometheus.Gauge
	handlingLatency prometheus.Histogram
}

func initDispatchMetrics() *DispatchMetrics {
	d := &DispatchMetrics{}

	d.request = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: DispatchSubsystem,
			Name:      "request_total",
			Help:      "Total number of dispatched requests, by batch request type.",
		}, []string{"type"})

	d.reject = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: DispatchSubsystem,
			Name:      "reject_total",
			Help:      "Total number of rejected requests, by batch error code.",
		}, []string{"code"})

	d.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: DispatchSubsystem,
			Name:      "active_requests",
			Help:      "Number of requests currently registered, fan-out children included.",
		})

	d.handlingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: DispatchSubsystem,
			Name:      "handling_latency_seconds",
			Help:      "Latency from request decode to reply, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 10, 6), // start from 0.1ms
		},
	)

	var metricsList = []prometheus.Collector{
		d.request,
		d.reject,
		d.activeRequests,
		d.handlingLatency,
	}
	for _, metric := range metricsList {
		if err := prometheus.Register(metric); err != nil {
			log.Log(log.Metrics).Warn("failed to register metrics collector", zap.Error(err))
		}
	}
	return d
}

func (m *DispatchMetrics) Reset() {
	m.request.Reset()
	m.reject.Reset()
	m.activeRequests.Set(0)
}

func (m *DispatchMetrics) IncRequest(requestType string) {
	m.request.With(prometheus.Labels{"type": formatMetricName(requestType)}).Inc()
}

func (m *DispatchMetrics) getRequests(requestType string) (int, error) {
	metricDto := &dto.Metric{}
	err := m.request.With(prometheus.Labels{"type": formatMetricName(requestType)}).Write(metricDto)
	if err == nil {
		return int(*metricDto.Counter.Value), nil
	}
	return -1, err
}

func (m *DispatchMetrics) IncReject(code int32) {
	m.reject.With(prometheus.Labels{"code": strconv.Itoa(int(code))}).Inc()
}

func (m *DispatchMetrics) getRejects(code int32) (int, error) {
	metricDto := &dto.Metric{}
	err := m.reject.With(prometheus.Labels{"code": strconv.Itoa(int(code))}).Write(metricDto)
	if err == nil {
		return int(*metricDto.Counter.Value), nil
	}
	return -1, err
}

func (m *DispatchMetrics) IncActiveRequests() {
	m.activeRequests.Inc()
}

func (m *DispatchMetrics) DecActiveRequests() {
	m.activeRequests.Dec()
}

func (m *DispatchMetrics) SetActiveRequests(value int) {
	m.activeRequests.Set(float64(value))
}

func (m *DispatchMetrics) getActiveRequests() (int, error) {
	metricDto := &dto.Metric{}
	err := m.activeRequests.Write(metricDto)
	if err == nil {
		return int(*metricDto.Gauge.Value), nil
	}
	return -1, err
}

func (m *DispatchMetrics) ObserveHandlingLatency(start time.Time) {
	m.handlingLatency.Observe(SinceInSeconds(start))
}
