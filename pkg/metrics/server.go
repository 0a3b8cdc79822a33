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
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

// ServerMetrics tracks the batch listener and its connections.
type ServerMetrics struct {
	connection        *prometheus.CounterVec
	activeConnections prometheus.Gauge
	authAttempt       *prometheus.CounterVec
}

func initServerMetrics() *ServerMetrics {
	s := &ServerMetrics{}

	s.connection = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: ServerSubsystem,
			Name:      "connection_total",
			Help:      "Total number of batch connections. State of the connection includes `accepted` and `closed`.",
		}, []string{"state"})

	s.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: ServerSubsystem,
			Name:      "active_connections",
			Help:      "Number of batch connections currently registered.",
		})

	s.authAttempt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: ServerSubsystem,
			Name:      "auth_attempt_total",
			Help:      "Total number of authentication handshakes, by method and result.",
		}, []string{"method", "result"})

	var metricsList = []prometheus.Collector{
		s.connection,
		s.activeConnections,
		s.authAttempt,
	}
	for _, metric := range metricsList {
		if err := prometheus.Register(metric); err != nil {
			log.Log(log.Metrics).Warn("failed to register metrics collector", zap.Error(err))
		}
	}
	return s
}

func (m *ServerMetrics) Reset() {
	m.connection.Reset()
	m.activeConnections.Set(0)
	m.authAttempt.Reset()
}

func (m *ServerMetrics) IncAcceptedConnection() {
	m.connection.With(prometheus.Labels{"state": "accepted"}).Inc()
}

func (m *ServerMetrics) IncClosedConnection() {
	m.connection.With(prometheus.Labels{"state": "closed"}).Inc()
}

func (m *ServerMetrics) getAcceptedConnections() (int, error) {
	metricDto := &dto.Metric{}
	err := m.connection.With(prometheus.Labels{"state": "accepted"}).Write(metricDto)
	if err == nil {
		return int(*metricDto.Counter.Value), nil
	}
	return -1, err
}

func (m *ServerMetrics) IncActiveConnections() {
	m.activeConnections.Inc()
}

func (m *ServerMetrics) DecActiveConnections() {
	m.activeConnections.Dec()
}

func (m *ServerMetrics) SetActiveConnections(value int) {
	m.activeConnections.Set(float64(value))
}

func (m *ServerMetrics) getActiveConnections() (int, error) {
	metricDto := &dto.Metric{}
	err := m.activeConnections.Write(metricDto)
	if err == nil {
		return int(*metricDto.Gauge.Value), nil
	}
	return -1, err
}

func (m *ServerMetrics) IncAuthSuccess(method string) {
	m.authAttempt.With(prometheus.Labels{"method": method, "result": "success"}).Inc()
}

func (m *ServerMetrics) IncAuthFailure(method string) {
	m.authAttempt.With(prometheus.Labels{"method": method, "result": "failure"}).Inc()
}

func (m *ServerMetrics) getAuthAttempts(method, result string) (int, error) {
	metricDto := &dto.Metric{}
	err := m.authAttempt.With(prometheus.Labels{"method": method, "result": result}).Write(metricDto)
	if err == nil {
		return int(*metricDto.Counter.Value), nil
	}
	return -1, err
}
