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

package entrypoint

import (
	"sync"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/accounting"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/configs"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/security"
	"github.com/kestrel-hpc/kestrel-core/pkg/dispatch"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/metrics"
	"github.com/kestrel-hpc/kestrel-core/pkg/objects"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/server"
	"github.com/kestrel-hpc/kestrel-core/pkg/trace"
	"github.com/kestrel-hpc/kestrel-core/pkg/webservice"
)

// ServiceContext holds every running service of the batch server. Built by
// StartAllServices, torn down by StopAll.
type ServiceContext struct {
	Config           *configs.ServerConfig
	Registry         *registry.Registry
	Jobs             *objects.JobTable
	Nodes            *objects.NodeTable
	Scheduler        *objects.SchedulerDirectory
	Dispatcher       *dispatch.Dispatcher
	Server           *server.Server
	WebApp           *webservice.WebService
	MetricsCollector *metrics.InternalMetricsCollector
	Recorder         *accounting.FileRecorder
	UserGroups       *security.UserGroupCache
	Tracer           trace.RequestTracer

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	stopOnce     sync.Once
}

// ShutdownRequested returns a channel closed when a client asked the server
// to shut down. The daemon main selects on it next to its signal channel.
func (s *ServiceContext) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// requestShutdown is the dispatcher's shutdown callback. It only flags the
// request, the actual teardown runs on whoever owns the ServiceContext.
func (s *ServiceContext) requestShutdown(immediate bool) {
	log.Log(log.Entrypoint).Info("shutdown requested by client",
		zap.Bool("immediate", immediate))
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}

// StopAll tears the services down in dependency order. Pending relays are
// failed first so waiting clients get answers while their sockets still
// exist, then the listener goes away, then the dispatch loop drains.
func (s *ServiceContext) StopAll() {
	s.stopOnce.Do(s.stopAll)
}

func (s *ServiceContext) stopAll() {
	log.Log(log.Entrypoint).Info("ServiceContext stop all services")
	if aborted := s.Dispatcher.Engine().AbortAll(batcherr.New(batcherr.CodeServerDown,
		"server shutting down")); aborted > 0 {
		log.Log(log.Entrypoint).Info("pending relays aborted",
			zap.Int("aborted", aborted))
		s.Dispatcher.Barrier()
	}
	if s.Server != nil {
		s.Server.Stop()
	}
	if s.WebApp != nil {
		if err := s.WebApp.StopWebApp(); err != nil {
			log.Log(log.Entrypoint).Error("failed to stop web-app",
				zap.Error(err))
		}
	}
	if s.MetricsCollector != nil {
		s.MetricsCollector.Stop()
	}
	s.Dispatcher.Stop()
	if s.UserGroups != nil {
		s.UserGroups.Stop()
	}
	if s.Recorder != nil {
		s.Recorder.Stop()
	}
	if s.Tracer != nil {
		s.Tracer.Close()
	}
	log.Log(log.Entrypoint).Info("ServiceContext stopped")
}
