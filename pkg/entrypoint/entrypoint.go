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
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/accounting"
	"github.com/kestrel-hpc/kestrel-core/pkg/auth"
	"github.com/kestrel-hpc/kestrel-core/pkg/common"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/configs"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/security"
	"github.com/kestrel-hpc/kestrel-core/pkg/deferred"
	"github.com/kestrel-hpc/kestrel-core/pkg/dispatch"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/metrics"
	"github.com/kestrel-hpc/kestrel-core/pkg/metrics/history"
	"github.com/kestrel-hpc/kestrel-core/pkg/objects"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/server"
	"github.com/kestrel-hpc/kestrel-core/pkg/trace"
	"github.com/kestrel-hpc/kestrel-core/pkg/webservice"
)

// EnvTracingEnabled turns request tracing on, the jaeger client reads its
// own JAEGER_* variables for sampler and reporter settings.
const EnvTracingEnabled = "KESTREL_TRACING_ENABLED"

// options used to control how services are started
type startupOptions struct {
	conf               *configs.ServerConfig
	startWebAppFlag    bool
	metricsHistorySize int
}

// Overrides carries the daemon command line settings that win over the
// config file. Zero values leave the file's choice in place.
type Overrides struct {
	ListenAddress string
	LogLevel      string
}

func (o Overrides) apply(conf *configs.ServerConfig) error {
	if o.ListenAddress != "" {
		conf.Server.ListenAddress = o.ListenAddress
	}
	if o.LogLevel != "" {
		if !log.ValidLevel(o.LogLevel) {
			return fmt.Errorf("unknown log level %q", o.LogLevel)
		}
		if conf.Log == nil {
			conf.Log = make(map[string]string)
		}
		conf.Log["log.level"] = o.LogLevel
	}
	return nil
}

// StartAllServices brings up the full batch server from a config file. An
// empty path runs on built-in defaults.
func StartAllServices(configPath string) (*ServiceContext, error) {
	return StartAllServicesWithOverrides(configPath, Overrides{})
}

// StartAllServicesWithOverrides is StartAllServices with the command line
// settings applied on top of the loaded config.
func StartAllServicesWithOverrides(configPath string, over Overrides) (*ServiceContext, error) {
	log.Log(log.Entrypoint).Info("ServiceContext start all services")
	conf, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err = over.apply(conf); err != nil {
		return nil, err
	}
	return startAllServicesWithParameters(
		startupOptions{
			conf:               conf,
			startWebAppFlag:    true,
			metricsHistorySize: 1440,
		})
}

// VisibleForTesting
func StartAllServicesWithConfig(conf *configs.ServerConfig, withWebapp bool) (*ServiceContext, error) {
	log.Log(log.Entrypoint).Info("ServiceContext start all services")
	return startAllServicesWithParameters(
		startupOptions{
			conf:               conf,
			startWebAppFlag:    withWebapp,
			metricsHistorySize: 0,
		})
}

func StartAllServicesWithLogger(logger *zap.Logger, zapConfigs *zap.Config, configPath string) (*ServiceContext, error) {
	log.InitializeLogger(logger, zapConfigs)
	return StartAllServices(configPath)
}

func loadConfig(configPath string) (*configs.ServerConfig, error) {
	if configPath == "" {
		log.Log(log.Entrypoint).Info("no config file given, using defaults")
		return configs.DefaultServerConfig(), nil
	}
	return configs.LoadServerConfig(configPath)
}

func startAllServicesWithParameters(opts startupOptions) (*ServiceContext, error) {
	conf := opts.conf
	conf.Activate()

	if err := registerAuthMethods(conf); err != nil {
		return nil, err
	}

	context := &ServiceContext{
		Config:     conf,
		Registry:   registry.New(),
		Jobs:       objects.NewJobTable(),
		Nodes:      objects.NewNodeTable(),
		Scheduler:  objects.NewSchedulerDirectory(conf.Scheduler.Address),
		shutdownCh: make(chan struct{}),
	}

	recorder := accounting.Recorder(accounting.NopRecorder{})
	if conf.Accounting.Enabled {
		fileRecorder, err := accounting.NewFileRecorder(conf.Accounting.Directory)
		if err != nil {
			return nil, fmt.Errorf("accounting recorder start failed: %w", err)
		}
		context.Recorder = fileRecorder
		recorder = fileRecorder
	}

	if common.GetBoolEnvVar(EnvTracingEnabled, false) {
		tracer, err := trace.NewRequestTracer(nil)
		if err != nil {
			log.Log(log.Entrypoint).Warn("request tracer not started",
				zap.Error(err))
		} else {
			context.Tracer = tracer
		}
	}

	var nodeLookup func(string) bool
	if conf.ACL.AllowExecNodes {
		nodes := context.Nodes
		nodeLookup = func(host string) bool {
			_, ok := nodes.FindNode(host)
			return ok
		}
	}
	acl := security.NewHostACL(conf.ACL.HostEnable, conf.ACL.Hosts, conf.Server.Name, nodeLookup)

	groups, err := buildGroupResolver(conf)
	if err != nil {
		return nil, err
	}
	context.UserGroups = groups
	privileges, err := security.NewPrivilegeResolver(conf.ACL.Managers, conf.ACL.Operators, groups)
	if err != nil {
		groups.Stop()
		return nil, fmt.Errorf("privilege lists: %w", err)
	}

	// the dispatcher hands socket closes and shutdown intents back out,
	// both targets exist before the loop can run either callback
	var srv *server.Server
	log.Log(log.Entrypoint).Info("ServiceContext start dispatch service")
	context.Dispatcher = dispatch.NewDispatcher(dispatch.Options{
		Registry:       context.Registry,
		Jobs:           context.Jobs,
		Nodes:          context.Nodes,
		Scheduler:      context.Scheduler,
		Recorder:       recorder,
		ACL:            acl,
		Privileges:     privileges,
		Transport:      deferred.NewTCPTransport(),
		ServerHost:     conf.Server.Name,
		PeerPort:       conf.Server.PeerPort,
		ReleaseAllow:   conf.Suspend.RestrictReleaseResources,
		Tracer:         context.Tracer,
		CloseTransport: func(connID uint64) { srv.CloseConnID(connID) },
		Shutdown:       context.requestShutdown,
	})
	context.Dispatcher.StartService()

	srv = server.New(server.Options{
		Registry:   context.Registry,
		Dispatcher: context.Dispatcher,
		Address:    conf.Server.ListenAddress,
		MaxConns:   conf.Server.MaxConns,
	})
	context.Server = srv
	if err := srv.Start(); err != nil {
		context.Dispatcher.Stop()
		context.UserGroups.Stop()
		if context.Recorder != nil {
			context.Recorder.Stop()
		}
		if context.Tracer != nil {
			context.Tracer.Close()
		}
		return nil, err
	}

	var imHistory *history.InternalMetricsHistory
	if opts.metricsHistorySize != 0 {
		log.Log(log.Entrypoint).Info("creating InternalMetricsHistory")
		imHistory = history.NewInternalMetricsHistory(opts.metricsHistorySize)
		context.MetricsCollector = metrics.NewInternalMetricsCollector(imHistory)
		context.MetricsCollector.StartService()
	}

	if opts.startWebAppFlag {
		log.Log(log.Entrypoint).Info("ServiceContext start web application service")
		webapp := webservice.NewWebApp(&webservice.CoreContext{
			Registry:   context.Registry,
			Jobs:       context.Jobs,
			Nodes:      context.Nodes,
			Dispatcher: context.Dispatcher,
			ServerHost: conf.Server.Name,
			WebAddress: conf.Server.WebAddress,
			StartTime:  time.Now(),
		}, imHistory)
		webapp.StartWebApp()
		context.WebApp = webapp
	}

	return context, nil
}

// registerAuthMethods installs every method the config names. Registration
// is global and sticky, a method already present is fine as long as later
// configs agree with it.
func registerAuthMethods(conf *configs.ServerConfig) error {
	for _, name := range methodUnion(conf.Auth.Methods, conf.Auth.EncryptMethods) {
		if _, ok := auth.Lookup(name); ok {
			continue
		}
		switch name {
		case auth.MethodResvport:
			if err := auth.Register(auth.NewResvport()); err != nil {
				return err
			}
		case auth.MethodHMAC:
			if conf.Auth.KeyFile == "" {
				return fmt.Errorf("auth method %q needs auth.keyfile in the config", name)
			}
			method := auth.NewHMAC()
			if err := method.Configure(map[string]string{
				"keyfile": conf.Auth.KeyFile,
				"realm":   conf.Server.Name,
			}); err != nil {
				return err
			}
			if err := auth.Register(method); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown auth method %q, supported: %s",
				name, strings.Join([]string{auth.MethodResvport, auth.MethodHMAC}, ", "))
		}
	}
	return nil
}

// buildGroupResolver picks the membership source backing the manager and
// operator group entries.
func buildGroupResolver(conf *configs.ServerConfig) (*security.UserGroupCache, error) {
	switch conf.Groups.Resolver {
	case configs.ResolverLdap:
		return security.NewLdapUserGroupCache(conf.Groups.LdapConfig(), security.NewLdapAccess())
	case configs.ResolverNone:
		return security.NewNoResolveUserGroupCache(), nil
	default:
		return security.NewOSUserGroupCache(), nil
	}
}

func methodUnion(lists ...[]string) []string {
	seen := make(map[string]bool)
	var union []string
	for _, list := range lists {
		for _, name := range list {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			union = append(union, name)
		}
	}
	return union
}
