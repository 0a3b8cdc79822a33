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

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/entrypoint"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to the server config file, empty runs built-in defaults")
	listenAddr = flag.String("listen", "", "batch listen address, overrides the config file")
	logLevel   = flag.String("loglevel", "", "default log level, overrides the config file")
)

func main() {
	flag.Parse()

	sc, err := entrypoint.StartAllServicesWithOverrides(*configPath, entrypoint.Overrides{
		ListenAddress: *listenAddr,
		LogLevel:      *logLevel,
	})
	if err != nil {
		log.Log(log.Kestreld).Fatal("server failed to start", zap.Error(err))
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		log.Log(log.Kestreld).Info("signal received, shutting down",
			zap.Stringer("signal", sig))
	case <-sc.ShutdownRequested():
		log.Log(log.Kestreld).Info("shutdown requested by client, shutting down")
	}
	sc.StopAll()
}
