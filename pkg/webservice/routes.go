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

package webservice

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc http.HandlerFunc
}

type routes []route

var webRoutes = routes{
	route{
		"Health",
		"GET",
		"/ws/v1/health",
		getServerHealth,
	},
	route{
		"Server",
		"GET",
		"/ws/v1/server",
		getServerInfo,
	},
	route{
		"Connections",
		"GET",
		"/ws/v1/connections",
		getConnections,
	},
	route{
		"Requests",
		"GET",
		"/ws/v1/requests",
		getRequests,
	},
	route{
		"Jobs",
		"GET",
		"/ws/v1/jobs",
		getJobs,
	},
	route{
		"Nodes",
		"GET",
		"/ws/v1/nodes",
		getNodes,
	},
	route{
		"Relays",
		"GET",
		"/ws/v1/relays",
		getRelays,
	},
	route{
		"Tracking",
		"GET",
		"/ws/v1/tracking",
		getTracking,
	},
	route{
		"History",
		"GET",
		"/ws/v1/history",
		getHistory,
	},
	route{
		"Config",
		"GET",
		"/ws/v1/config",
		getServerConfig,
	},
	route{
		"Stack",
		"GET",
		"/ws/v1/stack",
		getStackInfo,
	},
	route{
		"FullStateDump",
		"GET",
		"/ws/v1/fullstatedump",
		getFullStateDump,
	},
	route{
		"Metrics",
		"GET",
		"/ws/v1/metrics",
		promhttp.Handler().ServeHTTP,
	},
}
