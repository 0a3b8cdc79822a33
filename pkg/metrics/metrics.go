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
	"regexp"
	"time"
)

const (
	// Namespace prefixes every metric exported by the server.
	Namespace = "kestrel"

	// ServerSubsystem covers listener and connection metrics.
	ServerSubsystem = "server"
	// DispatchSubsystem covers request handling metrics.
	DispatchSubsystem = "dispatch"
	// RelaySubsystem covers deferred peer relay metrics.
	RelaySubsystem = "relay"
	// RuntimeSubsystem covers Go runtime metrics.
	RuntimeSubsystem = "runtime"
)

var invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// formatMetricName cleans a free-form name (request type, runtime metric path)
// so it can be used as a prometheus metric or label component.
func formatMetricName(name string) string {
	cleaned := invalidMetricChars.ReplaceAllString(name, "_")
	if cleaned == "" || (cleaned[0] >= '0' && cleaned[0] <= '9') {
		cleaned = "_" + cleaned
	}
	return cleaned
}

// SinceInSeconds gets the time since the specified start in seconds.
func SinceInSeconds(start time.Time) float64 {
	return time.Since(start).Seconds()
}
