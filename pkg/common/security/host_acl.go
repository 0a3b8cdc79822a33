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

package security

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

const WildCard = "*"

// Hostname shape, must allow what the resolver can hand back.
var hostRegExp = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]*$`)

// HostACL gates requests by origin hostname. The server's own hostname is
// always allowed; registered execution nodes are admitted through the lookup
// when enabled. A disabled ACL allows everything.
type HostACL struct {
	enabled    bool
	allAllowed bool
	hosts      map[string]bool
	serverHost string
	nodeLookup func(host string) bool
}

// NewHostACL builds the ACL. hostList entries are hostnames or the wildcard,
// invalid names are ignored. nodeLookup may be nil when execution nodes are
// not admitted.
func NewHostACL(enabled bool, hostList []string, serverHost string, nodeLookup func(string) bool) *HostACL {
	acl := &HostACL{
		enabled:    enabled,
		hosts:      make(map[string]bool),
		serverHost: strings.ToLower(serverHost),
		nodeLookup: nodeLookup,
	}
	if len(hostList) == 1 && hostList[0] == WildCard {
		log.Log(log.Security).Info("host list is wildcard, allowing all access")
		acl.allAllowed = true
		return acl
	}
	for _, host := range hostList {
		if host == "" {
			continue
		}
		if hostRegExp.MatchString(host) {
			acl.hosts[strings.ToLower(host)] = true
		} else {
			log.Log(log.Security).Info("ignoring host in ACL definition",
				zap.String("host", host))
		}
	}
	return acl
}

// Allowed checks one origin hostname against the ACL.
func (a *HostACL) Allowed(host string) bool {
	if !a.enabled {
		return true
	}
	host = strings.ToLower(host)
	if host != "" && host == a.serverHost {
		return true
	}
	if a.allAllowed {
		return true
	}
	if a.hosts[host] {
		return true
	}
	if a.nodeLookup != nil && a.nodeLookup(host) {
		return true
	}
	return false
}
