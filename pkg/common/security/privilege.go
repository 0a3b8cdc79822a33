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

import "fmt"

// PrivilegeResolver grants operator and manager levels to requests from
// unprivileged connections, based on the configured principal lists. A
// manager holds every operator right as well.
type PrivilegeResolver struct {
	managers  *PrincipalACL
	operators *PrincipalACL
	cache     *UserGroupCache
}

// NewPrivilegeResolver parses both principal lists. cache may be nil, group
// entries then never match.
func NewPrivilegeResolver(managers, operators []string, cache *UserGroupCache) (*PrivilegeResolver, error) {
	mACL, err := NewPrincipalACL(managers)
	if err != nil {
		return nil, fmt.Errorf("managers list: %w", err)
	}
	oACL, err := NewPrincipalACL(operators)
	if err != nil {
		return nil, fmt.Errorf("operators list: %w", err)
	}
	return &PrivilegeResolver{
		managers:  mACL,
		operators: oACL,
		cache:     cache,
	}, nil
}

// Level returns the privilege of a user at a host. A group resolution
// failure is not fatal, user and host entries still apply.
func (r *PrivilegeResolver) Level(userName, host string) (operator, manager bool) {
	if userName == "" {
		return false, false
	}
	var groups []string
	if r.cache != nil {
		if ug, err := r.cache.GetUserGroup(userName); err == nil {
			groups = ug.Groups
		}
	}
	manager = r.managers.Allowed(userName, host, groups)
	operator = manager || r.operators.Allowed(userName, host, groups)
	return operator, manager
}
