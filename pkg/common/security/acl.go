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
	"fmt"
	"regexp"
	"strings"
)

var (
	// user part of a principal entry, may end in $ for machine accounts
	userNameRegExp = regexp.MustCompile(`^[_a-zA-Z][a-zA-Z0-9_.-]*[$]?$`)
	groupRegExp    = regexp.MustCompile(`^[_a-zA-Z][a-zA-Z0-9_-]*$`)
)

// PrincipalACL matches a user plus origin host against a configured list.
// Entries take the forms:
//
//	*               everyone from everywhere
//	user            the user from any host, shorthand for user@*
//	user@host       the user from one host
//	user@*.suffix   the user from any host under the domain suffix
//	@group          members of the group, from any host
//
// Host matching is case insensitive. Groups come from the caller so one
// ACL works with any group resolver.
type PrincipalACL struct {
	allAllowed bool
	users      map[string][]string
	groups     map[string]bool
}

// NewPrincipalACL parses the entry list. A malformed entry is an error, a
// silently dropped entry would widen or narrow access unnoticed.
func NewPrincipalACL(entries []string) (*PrincipalACL, error) {
	acl := &PrincipalACL{
		users:  make(map[string][]string),
		groups: make(map[string]bool),
	}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == WildCard {
			acl.allAllowed = true
			continue
		}
		if strings.HasPrefix(entry, "@") {
			group := entry[1:]
			if !groupRegExp.MatchString(group) {
				return nil, fmt.Errorf("invalid group name in ACL entry %q", entry)
			}
			acl.groups[group] = true
			continue
		}
		user, pattern := entry, WildCard
		if idx := strings.Index(entry, "@"); idx >= 0 {
			user, pattern = entry[:idx], entry[idx+1:]
		}
		if !userNameRegExp.MatchString(user) {
			return nil, fmt.Errorf("invalid user name in ACL entry %q", entry)
		}
		if !validHostPattern(pattern) {
			return nil, fmt.Errorf("invalid host pattern in ACL entry %q", entry)
		}
		acl.users[user] = append(acl.users[user], strings.ToLower(pattern))
	}
	return acl, nil
}

// Allowed checks the user from the given host, with the given group
// memberships, against the ACL.
func (a *PrincipalACL) Allowed(userName, host string, groups []string) bool {
	if a.allAllowed {
		return true
	}
	host = strings.ToLower(host)
	for _, pattern := range a.users[userName] {
		if hostPatternMatch(pattern, host) {
			return true
		}
	}
	for _, group := range groups {
		if a.groups[group] {
			return true
		}
	}
	return false
}

// Empty reports whether no entry can ever match.
func (a *PrincipalACL) Empty() bool {
	return !a.allAllowed && len(a.users) == 0 && len(a.groups) == 0
}

func validHostPattern(pattern string) bool {
	if pattern == WildCard {
		return true
	}
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		return hostRegExp.MatchString(rest)
	}
	return hostRegExp.MatchString(pattern)
}

// hostPatternMatch expects the pattern and host in lower case.
func hostPatternMatch(pattern, host string) bool {
	if pattern == WildCard {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return pattern == host
}
