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
	"os/user"
	"strconv"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// fakeResolver counts lookups so caching behaviour is observable.
type fakeResolver struct {
	lookups int
}

func (f *fakeResolver) lookup(userName string) (*user.User, error) {
	f.lookups++
	switch userName {
	case "testuser1":
		return &user.User{Uid: "1000", Gid: "1000", Username: userName}, nil
	case "testuser2":
		// primary group does not resolve to a name
		return &user.User{Uid: "100", Gid: "100", Username: userName}, nil
	case "testuser3":
		return &user.User{Uid: "1001", Gid: "1001", Username: userName}, nil
	case "nogroups":
		return &user.User{Uid: "1002", Gid: "1000", Username: userName}, nil
	}
	return nil, fmt.Errorf("lookup failed for user: %s", userName)
}

func (f *fakeResolver) lookupGroupID(gid string) (*user.Group, error) {
	gID, err := strconv.Atoi(gid)
	if err != nil {
		return nil, err
	}
	// groups under 1000 have no name
	if gID < 1000 {
		return nil, fmt.Errorf("lookup failed for group: %s", gid)
	}
	return &user.Group{Gid: gid, Name: "group" + gid}, nil
}

func (f *fakeResolver) groupIds(osUser *user.User) ([]string, error) {
	switch osUser.Username {
	case "testuser1":
		return []string{"1001"}, nil
	case "testuser2":
		return []string{"1001", "1002"}, nil
	case "testuser3":
		// the list may repeat the primary group
		return []string{"1002", "1001", "1003", "1004"}, nil
	case "nogroups":
		return nil, fmt.Errorf("group list failed for user: %s", osUser.Username)
	}
	return nil, fmt.Errorf("group list failed for user: %s", osUser.Username)
}

// fakeUserGroupCache builds a cache around the fake resolver without
// starting the cleaner.
func fakeUserGroupCache(f *fakeResolver) *UserGroupCache {
	return &UserGroupCache{
		interval:      cleanerInterval * time.Second,
		lookup:        f.lookup,
		lookupGroupID: f.lookupGroupID,
		groupIds:      f.groupIds,
		stop:          make(chan struct{}),
		ugs:           make(map[string]*UserGroup),
	}
}

func TestGetUserGroup(t *testing.T) {
	cache := fakeUserGroupCache(&fakeResolver{})
	ug, err := cache.GetUserGroup("testuser1")
	assert.NilError(t, err)
	assert.Equal(t, ug.User, "testuser1")
	assert.DeepEqual(t, ug.Groups, []string{"group1000", "group1001"})
	assert.Assert(t, ug.resolved > 0)
}

func TestGetUserGroupPrimaryUnresolved(t *testing.T) {
	cache := fakeUserGroupCache(&fakeResolver{})
	ug, err := cache.GetUserGroup("testuser2")
	assert.NilError(t, err)
	// the primary group keeps its id when the name does not resolve
	assert.DeepEqual(t, ug.Groups, []string{"100", "group1001", "group1002"})
}

func TestGetUserGroupPrimaryListedTwice(t *testing.T) {
	cache := fakeUserGroupCache(&fakeResolver{})
	ug, err := cache.GetUserGroup("testuser3")
	assert.NilError(t, err)
	assert.DeepEqual(t, ug.Groups, []string{"group1001", "group1002", "group1003", "group1004"})
}

func TestGetUserGroupCached(t *testing.T) {
	resolver := &fakeResolver{}
	cache := fakeUserGroupCache(resolver)
	_, err := cache.GetUserGroup("testuser1")
	assert.NilError(t, err)
	_, err = cache.GetUserGroup("testuser1")
	assert.NilError(t, err)
	assert.Equal(t, resolver.lookups, 1, "second call should come from the cache")
}

func TestGetUserGroupFailureCached(t *testing.T) {
	resolver := &fakeResolver{}
	cache := fakeUserGroupCache(resolver)
	ug, err := cache.GetUserGroup("unknown")
	assert.Assert(t, err != nil)
	assert.Equal(t, ug.User, "unknown")
	assert.Assert(t, ug.failed)

	_, err = cache.GetUserGroup("unknown")
	assert.Assert(t, err != nil, "negative entry should keep failing")
	assert.Equal(t, resolver.lookups, 1, "failure should be served from the cache")
}

func TestGetUserGroupGroupFailure(t *testing.T) {
	cache := fakeUserGroupCache(&fakeResolver{})
	ug, err := cache.GetUserGroup("nogroups")
	assert.Assert(t, err != nil)
	assert.Assert(t, ug.failed)
	// the primary group was already added before the list failed
	assert.DeepEqual(t, ug.Groups, []string{"group1000"})
}

func TestGetUserGroupEmptyUser(t *testing.T) {
	cache := fakeUserGroupCache(&fakeResolver{})
	_, err := cache.GetUserGroup("")
	assert.Assert(t, err != nil)
}

func TestCleanUpCache(t *testing.T) {
	cache := fakeUserGroupCache(&fakeResolver{})
	now := time.Now().Unix()
	cache.ugs["fresh"] = &UserGroup{User: "fresh", resolved: now}
	cache.ugs["stale"] = &UserGroup{User: "stale", resolved: now - poscache - 1}
	cache.ugs["freshfail"] = &UserGroup{User: "freshfail", failed: true, resolved: now - 1}
	cache.ugs["stalefail"] = &UserGroup{User: "stalefail", failed: true, resolved: now - negcache - 1}

	cache.cleanUpCache(now)

	assert.Assert(t, cache.ugs["fresh"] != nil)
	assert.Assert(t, cache.ugs["stale"] == nil, "positive entry past its time should be dropped")
	assert.Assert(t, cache.ugs["freshfail"] != nil)
	assert.Assert(t, cache.ugs["stalefail"] == nil, "negative entry expires quicker")
}

func TestNoResolveCache(t *testing.T) {
	cache := NewNoResolveUserGroupCache()
	defer cache.Stop()
	ug, err := cache.GetUserGroup("whoever")
	assert.NilError(t, err)
	assert.Equal(t, ug.User, "whoever")
	assert.DeepEqual(t, ug.Groups, []string{"whoever"})
}

func TestOSCacheStartStop(t *testing.T) {
	cache := NewOSUserGroupCache()
	cache.Stop()
	// a second stop must not panic
	cache.Stop()
}
