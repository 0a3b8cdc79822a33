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
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

const (
	negcache        = 30  // time to cache failed lookups in seconds
	poscache        = 300 // time to cache a positive lookup in seconds
	cleanerInterval = 60  // cleaner wakeup interval in seconds
)

// UserGroup is one resolved cache entry.
type UserGroup struct {
	User     string
	Groups   []string
	failed   bool
	resolved int64
}

// UserGroupCache resolves the group memberships used by principal ACLs and
// caches the results, positively and negatively. The resolver functions are
// swappable so the same cache serves the OS, the directory server and the
// no-resolve configurations.
type UserGroupCache struct {
	interval time.Duration
	lookup   func(userName string) (*user.User, error)
	// lookupGroupID maps one group id to its name
	lookupGroupID func(gid string) (*user.Group, error)
	// groupIds lists all group ids of a user, may include the primary group
	groupIds func(osUser *user.User) ([]string, error)
	stop     chan struct{}
	stopOnce sync.Once

	ugs map[string]*UserGroup
	locking.RWMutex
}

func newUserGroupCache(lookup func(string) (*user.User, error), lookupGroupID func(string) (*user.Group, error), groupIds func(*user.User) ([]string, error)) *UserGroupCache {
	c := &UserGroupCache{
		interval:      cleanerInterval * time.Second,
		lookup:        lookup,
		lookupGroupID: lookupGroupID,
		groupIds:      groupIds,
		stop:          make(chan struct{}),
		ugs:           make(map[string]*UserGroup),
	}
	go c.run()
	return c
}

// NewOSUserGroupCache resolves users and groups through the OS libraries,
// NSS decides where the answers really come from.
func NewOSUserGroupCache() *UserGroupCache {
	log.Log(log.Security).Info("creating OS user group resolver")
	return newUserGroupCache(user.Lookup, user.LookupGroupId, osGroupIds)
}

// NewNoResolveUserGroupCache never hits an external source. Every user
// exists and is a member of the primary group carrying its own name, the
// usual user private group setup.
func NewNoResolveUserGroupCache() *UserGroupCache {
	log.Log(log.Security).Info("creating user group resolver without lookups")
	return newUserGroupCache(noLookupUser, echoGroupID, noGroupIds)
}

func osGroupIds(osUser *user.User) ([]string, error) {
	return osUser.GroupIds()
}

func noLookupUser(userName string) (*user.User, error) {
	return &user.User{
		Uid:      "-1",
		Gid:      userName,
		Username: userName,
	}, nil
}

// echoGroupID returns the id as the name, shared with the directory
// resolver which has no numeric group ids either.
func echoGroupID(gid string) (*user.Group, error) {
	return &user.Group{Gid: gid, Name: gid}, nil
}

func noGroupIds(osUser *user.User) ([]string, error) {
	return []string{}, nil
}

// Stop ends the cache cleaner. Entries stay usable after a stop.
func (c *UserGroupCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *UserGroupCache) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			start := time.Now()
			c.cleanUpCache(start.Unix())
			log.Log(log.Security).Debug("user group cache cleaned",
				zap.Duration("duration", time.Since(start)))
		}
	}
}

// cleanUpCache drops entries past their cache time so the map does not grow
// out of bounds. Negative entries expire quicker than positive ones.
func (c *UserGroupCache) cleanUpCache(nowUnix int64) {
	oldest := nowUnix - poscache
	oldestFailed := nowUnix - negcache
	c.Lock()
	defer c.Unlock()
	for key, val := range c.ugs {
		if val.resolved < oldest || (val.failed && val.resolved < oldestFailed) {
			delete(c.ugs, key)
		}
	}
}

// GetUserGroup resolves one user. A failure still returns the UserGroup
// that was cached for it, with the error describing the cached failure.
// Expiry is handled by the cleaner, lookups just use what is in the map.
func (c *UserGroupCache) GetUserGroup(userName string) (UserGroup, error) {
	if userName == "" {
		return UserGroup{}, fmt.Errorf("empty user cannot resolve")
	}
	c.RLock()
	cached, ok := c.ugs[userName]
	c.RUnlock()
	if ok {
		if !cached.failed {
			return *cached, nil
		}
		return *cached, fmt.Errorf("user resolution failed, cached data from %v", time.Unix(cached.resolved, 0))
	}

	ug := &UserGroup{User: userName}
	osUser, err := c.lookup(userName)
	if err != nil {
		log.Log(log.Security).Error("user does not resolve",
			zap.String("userName", userName),
			zap.Error(err))
		ug.failed = true
	}
	if osUser != nil {
		if gErr := c.resolveGroups(osUser, ug); gErr != nil {
			log.Log(log.Security).Error("groups do not resolve for user",
				zap.String("userName", userName),
				zap.Error(gErr))
			ug.failed = true
			err = gErr
		}
	}
	ug.resolved = time.Now().Unix()

	// cache failures too, a negative entry saves the repeated lookup
	c.Lock()
	defer c.Unlock()
	c.ugs[userName] = ug
	return *ug, err
}

// resolveGroups fills the group list, primary group first. A group id that
// does not resolve to a name is kept as the id.
func (c *UserGroupCache) resolveGroups(osUser *user.User, ug *UserGroup) error {
	primary, err := c.lookupGroupID(osUser.Gid)
	if err != nil {
		ug.Groups = append(ug.Groups, osUser.Gid)
	} else {
		ug.Groups = append(ug.Groups, primary.Name)
	}
	gids, err := c.groupIds(osUser)
	if err != nil {
		return err
	}
	for _, gid := range gids {
		// the list may repeat the primary group
		if gid == osUser.Gid {
			continue
		}
		group, err := c.lookupGroupID(gid)
		if err != nil {
			ug.Groups = append(ug.Groups, gid)
		} else {
			ug.Groups = append(ug.Groups, group.Name)
		}
	}
	return nil
}
