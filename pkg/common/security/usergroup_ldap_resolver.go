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
	"crypto/tls"
	"fmt"
	"os/user"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

// LdapConfig is the directory server setup for the ldap group resolver.
type LdapConfig struct {
	Host   string
	Port   int
	BaseDN string
	// Filter selects the user entry, must contain one %s for the user name
	Filter string
	// GroupAttr is the attribute listing the group DNs of the entry
	GroupAttr    string
	ReturnAttr   []string
	BindUser     string
	BindPassword string
	SSL          bool
	Insecure     bool
}

// LdapAccess wraps the directory operations so tests can run without a
// directory server.
type LdapAccess interface {
	DialURL(url string, options ...ldap.DialOpt) (*ldap.Conn, error)
	Bind(conn *ldap.Conn, username, password string) error
	Search(conn *ldap.Conn, searchRequest *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close(conn *ldap.Conn)
}

type ldapAccessImpl struct{}

func (ldapAccessImpl) DialURL(url string, options ...ldap.DialOpt) (*ldap.Conn, error) {
	return ldap.DialURL(url, options...)
}

func (ldapAccessImpl) Bind(conn *ldap.Conn, username, password string) error {
	return conn.Bind(username, password)
}

func (ldapAccessImpl) Search(conn *ldap.Conn, searchRequest *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return conn.Search(searchRequest)
}

func (ldapAccessImpl) Close(conn *ldap.Conn) {
	_ = conn.Close()
}

// NewLdapAccess returns the access that talks to a real directory server.
func NewLdapAccess() LdapAccess {
	return ldapAccessImpl{}
}

type ldapLookup struct {
	config LdapConfig
	access LdapAccess
}

// NewLdapUserGroupCache resolves group memberships through a directory
// server. The configuration is validated before the cache starts, a broken
// setup fails here and not on the first lookup.
func NewLdapUserGroupCache(conf LdapConfig, access LdapAccess) (*UserGroupCache, error) {
	if err := ValidateLdapConfig(&conf); err != nil {
		return nil, err
	}
	log.Log(log.Security).Info("creating ldap user group resolver",
		zap.String("host", conf.Host),
		zap.Int("port", conf.Port),
		zap.String("baseDN", conf.BaseDN))
	l := &ldapLookup{config: conf, access: access}
	return newUserGroupCache(l.lookupUser, echoGroupID, l.groupIds), nil
}

// Directory users carry no numeric ids here, the primary group defaults to
// the group named after the user.
func (l *ldapLookup) lookupUser(userName string) (*user.User, error) {
	return &user.User{
		Uid:      "-1",
		Gid:      userName,
		Username: userName,
	}, nil
}

func (l *ldapLookup) groupIds(osUser *user.User) ([]string, error) {
	sr, err := l.search(osUser.Username)
	if err != nil {
		return nil, err
	}
	var groups []string
	for _, entry := range sr.Entries {
		attrs := entry.GetAttributeValues(l.config.GroupAttr)
		log.Log(log.Security).Debug("group attributes for user",
			zap.String("user", osUser.Username),
			zap.Strings("attributes", attrs))
		for _, dn := range attrs {
			groups = append(groups, groupNameFromDN(dn))
		}
	}
	return groups, nil
}

// groupNameFromDN extracts the name from the first RDN of a group DN,
// "CN=hpcusers,OU=Groups,DC=example,DC=com" gives "hpcusers". A value that
// is not a DN comes back unchanged.
func groupNameFromDN(dn string) string {
	rdn := strings.SplitN(dn, ",", 2)[0]
	if idx := strings.Index(rdn, "="); idx >= 0 {
		return rdn[idx+1:]
	}
	return rdn
}

func (l *ldapLookup) search(userName string) (*ldap.SearchResult, error) {
	scheme := "ldap"
	if l.config.SSL {
		scheme = "ldaps"
	}
	addr := fmt.Sprintf("%s://%s:%d", scheme, l.config.Host, l.config.Port)
	conn, err := l.access.DialURL(addr,
		ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: l.config.Insecure})) // #nosec G402
	if err != nil {
		log.Log(log.Security).Error("cannot connect to directory server",
			zap.String("address", addr),
			zap.Error(err))
		return nil, err
	}
	defer l.access.Close(conn)

	if err = l.access.Bind(conn, l.config.BindUser, l.config.BindPassword); err != nil {
		log.Log(log.Security).Error("directory bind failed",
			zap.String("bindUser", l.config.BindUser),
			zap.Error(err))
		return nil, err
	}

	filter := fmt.Sprintf(l.config.Filter, ldap.EscapeFilter(userName))
	searchRequest := ldap.NewSearchRequest(
		l.config.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter,
		l.config.ReturnAttr,
		nil,
	)
	sr, err := l.access.Search(conn, searchRequest)
	if err != nil {
		log.Log(log.Security).Error("directory search failed",
			zap.String("filter", filter),
			zap.String("baseDN", l.config.BaseDN),
			zap.Error(err))
		return nil, err
	}
	log.Log(log.Security).Debug("directory search done",
		zap.String("user", userName),
		zap.Int("entries", len(sr.Entries)))
	return sr, nil
}
