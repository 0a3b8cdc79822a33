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

package configs

import (
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/security"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

const (
	DefaultListenAddress = ":15001"
	DefaultWebAddress    = ":9080"
	DefaultPeerPort      = 15002
	DefaultMaxConns      = 1024
	DefaultSpoolDir      = "/var/spool/kestrel"

	DefaultLdapPort   = 389
	DefaultLdapFilter = "(&(objectClass=posixAccount)(uid=%s))"
)

// Group resolver names accepted in the groups section.
const (
	ResolverOS   = "os"
	ResolverLdap = "ldap"
	ResolverNone = "none"
)

// ServerConfig is the on-disk configuration of the batch server daemon.
type ServerConfig struct {
	Server     ServerSettings     `yaml:",omitempty" json:",omitempty"`
	Auth       AuthSettings       `yaml:",omitempty" json:",omitempty"`
	ACL        ACLSettings        `yaml:",omitempty" json:",omitempty"`
	Groups     GroupsSettings     `yaml:",omitempty" json:",omitempty"`
	Suspend    SuspendSettings    `yaml:",omitempty" json:",omitempty"`
	Scheduler  SchedulerSettings  `yaml:",omitempty" json:",omitempty"`
	Accounting AccountingSettings `yaml:",omitempty" json:",omitempty"`
	Log        map[string]string  `yaml:",omitempty" json:",omitempty"`
}

// The server object:
// - the advertised server name, defaults to the local hostname
// - the batch protocol listen address and the REST address
// - the port execution peers listen on, used when relaying to a job's node
// - the accepted connection cap enforced by the listener
type ServerSettings struct {
	Name          string `yaml:",omitempty" json:",omitempty"`
	ListenAddress string `yaml:",omitempty" json:",omitempty"`
	WebAddress    string `yaml:",omitempty" json:",omitempty"`
	PeerPort      int    `yaml:",omitempty" json:",omitempty"`
	MaxConns      int    `yaml:",omitempty" json:",omitempty"`
}

// The authentication object:
// - the supported auth method names, in preference order
// - the supported encryption method names (empty disables the encrypt channel)
// - the shared key file for the hmac method
// - the helper binary the client side may delegate the resvport proof to
type AuthSettings struct {
	Methods        []string `yaml:",omitempty" json:",omitempty"`
	EncryptMethods []string `yaml:",omitempty" json:",omitempty"`
	KeyFile        string   `yaml:",omitempty" json:",omitempty"`
	HelperPath     string   `yaml:",omitempty" json:",omitempty"`
}

// The access control object. The server's own hostname is always allowed
// through the host check; AllowExecNodes additionally admits any registered
// execution node. Managers and Operators hold principal entries of the
// user@host form, manager defaults to root at the server host.
type ACLSettings struct {
	HostEnable     bool     `yaml:",omitempty" json:",omitempty"`
	Hosts          []string `yaml:",omitempty" json:",omitempty"`
	AllowExecNodes bool     `yaml:",omitempty" json:",omitempty"`
	Managers       []string `yaml:",omitempty" json:",omitempty"`
	Operators      []string `yaml:",omitempty" json:",omitempty"`
}

// The group resolution object. The resolver decides where memberships for
// manager and operator group entries come from: the OS account database,
// a directory server, or nowhere.
type GroupsSettings struct {
	Resolver string       `yaml:",omitempty" json:",omitempty"`
	Ldap     LdapSettings `yaml:",omitempty" json:",omitempty"`
}

// Directory server settings for the ldap group resolver.
type LdapSettings struct {
	Host         string   `yaml:",omitempty" json:",omitempty"`
	Port         int      `yaml:",omitempty" json:",omitempty"`
	BaseDN       string   `yaml:",omitempty" json:",omitempty"`
	Filter       string   `yaml:",omitempty" json:",omitempty"`
	GroupAttr    string   `yaml:",omitempty" json:",omitempty"`
	ReturnAttr   []string `yaml:",omitempty" json:",omitempty"`
	BindUser     string   `yaml:",omitempty" json:",omitempty"`
	BindPassword string   `yaml:",omitempty" json:",omitempty"`
	SSL          bool     `yaml:",omitempty" json:",omitempty"`
	Insecure     bool     `yaml:",omitempty" json:",omitempty"`
}

// LdapConfig converts the settings into the resolver's configuration.
func (g *GroupsSettings) LdapConfig() security.LdapConfig {
	return security.LdapConfig{
		Host:         g.Ldap.Host,
		Port:         g.Ldap.Port,
		BaseDN:       g.Ldap.BaseDN,
		Filter:       g.Ldap.Filter,
		GroupAttr:    g.Ldap.GroupAttr,
		ReturnAttr:   g.Ldap.ReturnAttr,
		BindUser:     g.Ldap.BindUser,
		BindPassword: g.Ldap.BindPassword,
		SSL:          g.Ldap.SSL,
		Insecure:     g.Ldap.Insecure,
	}
}

// The suspend object: resource names eligible for the released-resources
// list written on suspend. Empty disables the synthesized list.
type SuspendSettings struct {
	RestrictReleaseResources []string `yaml:",omitempty" json:",omitempty"`
}

// The scheduler liaison address, empty when no scheduler is attached.
type SchedulerSettings struct {
	Address string `yaml:",omitempty" json:",omitempty"`
}

type AccountingSettings struct {
	Directory string `yaml:",omitempty" json:",omitempty"`
	Enabled   bool   `yaml:",omitempty" json:",omitempty"`
}

// LoadServerConfig reads, parses and validates a config file, filling in
// defaults for everything left unset.
func LoadServerConfig(path string) (*ServerConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config read failed: %w", err)
	}
	return ParseServerConfig(buf)
}

// ParseServerConfig parses config bytes, used directly by tests and the
// config checker.
func ParseServerConfig(content []byte) (*ServerConfig, error) {
	conf := &ServerConfig{}
	if err := yaml.Unmarshal(content, conf); err != nil {
		return nil, fmt.Errorf("config parse failed: %w", err)
	}
	conf.setDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// DefaultServerConfig returns the configuration used when no file is given.
func DefaultServerConfig() *ServerConfig {
	conf := &ServerConfig{}
	conf.setDefaults()
	return conf
}

func (c *ServerConfig) setDefaults() {
	if c.Server.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server.Name = host
		} else {
			c.Server.Name = "localhost"
		}
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = DefaultListenAddress
	}
	if c.Server.WebAddress == "" {
		c.Server.WebAddress = DefaultWebAddress
	}
	if c.Server.PeerPort <= 0 {
		c.Server.PeerPort = DefaultPeerPort
	}
	if c.Server.MaxConns <= 0 {
		c.Server.MaxConns = DefaultMaxConns
	}
	if len(c.Auth.Methods) == 0 {
		c.Auth.Methods = []string{"resvport"}
	}
	if len(c.ACL.Managers) == 0 {
		c.ACL.Managers = []string{"root@" + c.Server.Name}
	}
	if c.Groups.Resolver == "" {
		c.Groups.Resolver = ResolverOS
	}
	if c.Groups.Resolver == ResolverLdap {
		if c.Groups.Ldap.Port == 0 {
			c.Groups.Ldap.Port = DefaultLdapPort
		}
		if c.Groups.Ldap.GroupAttr == "" {
			c.Groups.Ldap.GroupAttr = "memberOf"
		}
		if len(c.Groups.Ldap.ReturnAttr) == 0 {
			c.Groups.Ldap.ReturnAttr = []string{c.Groups.Ldap.GroupAttr}
		}
		if c.Groups.Ldap.Filter == "" {
			c.Groups.Ldap.Filter = DefaultLdapFilter
		}
	}
	if c.Accounting.Directory == "" {
		c.Accounting.Directory = DefaultSpoolDir + "/accounting"
	}
}

// Validate rejects configs that cannot produce a working server. Methods are
// only checked for shape here, existence is checked against the auth registry
// at startup.
func (c *ServerConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Server.ListenAddress, err)
	}
	if _, _, err := net.SplitHostPort(c.Server.WebAddress); err != nil {
		return fmt.Errorf("invalid web address %q: %w", c.Server.WebAddress, err)
	}
	seen := make(map[string]bool)
	for _, m := range c.Auth.Methods {
		if m == "" {
			return fmt.Errorf("empty auth method name")
		}
		if seen[m] {
			return fmt.Errorf("duplicate auth method %q", m)
		}
		seen[m] = true
	}
	for _, m := range c.Suspend.RestrictReleaseResources {
		if m == "" {
			return fmt.Errorf("empty resource name in suspend release list")
		}
	}
	if _, err := security.NewPrincipalACL(c.ACL.Managers); err != nil {
		return fmt.Errorf("acl.managers: %w", err)
	}
	if _, err := security.NewPrincipalACL(c.ACL.Operators); err != nil {
		return fmt.Errorf("acl.operators: %w", err)
	}
	switch c.Groups.Resolver {
	case ResolverOS, ResolverNone:
	case ResolverLdap:
		ldapConf := c.Groups.LdapConfig()
		if err := security.ValidateLdapConfig(&ldapConf); err != nil {
			return fmt.Errorf("groups.ldap: %w", err)
		}
	default:
		return fmt.Errorf("unknown group resolver %q, supported: %s, %s, %s",
			c.Groups.Resolver, ResolverOS, ResolverLdap, ResolverNone)
	}
	return nil
}

// Activate installs the config-map derived settings (currently the log
// levels) and logs the effective service settings once.
func (c *ServerConfig) Activate() {
	if len(c.Log) > 0 {
		SetConfigMap(c.Log)
		log.UpdateLoggingConfig(c.Log)
	}
	log.Log(log.Config).Info("server configuration activated",
		zap.String("name", c.Server.Name),
		zap.String("listenAddress", c.Server.ListenAddress),
		zap.String("webAddress", c.Server.WebAddress))
}
