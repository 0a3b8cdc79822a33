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
	"net"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

type validationLevel int

const (
	// validationWarning flags a setup that works but deserves a look
	validationWarning validationLevel = iota
	// validationError flags a setup the resolver cannot run with
	validationError
)

type validationIssue struct {
	field   string
	message string
	level   validationLevel
}

type ldapValidator struct {
	issues []validationIssue
}

var (
	hostnameRegExp = regexp.MustCompile(`^(([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9\-]*[a-zA-Z0-9])\.)*([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9\-]*[A-Za-z0-9])$`)
	dnRegExp       = regexp.MustCompile(`^(?:(?:[a-zA-Z0-9]+=[^,]+)(?:,(?:[a-zA-Z0-9]+=[^,]+))*)?$`)
	attrRegExp     = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9\-_]*$`)
	accountRegExp  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\._\-@]*$`)
)

// ValidateLdapConfig checks the directory resolver setup. Warnings are
// logged and tolerated, errors are logged and returned.
func ValidateLdapConfig(conf *LdapConfig) error {
	v := &ldapValidator{}
	if v.validateConfig(conf) {
		return nil
	}
	return fmt.Errorf("ldap resolver configuration invalid: %s", strings.Join(v.errorMessages(), "; "))
}

func (v *ldapValidator) validateConfig(conf *LdapConfig) bool {
	v.validateHost(conf.Host)
	v.validatePort(conf.Port)
	v.validateBaseDN(conf.BaseDN)
	v.validateFilter(conf.Filter)
	v.validateAttr("groupattr", conf.GroupAttr)
	v.validateReturnAttr(conf.ReturnAttr)
	v.validateBindUser(conf.BindUser)
	v.validateBindPassword(conf.BindPassword)
	v.validateConsistency(conf)
	v.logIssues()
	return len(v.errorMessages()) == 0
}

func (v *ldapValidator) validateHost(host string) {
	if host == "" {
		v.addIssue("host", "host cannot be empty", validationError)
		return
	}
	if net.ParseIP(host) != nil {
		return
	}
	if !hostnameRegExp.MatchString(host) {
		v.addIssue("host", fmt.Sprintf("invalid hostname format: %s", host), validationWarning)
	}
}

func (v *ldapValidator) validatePort(port int) {
	if port < 1 || port > 65535 {
		v.addIssue("port", fmt.Sprintf("port must be between 1 and 65535, got: %d", port), validationError)
	}
}

func (v *ldapValidator) validateBaseDN(baseDN string) {
	if baseDN == "" {
		v.addIssue("basedn", "basedn cannot be empty", validationError)
		return
	}
	if !strings.Contains(strings.ToLower(baseDN), "dc=") {
		v.addIssue("basedn", "basedn should contain at least one domain component (dc=)", validationWarning)
	}
	if !dnRegExp.MatchString(baseDN) {
		v.addIssue("basedn", fmt.Sprintf("invalid DN format: %s", baseDN), validationWarning)
	}
}

func (v *ldapValidator) validateFilter(filter string) {
	if filter == "" {
		v.addIssue("filter", "filter cannot be empty", validationError)
		return
	}
	if !strings.Contains(filter, "%s") {
		v.addIssue("filter", "filter must contain the %s placeholder for the user name", validationError)
	}
	if !balancedParentheses(filter) {
		v.addIssue("filter", "filter has unbalanced parentheses", validationError)
	}
	if !strings.HasPrefix(filter, "(") || !strings.HasSuffix(filter, ")") {
		v.addIssue("filter", "filter should be enclosed in parentheses", validationWarning)
	}
}

func (v *ldapValidator) validateAttr(field, attr string) {
	if attr == "" {
		v.addIssue(field, field+" cannot be empty", validationError)
		return
	}
	if !attrRegExp.MatchString(attr) {
		v.addIssue(field, fmt.Sprintf("invalid attribute name format: %s", attr), validationWarning)
	}
}

func (v *ldapValidator) validateReturnAttr(returnAttr []string) {
	if len(returnAttr) == 0 {
		v.addIssue("returnattr", "returnattr cannot be empty", validationError)
		return
	}
	for _, attr := range returnAttr {
		if !attrRegExp.MatchString(attr) {
			v.addIssue("returnattr", fmt.Sprintf("invalid attribute name format: %s", attr), validationWarning)
		}
	}
}

func (v *ldapValidator) validateBindUser(bindUser string) {
	if bindUser == "" {
		v.addIssue("binduser", "binduser cannot be empty", validationError)
		return
	}
	// a DN or a plain account name are both accepted by directory servers
	if dnRegExp.MatchString(bindUser) {
		return
	}
	if !accountRegExp.MatchString(bindUser) {
		v.addIssue("binduser", fmt.Sprintf("binduser is neither a DN nor an account name: %s", bindUser), validationWarning)
	}
}

func (v *ldapValidator) validateBindPassword(bindPassword string) {
	if bindPassword == "" {
		v.addIssue("bindpassword", "bindpassword cannot be empty", validationError)
		return
	}
	if len(bindPassword) < 3 {
		v.addIssue("bindpassword", "bindpassword is very short", validationWarning)
	}
}

func (v *ldapValidator) validateConsistency(conf *LdapConfig) {
	if conf.SSL && conf.Port != 636 {
		v.addIssue("port", fmt.Sprintf("ssl is enabled but the port is not the ldaps default 636, using: %d", conf.Port), validationWarning)
	}
	if conf.SSL && conf.Insecure {
		v.addIssue("ssl", "ssl and insecure are both enabled, certificate checks are off", validationWarning)
	}
}

func (v *ldapValidator) addIssue(field, message string, level validationLevel) {
	v.issues = append(v.issues, validationIssue{field: field, message: message, level: level})
}

func (v *ldapValidator) errorMessages() []string {
	var msgs []string
	for _, issue := range v.issues {
		if issue.level == validationError {
			msgs = append(msgs, issue.field+": "+issue.message)
		}
	}
	return msgs
}

func (v *ldapValidator) logIssues() {
	for _, issue := range v.issues {
		if issue.level == validationError {
			log.Log(log.Security).Error("ldap configuration error",
				zap.String("field", issue.field),
				zap.String("message", issue.message))
		} else {
			log.Log(log.Security).Warn("ldap configuration warning",
				zap.String("field", issue.field),
				zap.String("message", issue.message))
		}
	}
}

func balancedParentheses(s string) bool {
	count := 0
	for _, c := range s {
		switch c {
		case '(':
			count++
		case ')':
			count--
			if count < 0 {
				return false
			}
		}
	}
	return count == 0
}
