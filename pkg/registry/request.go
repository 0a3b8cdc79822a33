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

package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/btree"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// Perm is the access bitmask derived for a request from its origin.
type Perm uint32

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermOperator
	PermManager
	PermServer
)

const (
	PermNone Perm = 0
	// PermClient is what an ordinary authenticated user gets.
	PermClient = PermRead | PermWrite
	// PermAll is granted to requests arriving from a trusted server peer.
	PermAll = PermRead | PermWrite | PermOperator | PermManager | PermServer
)

func (p Perm) Has(flag Perm) bool {
	return p&flag == flag
}

func (p Perm) String() string {
	if p == PermNone {
		return "none"
	}
	var parts []string
	for _, entry := range []struct {
		flag Perm
		name string
	}{
		{PermRead, "read"},
		{PermWrite, "write"},
		{PermOperator, "operator"},
		{PermManager, "manager"},
		{PermServer, "server"},
	} {
		if p.Has(entry.flag) {
			parts = append(parts, entry.name)
		}
	}
	return strings.Join(parts, "|")
}

// Request is one in-flight batch request tracked by the registry. Seq orders
// requests by arrival and never repeats for the life of the process.
//
// The unexported bookkeeping fields are owned by the Registry and only move
// under its lock.
type Request struct {
	Seq       uint64
	Type      wire.RequestType
	Body      wire.Body
	Extension string

	// ConnID is the connection the reply goes to, DetachedConn once that
	// connection went away. OrigConnID keeps the accepting connection for
	// requests that travel to an execution peer.
	ConnID     uint64
	OrigConnID uint64

	User       string
	Host       string
	Perms      Perm
	FromServer bool
	NoTimeout  bool
	Received   time.Time

	// FailureCode holds the first child failure while a fan-out parent waits
	// for the rest. Only the dispatch loop touches it.
	FailureCode batcherr.Code

	parent   *Request
	pending  int
	released bool
}

// Less orders requests by sequence number for the btree.
func (rq *Request) Less(than btree.Item) bool {
	return rq.Seq < than.(*Request).Seq
}

// Parent returns the fan-out parent, nil for a top-level request.
func (rq *Request) Parent() *Request {
	return rq.parent
}

func (rq *Request) String() string {
	return fmt.Sprintf("%s #%d from %s@%s", rq.Type, rq.Seq, rq.User, rq.Host)
}
