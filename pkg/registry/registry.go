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

// Package registry tracks live connections and in-flight requests. All
// mutation happens on the dispatch loop, the lock exists so the REST views
// can read consistent snapshots.
package registry

import (
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/auth"
	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// DetachedConn marks a request whose connection went away before its reply.
// Connection ids start at 1 so the zero value never names a live connection.
const DetachedConn uint64 = 0

type Registry struct {
	locking.RWMutex
	nextConnID uint64
	nextSeq    uint64
	conns      map[uint64]*Connection
	requests   *btree.BTree
}

func New() *Registry {
	return &Registry{
		nextConnID: 1,
		nextSeq:    1,
		conns:      make(map[uint64]*Connection),
		requests:   btree.New(7),
	}
}

// NewConnection admits an accepted connection. The registry does not own the
// socket, callers keep closing it themselves.
func (r *Registry) NewConnection(transport io.Writer, addr, hostname string) *Connection {
	r.Lock()
	defer r.Unlock()
	id := r.nextConnID
	r.nextConnID++
	conn := &Connection{
		ID:                 id,
		Addr:               addr,
		Hostname:           hostname,
		FromPrivilegedPort: auth.FromPrivilegedPort(addr),
		AcceptedAt:         time.Now(),
		AuthChannel:        auth.NewChannel(fmt.Sprintf("auth[%d]", id)),
		EncryptChannel:     auth.NewChannel(fmt.Sprintf("encrypt[%d]", id)),
	}
	conn.SetTransport(transport)
	r.conns[id] = conn
	log.Log(log.Registry).Info("connection admitted",
		zap.Uint64("connID", id),
		zap.String("addr", addr),
		zap.String("hostname", hostname),
		zap.Bool("privileged", conn.FromPrivilegedPort))
	return conn
}

func (r *Registry) Connection(id uint64) (*Connection, bool) {
	r.RLock()
	defer r.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Connections returns the live connections ordered by id.
func (r *Registry) Connections() []*Connection {
	r.RLock()
	defer r.RUnlock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

func (r *Registry) ConnectionCount() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.conns)
}

// FindByPeer locates the live connection whose peer address matches the
// given host and source port, used by the reserved-port voucher to find the
// client connection it vouches for.
func (r *Registry) FindByPeer(host string, port uint64) (*Connection, bool) {
	r.RLock()
	defer r.RUnlock()
	want := fmt.Sprintf("%d", port)
	for _, conn := range r.conns {
		h, p, err := net.SplitHostPort(conn.Addr)
		if err != nil {
			continue
		}
		if h == host && p == want {
			return conn, true
		}
	}
	return nil, false
}

// CloseConnection drops a connection from the registry and detaches its
// in-flight requests. Detached requests stay in the table so deferred
// completions still find them, their replies are discarded. Returns the
// number of requests detached.
func (r *Registry) CloseConnection(id uint64) int {
	r.Lock()
	defer r.Unlock()
	conn, ok := r.conns[id]
	if !ok {
		log.Log(log.Registry).Debug("close of unknown connection",
			zap.Uint64("connID", id))
		return 0
	}
	delete(r.conns, id)
	conn.markClosed()
	conn.AuthChannel.Close()
	conn.EncryptChannel.Close()

	detached := 0
	r.requests.Ascend(func(item btree.Item) bool {
		rq, ok := item.(*Request)
		if !ok {
			return true
		}
		hit := false
		if rq.ConnID == id {
			rq.ConnID = DetachedConn
			hit = true
		}
		if rq.OrigConnID == id {
			rq.OrigConnID = DetachedConn
			hit = true
		}
		if hit {
			detached++
		}
		return true
	})
	log.Log(log.Registry).Info("connection closed",
		zap.Uint64("connID", id),
		zap.String("addr", conn.Addr),
		zap.Int("detachedRequests", detached))
	return detached
}

// Register admits a decoded request arriving on conn and assigns its
// sequence number.
func (r *Registry) Register(conn *Connection, req *wire.Request) *Request {
	r.Lock()
	defer r.Unlock()
	seq := r.nextSeq
	r.nextSeq++
	rq := &Request{
		Seq:        seq,
		Type:       req.Type,
		Body:       req.Body,
		Extension:  req.Extension,
		ConnID:     conn.ID,
		OrigConnID: conn.ID,
		User:       req.User,
		Host:       conn.Hostname,
		Received:   time.Now(),
	}
	r.requests.ReplaceOrInsert(rq)
	return rq
}

// RegisterInternal admits a request the server issued itself, for example a
// suspend on behalf of the scheduler. It replies to no connection and runs
// with full server privilege.
func (r *Registry) RegisterInternal(req *wire.Request, user, host string) *Request {
	r.Lock()
	defer r.Unlock()
	seq := r.nextSeq
	r.nextSeq++
	rq := &Request{
		Seq:        seq,
		Type:       req.Type,
		Body:       req.Body,
		Extension:  req.Extension,
		ConnID:     DetachedConn,
		OrigConnID: DetachedConn,
		User:       user,
		Host:       host,
		Perms:      PermAll,
		FromServer: true,
		Received:   time.Now(),
	}
	r.requests.ReplaceOrInsert(rq)
	return rq
}

// SetDisposition records the trust decision made for a request.
func (r *Registry) SetDisposition(rq *Request, perms Perm, fromServer, noTimeout bool) {
	r.Lock()
	defer r.Unlock()
	rq.Perms = perms
	rq.FromServer = fromServer
	rq.NoTimeout = noTimeout
}

// NewChild derives a fan-out child from parent, one per relay target. The
// child shares the parent's body and identity and holds one pending
// completion on the parent. Children reply to no client connection.
func (r *Registry) NewChild(parent *Request) *Request {
	r.Lock()
	defer r.Unlock()
	seq := r.nextSeq
	r.nextSeq++
	child := &Request{
		Seq:        seq,
		Type:       parent.Type,
		Body:       parent.Body,
		Extension:  parent.Extension,
		ConnID:     DetachedConn,
		OrigConnID: parent.OrigConnID,
		User:       parent.User,
		Host:       parent.Host,
		Perms:      parent.Perms,
		FromServer: parent.FromServer,
		NoTimeout:  parent.NoTimeout,
		Received:   time.Now(),
		parent:     parent,
	}
	parent.pending++
	r.requests.ReplaceOrInsert(child)
	return child
}

// Retain adds one pending completion to rq. Fan-out loops hold one as a
// guard so the parent cannot complete while children are still being
// created.
func (r *Registry) Retain(rq *Request) {
	r.Lock()
	defer r.Unlock()
	rq.pending++
}

// ReleaseRef drops one pending completion and reports whether none remain.
func (r *Registry) ReleaseRef(rq *Request) bool {
	r.Lock()
	defer r.Unlock()
	if rq.pending <= 0 {
		log.Log(log.Registry).Error("pending count underflow",
			zap.Uint64("seq", rq.Seq),
			zap.String("type", rq.Type.String()))
		rq.pending = 0
		return false
	}
	rq.pending--
	return rq.pending == 0
}

// Pending returns the outstanding completion count of rq.
func (r *Registry) Pending(rq *Request) int {
	r.RLock()
	defer r.RUnlock()
	return rq.pending
}

// Release retires a request after its reply went out. Exactly once per
// request, a second release is logged and ignored. Releasing the last child
// of a fan-out returns the parent so the caller can complete it.
func (r *Registry) Release(rq *Request) *Request {
	r.Lock()
	defer r.Unlock()
	if rq.released {
		log.Log(log.Registry).Error("request released twice",
			zap.Uint64("seq", rq.Seq),
			zap.String("type", rq.Type.String()))
		return nil
	}
	rq.released = true
	r.requests.Delete(rq)

	parent := rq.parent
	if parent == nil {
		return nil
	}
	if parent.pending <= 0 {
		log.Log(log.Registry).Error("fan-out parent has no pending completions",
			zap.Uint64("seq", parent.Seq),
			zap.Uint64("childSeq", rq.Seq))
		return nil
	}
	parent.pending--
	if parent.pending == 0 && !parent.released {
		return parent
	}
	return nil
}

// FindRequest looks a request up by sequence number.
func (r *Registry) FindRequest(seq uint64) (*Request, bool) {
	r.RLock()
	defer r.RUnlock()
	item := r.requests.Get(&Request{Seq: seq})
	if item == nil {
		return nil, false
	}
	rq, ok := item.(*Request)
	return rq, ok
}

// Requests returns the in-flight requests in arrival order.
func (r *Registry) Requests() []*Request {
	r.RLock()
	defer r.RUnlock()
	reqs := make([]*Request, 0, r.requests.Len())
	r.requests.Ascend(func(item btree.Item) bool {
		if rq, ok := item.(*Request); ok {
			reqs = append(reqs, rq)
		}
		return true
	})
	return reqs
}

func (r *Registry) RequestCount() int {
	r.RLock()
	defer r.RUnlock()
	return r.requests.Len()
}

// RequestInfo is the read-only view exposed over the REST API.
type RequestInfo struct {
	Seq        uint64    `json:"seq"`
	Type       string    `json:"type"`
	ConnID     uint64    `json:"connID"`
	User       string    `json:"user"`
	Host       string    `json:"host"`
	Perms      string    `json:"permissions"`
	FromServer bool      `json:"fromServer"`
	Pending    int       `json:"pending"`
	ParentSeq  uint64    `json:"parentSeq,omitempty"`
	Received   time.Time `json:"received"`
}

// RequestInfos snapshots the in-flight requests for the REST API.
func (r *Registry) RequestInfos() []RequestInfo {
	r.RLock()
	defer r.RUnlock()
	infos := make([]RequestInfo, 0, r.requests.Len())
	r.requests.Ascend(func(item btree.Item) bool {
		rq, ok := item.(*Request)
		if !ok {
			return true
		}
		info := RequestInfo{
			Seq:        rq.Seq,
			Type:       rq.Type.String(),
			ConnID:     rq.ConnID,
			User:       rq.User,
			Host:       rq.Host,
			Perms:      rq.Perms.String(),
			FromServer: rq.FromServer,
			Pending:    rq.pending,
			Received:   rq.Received,
		}
		if rq.parent != nil {
			info.ParentSeq = rq.parent.Seq
		}
		infos = append(infos, info)
		return true
	})
	return infos
}

// ConnectionInfos snapshots the live connections for the REST API.
func (r *Registry) ConnectionInfos() []ConnectionInfo {
	conns := r.Connections()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}
	return infos
}
