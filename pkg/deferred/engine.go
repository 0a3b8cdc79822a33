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

// Package deferred parks requests that wait on an execution peer. A relay
// carries the request to the peer on its own goroutine, the completion runs
// back on the dispatch loop once the peer answered or the relay failed.
package deferred

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

var (
	initRelayLogOnce    sync.Once
	rateLimitedRelayLog *log.RateLimitedLogger
)

// GetRateLimitedRelayLog returns the shared relay failure logger. Built
// lazily so importing this package does not initialize the logging system
// before the daemon configures it.
func GetRateLimitedRelayLog() *log.RateLimitedLogger {
	initRelayLogOnce.Do(func() {
		rateLimitedRelayLog = log.RateLimitedLog(log.Deferred, time.Second)
	})
	return rateLimitedRelayLog
}

// CompletionFunc runs on the dispatch loop when a deferred request resolves.
// The reply is the peer's answer, or a synthesized error reply when the
// relay failed.
type CompletionFunc func(rq *registry.Request, reply *wire.Reply)

// PeerTransport delivers one request to an execution peer and waits for its
// reply. Implementations honor ctx cancellation.
type PeerTransport interface {
	Relay(ctx context.Context, peer string, req *wire.Request) (*wire.Reply, error)
}

type pendingRelay struct {
	id       string
	rq       *registry.Request
	peer     string
	started  time.Time
	complete CompletionFunc
}

// Engine tracks in-flight relays by correlation id.
type Engine struct {
	transport PeerTransport
	dispatch  func(func())
	timeout   time.Duration

	locking.RWMutex
	pending map[string]*pendingRelay
}

// NewEngine wires the engine to its transport and the dispatch loop.
// dispatch posts a closure onto the loop. timeout bounds each relay unless
// the request carries NoTimeout.
func NewEngine(transport PeerTransport, dispatch func(func()), timeout time.Duration) *Engine {
	return &Engine{
		transport: transport,
		dispatch:  dispatch,
		timeout:   timeout,
		pending:   make(map[string]*pendingRelay),
	}
}

// Defer relays rq to peer and parks it until the reply arrives. The request
// keeps its registry entry, complete decides how to reply and release.
// Returns the correlation id.
func (e *Engine) Defer(rq *registry.Request, peer string, req *wire.Request, complete CompletionFunc) string {
	p := &pendingRelay{
		id:       uuid.NewString(),
		rq:       rq,
		peer:     peer,
		started:  time.Now(),
		complete: complete,
	}
	e.Lock()
	e.pending[p.id] = p
	e.Unlock()

	log.Log(log.Deferred).Debug("request deferred to peer",
		zap.String("relayID", p.id),
		zap.Uint64("seq", rq.Seq),
		zap.String("type", rq.Type.String()),
		zap.String("peer", peer))
	go e.run(p, req)
	return p.id
}

func (e *Engine) run(p *pendingRelay, req *wire.Request) {
	ctx := context.Background()
	if e.timeout > 0 && !p.rq.NoTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	reply, err := e.transport.Relay(ctx, p.peer, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = batcherr.Newf(batcherr.CodeNoRouteToPeer,
				"peer %s did not answer within %s", p.peer, e.timeout)
		} else {
			err = batcherr.Wrap(batcherr.CodeNoRouteToPeer, "relay to "+p.peer+" failed", err)
		}
		// a dead peer fails every queued relay at once, keep the log sane
		GetRateLimitedRelayLog().Warn("relay failed",
			zap.String("relayID", p.id),
			zap.Uint64("seq", p.rq.Seq),
			zap.String("peer", p.peer),
			zap.Error(err))
		reply = wire.ErrorReply(err)
	}
	e.finish(p, reply)
}

// finish hands the completion to the dispatch loop, unless the relay was
// aborted while the transport was out.
func (e *Engine) finish(p *pendingRelay, reply *wire.Reply) {
	e.Lock()
	_, live := e.pending[p.id]
	if live {
		delete(e.pending, p.id)
	}
	e.Unlock()
	if !live {
		return
	}
	e.dispatch(func() {
		p.complete(p.rq, reply)
	})
}

// AbortAll fails every pending relay with reason, used at shutdown. Replies
// that later arrive for aborted relays are discarded.
func (e *Engine) AbortAll(reason error) int {
	e.Lock()
	aborted := make([]*pendingRelay, 0, len(e.pending))
	for _, p := range e.pending {
		aborted = append(aborted, p)
	}
	e.pending = make(map[string]*pendingRelay)
	e.Unlock()

	for _, p := range aborted {
		p := p
		log.Log(log.Deferred).Info("relay aborted",
			zap.String("relayID", p.id),
			zap.Uint64("seq", p.rq.Seq),
			zap.String("peer", p.peer))
		e.dispatch(func() {
			p.complete(p.rq, wire.ErrorReply(reason))
		})
	}
	return len(aborted)
}

func (e *Engine) PendingCount() int {
	e.RLock()
	defer e.RUnlock()
	return len(e.pending)
}

// RelayInfo is the read-only view exposed over the REST API.
type RelayInfo struct {
	ID      string    `json:"id"`
	Seq     uint64    `json:"seq"`
	Type    string    `json:"type"`
	Peer    string    `json:"peer"`
	Started time.Time `json:"started"`
}

// PendingInfos snapshots the in-flight relays for the REST API.
func (e *Engine) PendingInfos() []RelayInfo {
	e.RLock()
	defer e.RUnlock()
	infos := make([]RelayInfo, 0, len(e.pending))
	for _, p := range e.pending {
		infos = append(infos, RelayInfo{
			ID:      p.id,
			Seq:     p.rq.Seq,
			Type:    p.rq.Type.String(),
			Peer:    p.peer,
			Started: p.started,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Started.Equal(infos[j].Started) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Started.Before(infos[j].Started)
	})
	return infos
}
