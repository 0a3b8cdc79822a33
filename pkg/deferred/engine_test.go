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

package deferred

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls []string
	reply *wire.Reply
	err   error
	delay time.Duration
	gate  chan struct{}
}

func (f *fakeTransport) Relay(ctx context.Context, peer string, req *wire.Request) (*wire.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, peer)
	gate := f.gate
	delay := f.delay
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeTransport) peers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func suspendRequest() *wire.Request {
	return &wire.Request{
		Type: wire.TypeSignalJob,
		User: "alice",
		Body: &wire.SignalBody{JobID: "17.svr", Signal: "suspend"},
	}
}

func parkedRequest(noTimeout bool) *registry.Request {
	reg := registry.New()
	var buf bytes.Buffer
	conn := reg.NewConnection(&buf, "10.0.0.1:40123", "login1.example.com")
	rq := reg.Register(conn, suspendRequest())
	reg.SetDisposition(rq, registry.PermClient, false, noTimeout)
	return rq
}

func awaitReply(t *testing.T, done chan *wire.Reply) *wire.Reply {
	t.Helper()
	select {
	case reply := <-done:
		return reply
	case <-time.After(2 * time.Second):
		t.Fatal("completion never ran")
		return nil
	}
}

func TestDeferDeliversReply(t *testing.T) {
	fake := &fakeTransport{reply: wire.TextReply("job suspended")}
	engine := NewEngine(fake, func(f func()) { f() }, time.Second)
	rq := parkedRequest(false)

	done := make(chan *wire.Reply, 1)
	engine.Defer(rq, "n01:15002", suspendRequest(), func(r *registry.Request, reply *wire.Reply) {
		done <- reply
	})

	reply := awaitReply(t, done)
	assert.Assert(t, reply.OK())
	assert.Equal(t, reply.Text, "job suspended")
	assert.Equal(t, engine.PendingCount(), 0)
	assert.DeepEqual(t, fake.peers(), []string{"n01:15002"})
}

func TestDeferRelayFailure(t *testing.T) {
	fake := &fakeTransport{err: errors.New("connection refused")}
	engine := NewEngine(fake, func(f func()) { f() }, time.Second)
	rq := parkedRequest(false)

	done := make(chan *wire.Reply, 1)
	engine.Defer(rq, "n01:15002", suspendRequest(), func(r *registry.Request, reply *wire.Reply) {
		done <- reply
	})

	reply := awaitReply(t, done)
	assert.Equal(t, reply.Code, batcherr.CodeNoRouteToPeer)
	assert.Equal(t, engine.PendingCount(), 0)
}

func TestDeferTimeout(t *testing.T) {
	fake := &fakeTransport{delay: 500 * time.Millisecond, reply: wire.NullReply()}
	engine := NewEngine(fake, func(f func()) { f() }, 20*time.Millisecond)
	rq := parkedRequest(false)

	done := make(chan *wire.Reply, 1)
	engine.Defer(rq, "n01:15002", suspendRequest(), func(r *registry.Request, reply *wire.Reply) {
		done <- reply
	})

	reply := awaitReply(t, done)
	assert.Equal(t, reply.Code, batcherr.CodeNoRouteToPeer)
}

func TestDeferNoTimeoutOutlivesDeadline(t *testing.T) {
	fake := &fakeTransport{delay: 80 * time.Millisecond, reply: wire.NullReply()}
	engine := NewEngine(fake, func(f func()) { f() }, 20*time.Millisecond)
	rq := parkedRequest(true)

	done := make(chan *wire.Reply, 1)
	engine.Defer(rq, "n01:15002", suspendRequest(), func(r *registry.Request, reply *wire.Reply) {
		done <- reply
	})

	reply := awaitReply(t, done)
	assert.Assert(t, reply.OK())
}

func TestAbortAll(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeTransport{gate: gate, reply: wire.NullReply()}
	engine := NewEngine(fake, func(f func()) { f() }, 0)

	done := make(chan *wire.Reply, 4)
	complete := func(r *registry.Request, reply *wire.Reply) { done <- reply }
	engine.Defer(parkedRequest(false), "n01:15002", suspendRequest(), complete)
	engine.Defer(parkedRequest(false), "n02:15002", suspendRequest(), complete)
	assert.Equal(t, engine.PendingCount(), 2)

	aborted := engine.AbortAll(batcherr.New(batcherr.CodeServerDown, "server shutting down"))
	assert.Equal(t, aborted, 2)
	assert.Equal(t, awaitReply(t, done).Code, batcherr.CodeServerDown)
	assert.Equal(t, awaitReply(t, done).Code, batcherr.CodeServerDown)
	assert.Equal(t, engine.PendingCount(), 0)

	// Late peer replies for aborted relays are discarded.
	close(gate)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, len(done), 0)
}

func TestPendingInfos(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeTransport{gate: gate, reply: wire.NullReply()}
	engine := NewEngine(fake, func(f func()) { f() }, 0)

	done := make(chan *wire.Reply, 1)
	rq := parkedRequest(false)
	id := engine.Defer(rq, "n01:15002", suspendRequest(), func(r *registry.Request, reply *wire.Reply) {
		done <- reply
	})

	infos := engine.PendingInfos()
	assert.Equal(t, len(infos), 1)
	assert.Equal(t, infos[0].ID, id)
	assert.Equal(t, infos[0].Seq, rq.Seq)
	assert.Equal(t, infos[0].Type, "SignalJob")
	assert.Equal(t, infos[0].Peer, "n01:15002")

	close(gate)
	awaitReply(t, done)
}

func TestTCPTransportRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := wire.DecodeRequest(wire.NewReader(conn))
		if err != nil {
			return
		}
		if req.Type != wire.TypeSignalJob {
			_ = wire.EncodeReply(wire.NewWriter(conn), wire.ErrorReply(batcherr.New(batcherr.CodeInvalidRequest, "")))
			return
		}
		_ = wire.EncodeReply(wire.NewWriter(conn), wire.TextReply("signal delivered"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := NewTCPTransport().Relay(ctx, ln.Addr().String(), suspendRequest())
	assert.NilError(t, err)
	assert.Equal(t, reply.Text, "signal delivered")
}

func TestTCPTransportRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	addr := ln.Addr().String()
	assert.NilError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewTCPTransport().Relay(ctx, addr, suspendRequest())
	assert.Assert(t, err != nil)
}
