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

package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/kestrel-hpc/kestrel-core/pkg/accounting"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/security"
	"github.com/kestrel-hpc/kestrel-core/pkg/objects"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

const serverHost = "svr.example.com"

// relayCall records one forward to an execution peer.
type relayCall struct {
	peer    string
	reqType wire.RequestType
	jobID   string
	signal  string
}

// fakeTransport answers relays from canned replies keyed by job id. A gate,
// when present, parks the relay until the test releases it so completion
// order is under test control.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []relayCall
	replies map[string]*wire.Reply
	errs    map[string]error
	gates   map[string]chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		replies: make(map[string]*wire.Reply),
		errs:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
	}
}

func (f *fakeTransport) Relay(ctx context.Context, peer string, req *wire.Request) (*wire.Reply, error) {
	call := relayCall{peer: peer, reqType: req.Type}
	switch body := req.Body.(type) {
	case *wire.SignalBody:
		call.jobID = body.JobID
		call.signal = body.Signal
	case *wire.MessageBody:
		call.jobID = body.JobID
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	gate := f.gates[call.jobID]
	reply := f.replies[call.jobID]
	err := f.errs[call.jobID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if reply != nil {
		return reply, nil
	}
	return wire.NullReply(), nil
}

func (f *fakeTransport) snapshot() []relayCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relayCall(nil), f.calls...)
}

func (f *fakeTransport) gate(jobID string) chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[jobID] = gate
	f.mu.Unlock()
	return gate
}

func (f *fakeTransport) reply(jobID string, rep *wire.Reply) {
	f.mu.Lock()
	f.replies[jobID] = rep
	f.mu.Unlock()
}

func (f *fakeTransport) fail(jobID string, err error) {
	f.mu.Lock()
	f.errs[jobID] = err
	f.mu.Unlock()
}

type recorded struct {
	recType accounting.RecordType
	id      string
	message string
}

// captureRecorder keeps accounting records in memory for assertions.
type captureRecorder struct {
	mu      sync.Mutex
	records []recorded
}

func (c *captureRecorder) Record(recType accounting.RecordType, id, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, recorded{recType: recType, id: id, message: message})
}

func (c *captureRecorder) byType(recType accounting.RecordType) []recorded {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []recorded
	for _, rec := range c.records {
		if rec.recType == recType {
			out = append(out, rec)
		}
	}
	return out
}

// harness wires a dispatcher to in-memory collaborators. Tests drive
// processRequest directly and pump queued events themselves, so everything
// runs on the test goroutine the way it runs on the dispatch loop.
type harness struct {
	t         *testing.T
	reg       *registry.Registry
	jobs      *objects.JobTable
	nodes     *objects.NodeTable
	sched     *objects.SchedulerDirectory
	recorder  *captureRecorder
	transport *fakeTransport
	d         *Dispatcher

	mu        sync.Mutex
	closed    []uint64
	shutdowns []bool
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, adjust func(*Options)) *harness {
	h := &harness{
		t:         t,
		reg:       registry.New(),
		jobs:      objects.NewJobTable(),
		nodes:     objects.NewNodeTable(),
		sched:     objects.NewSchedulerDirectory("sched@" + serverHost),
		recorder:  &captureRecorder{},
		transport: newFakeTransport(),
	}
	opts := Options{
		Registry:     h.reg,
		Jobs:         h.jobs,
		Nodes:        h.nodes,
		Scheduler:    h.sched,
		Recorder:     h.recorder,
		ACL:          security.NewHostACL(false, nil, serverHost, nil),
		Transport:    h.transport,
		ServerHost:   serverHost,
		PeerPort:     15002,
		RelayTimeout: 2 * time.Second,
		CloseTransport: func(id uint64) {
			h.mu.Lock()
			h.closed = append(h.closed, id)
			h.mu.Unlock()
		},
		Shutdown: func(immediate bool) {
			h.mu.Lock()
			h.shutdowns = append(h.shutdowns, immediate)
			h.mu.Unlock()
		},
	}
	if adjust != nil {
		adjust(&opts)
	}
	h.d = NewDispatcher(opts)
	return h
}

func (h *harness) openConn(addr, hostname string) (*registry.Connection, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return h.reg.NewConnection(buf, addr, hostname), buf
}

// peerConn is a connection from a privileged source port, trusted as a
// server peer.
func (h *harness) peerConn() (*registry.Connection, *bytes.Buffer) {
	return h.openConn("10.0.0.2:771", "peer1.example.com")
}

// userConn is an ordinary client connection that already authenticated.
func (h *harness) userConn(user, hostname string) (*registry.Connection, *bytes.Buffer) {
	conn, buf := h.openConn("10.0.0.8:40123", hostname)
	conn.SetAuthenticated(user, hostname)
	return conn, buf
}

func (h *harness) send(conn *registry.Connection, req *wire.Request) {
	h.d.processRequest(conn, req, nil)
}

// pump runs the next queued dispatch event, typically a relay completion.
func (h *harness) pump() {
	h.t.Helper()
	select {
	case ev := <-h.d.pendingEvents:
		h.d.processEvent(ev)
	case <-time.After(2 * time.Second):
		h.t.Fatal("no dispatch event arrived")
	}
}

func (h *harness) closedConns() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.closed...)
}

func (h *harness) shutdownCalls() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.shutdowns...)
}

func (h *harness) addNode(name string, capacity map[string]int64) *objects.Node {
	h.t.Helper()
	node := objects.NewNode(name, capacity)
	assert.NilError(h.t, h.nodes.AddNode(node))
	return node
}

// addRunningJob creates a running job and charges its exec_vnode against the
// node table, the way admission and run would have.
func (h *harness) addRunningJob(id, owner, execVnode string) *objects.Job {
	h.t.Helper()
	job := objects.NewJob(id, owner)
	h.startJob(job, execVnode)
	assert.NilError(h.t, h.jobs.AddJob(job))
	return job
}

func (h *harness) startJob(job *objects.Job, execVnode string) {
	h.t.Helper()
	assert.NilError(h.t, job.HandleJobEvent(objects.EnqueueJob))
	assert.NilError(h.t, job.HandleJobEvent(objects.RunJob))
	job.SetExecVnode(execVnode)
	if execVnode != "" {
		chunks, err := objects.ParseExecVnode(execVnode)
		assert.NilError(h.t, err)
		_, err = h.nodes.AssignChunks(chunks)
		assert.NilError(h.t, err)
	}
}

// markSuspended puts a running job into the state a completed suspend leaves
// behind: flagged, transitioned, released resources recorded and given back
// to the nodes.
func (h *harness) markSuspended(job *objects.Job, releasedVnode string) {
	h.t.Helper()
	chunks, err := objects.ParseExecVnode(releasedVnode)
	assert.NilError(h.t, err)
	job.SetReleasedResources(releasedVnode, objects.SumResources(chunks))
	job.SetFlag(objects.FlagSuspended)
	job.SetSuspendOrigin(objects.SuspendByUser)
	assert.NilError(h.t, job.HandleJobEvent(objects.SuspendJob))
	assert.NilError(h.t, h.nodes.ReleaseChunks(chunks))
}

func decodeReplies(t *testing.T, buf *bytes.Buffer) []*wire.Reply {
	t.Helper()
	r := wire.NewReader(bytes.NewReader(buf.Bytes()))
	var replies []*wire.Reply
	for {
		rep, err := wire.DecodeReply(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return replies
			}
			t.Fatalf("reply stream damaged after %d replies: %v", len(replies), err)
		}
		replies = append(replies, rep)
	}
}

func lastReply(t *testing.T, buf *bytes.Buffer) *wire.Reply {
	t.Helper()
	replies := decodeReplies(t, buf)
	assert.Assert(t, len(replies) > 0, "no reply written")
	return replies[len(replies)-1]
}

func signalReq(user, jobID, signal string) *wire.Request {
	return &wire.Request{
		Type: wire.TypeSignalJob,
		User: user,
		Body: &wire.SignalBody{JobID: jobID, Signal: signal},
	}
}

func statusReq(reqType wire.RequestType, user, id string, attrs ...wire.Attr) *wire.Request {
	return &wire.Request{
		Type: reqType,
		User: user,
		Body: &wire.StatusBody{ID: id, Attrs: attrs},
	}
}

func TestUntrustedConnectionRejected(t *testing.T) {
	h := newHarness(t)
	conn, buf := h.openConn("10.0.0.8:40123", "login1.example.com")

	h.send(conn, signalReq("alice", "17.svr", "suspend"))

	reply := lastReply(t, buf)
	assert.Equal(t, reply.Code, batcherr.CodeBadCredential)
	assert.DeepEqual(t, h.closedConns(), []uint64{conn.ID})
	assert.Equal(t, h.reg.ConnectionCount(), 0)
	assert.Equal(t, h.reg.RequestCount(), 0)
}

func TestConnectBootstrapBeforeAuthentication(t *testing.T) {
	h := newHarness(t)
	conn, buf := h.openConn("10.0.0.8:40123", "login1.example.com")

	h.send(conn, &wire.Request{Type: wire.TypeConnect, User: "alice", Body: &wire.EmptyBody{}})

	reply := lastReply(t, buf)
	assert.Assert(t, reply.OK())
	assert.Equal(t, len(h.closedConns()), 0)
	assert.Equal(t, h.reg.ConnectionCount(), 1)
}

func TestIdentityPinnedToConnection(t *testing.T) {
	h := newHarness(t)
	conn, buf := h.userConn("alice", "login1.example.com")
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")

	h.send(conn, statusReq(wire.TypeStatusJob, "alice", "17.svr"))
	assert.Assert(t, lastReply(t, buf).OK())

	// the same connection cannot later speak for someone else
	h.send(conn, statusReq(wire.TypeStatusJob, "bob", "17.svr"))
	reply := lastReply(t, buf)
	assert.Equal(t, reply.Code, batcherr.CodePermission)
	assert.DeepEqual(t, h.closedConns(), []uint64{conn.ID})
}

func TestSchedulerConnectionRunsAsSchedulerPrincipal(t *testing.T) {
	h := newHarness(t)
	conn, buf := h.openConn("10.0.0.3:45001", "sched.example.com")
	conn.SetToScheduler(true)

	h.send(conn, statusReq(wire.TypeStatusServer, "whoever", ""))

	reply := lastReply(t, buf)
	assert.Assert(t, reply.OK())
	user, host, _ := conn.Identity()
	assert.Equal(t, user, "scheduler")
	assert.Equal(t, host, serverHost)
}

func TestHostACLRejection(t *testing.T) {
	h := newHarnessWith(t, func(opts *Options) {
		opts.ACL = security.NewHostACL(true, []string{"login1.example.com"}, serverHost, nil)
	})
	allowed, allowedBuf := h.userConn("alice", "login1.example.com")
	h.send(allowed, statusReq(wire.TypeStatusServer, "alice", ""))
	assert.Assert(t, lastReply(t, allowedBuf).OK())

	denied, deniedBuf := h.openConn("10.0.0.9:40124", "rogue.example.com")
	denied.SetAuthenticated("mallory", "rogue.example.com")
	h.send(denied, statusReq(wire.TypeStatusServer, "mallory", ""))

	reply := lastReply(t, deniedBuf)
	assert.Equal(t, reply.Code, batcherr.CodeBadHost)
	assert.DeepEqual(t, h.closedConns(), []uint64{denied.ID})
}

func TestUnhandledTypeKeepsConnection(t *testing.T) {
	h := newHarness(t)
	conn, buf := h.peerConn()

	h.send(conn, &wire.Request{
		Type: wire.TypeHoldJob,
		User: "root",
		Body: &wire.ManageBody{ObjType: wire.ObjectJob, ObjName: "17.svr"},
	})

	reply := lastReply(t, buf)
	assert.Equal(t, reply.Code, batcherr.CodeUnsupported)
	assert.Equal(t, len(h.closedConns()), 0)
	assert.Equal(t, h.reg.ConnectionCount(), 1)
}

func TestRelayingRequestMarksConnectionNoTimeout(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, statusReq(wire.TypeStatusServer, "alice", ""))
	assert.Assert(t, lastReply(t, buf).OK())
	assert.Assert(t, !conn.NoTimeout())

	h.send(conn, signalReq("alice", "17.svr", "SIGTERM"))
	h.pump()

	assert.Assert(t, lastReply(t, buf).OK())
	assert.Assert(t, conn.NoTimeout())
}

func TestDecodeFailureAnswersAndCloses(t *testing.T) {
	h := newHarness(t)
	conn, buf := h.openConn("10.0.0.8:40123", "login1.example.com")

	h.d.processRequest(conn, nil, batcherr.New(batcherr.CodeProtocol, "bad frame"))

	reply := lastReply(t, buf)
	assert.Equal(t, reply.Code, batcherr.CodeProtocol)
	assert.DeepEqual(t, h.closedConns(), []uint64{conn.ID})
}

func TestDecodeFailureStreamEndIsSilent(t *testing.T) {
	h := newHarness(t)
	conn, buf := h.openConn("10.0.0.8:40123", "login1.example.com")

	h.d.processRequest(conn, nil, io.EOF)

	assert.Equal(t, buf.Len(), 0)
	assert.DeepEqual(t, h.closedConns(), []uint64{conn.ID})
}

func TestDisconnectClosesWithoutReply(t *testing.T) {
	h := newHarness(t)
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, &wire.Request{Type: wire.TypeDisconnect, User: "alice", Body: &wire.EmptyBody{}})

	assert.Equal(t, buf.Len(), 0)
	assert.DeepEqual(t, h.closedConns(), []uint64{conn.ID})
	assert.Equal(t, h.reg.RequestCount(), 0)
}

func TestConnectionClosedDetachesRequests(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	gate := h.transport.gate("17.svr")

	conn, buf := h.userConn("alice", "login1.example.com")
	h.send(conn, signalReq("alice", "17.svr", "suspend"))
	assert.Equal(t, h.reg.RequestCount(), 1)

	// the requester goes away while the relay is out
	h.d.processClosed(conn)
	close(gate)
	h.pump()

	// the suspend still lands, the reply has nowhere to go
	assert.Assert(t, job.HasFlag(objects.FlagSuspended))
	assert.Assert(t, job.Is(objects.Suspended))
	assert.Equal(t, buf.Len(), 0)
	assert.Equal(t, h.reg.RequestCount(), 0)
}

func TestEventLoopCarriesRequests(t *testing.T) {
	h := newHarness(t)
	h.d.StartService()
	conn, buf := h.openConn("10.0.0.8:40123", "login1.example.com")

	posted := h.d.HandleIncoming(conn, &wire.Request{Type: wire.TypeConnect, User: "alice", Body: &wire.EmptyBody{}}, nil)
	assert.Assert(t, posted)

	h.d.Stop()
	reply := lastReply(t, buf)
	assert.Assert(t, reply.OK())

	// the loop is gone, new events are refused
	assert.Assert(t, !h.d.HandleIncoming(conn, &wire.Request{Type: wire.TypeConnect, User: "alice", Body: &wire.EmptyBody{}}, nil))
	assert.Assert(t, !h.d.HandleConnectionClosed(conn))
}
