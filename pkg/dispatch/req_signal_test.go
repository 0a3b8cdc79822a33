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
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"gotest.tools/v3/assert"

	"github.com/kestrel-hpc/kestrel-core/pkg/accounting"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/objects"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

func (h *harness) addQueuedJob(id, owner string) *objects.Job {
	h.t.Helper()
	job := objects.NewJob(id, owner)
	assert.NilError(h.t, job.HandleJobEvent(objects.EnqueueJob))
	assert.NilError(h.t, h.jobs.AddJob(job))
	return job
}

func (h *harness) addArrayJob(id, owner string, indices []int) *objects.Job {
	h.t.Helper()
	parent := objects.NewArrayJob(id, owner, indices)
	assert.NilError(h.t, parent.HandleJobEvent(objects.EnqueueJob))
	assert.NilError(h.t, h.jobs.AddJob(parent))
	return parent
}

// addSubjob attaches a subjob to an array parent, running on execVnode or
// queued when execVnode is empty.
func (h *harness) addSubjob(parent *objects.Job, index int, execVnode string) *objects.Job {
	h.t.Helper()
	sub := objects.NewJob(parent.SubjobID(index), parent.Owner)
	if execVnode == "" {
		assert.NilError(h.t, sub.HandleJobEvent(objects.EnqueueJob))
	} else {
		h.startJob(sub, execVnode)
	}
	assert.NilError(h.t, parent.AddSubjob(index, sub))
	return sub
}

// pumpNext is pump for property bodies, reporting instead of failing the
// test when no event shows up.
func (h *harness) pumpNext() bool {
	select {
	case ev := <-h.d.pendingEvents:
		h.d.processEvent(ev)
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

// Subjobs of one signal fan out from a map, their relay order is not fixed.
var inAnyOrder = cmpopts.SortSlices(func(a, b string) bool { return a < b })

func relayedJobIDs(calls []relayCall) []string {
	ids := make([]string, 0, len(calls))
	for _, call := range calls {
		ids = append(ids, call.jobID)
	}
	return ids
}

func permutationsOf(values []int) [][]int {
	if len(values) <= 1 {
		return [][]int{append([]int(nil), values...)}
	}
	var out [][]int
	for i := range values {
		rest := make([]int, 0, len(values)-1)
		rest = append(rest, values[:i]...)
		rest = append(rest, values[i+1:]...)
		for _, tail := range permutationsOf(rest) {
			out = append(out, append([]int{values[i]}, tail...))
		}
	}
	return out
}

func TestClassifySignal(t *testing.T) {
	tests := []struct {
		name     string
		wantKind signalKind
		wantName string
		wantCode batcherr.Code
	}{
		{name: "suspend", wantKind: signalSuspend, wantName: "suspend"},
		{name: "resume", wantKind: signalResume, wantName: "resume"},
		{name: "admin-suspend", wantKind: signalAdminSuspend, wantName: "suspend"},
		{name: "admin-resume", wantKind: signalAdminResume, wantName: "resume"},
		{name: "SIGKILL", wantKind: signalPlain, wantName: "KILL"},
		{name: "kill", wantKind: signalPlain, wantName: "KILL"},
		{name: "term", wantKind: signalPlain, wantName: "TERM"},
		{name: "1", wantKind: signalPlain, wantName: "1"},
		{name: "15", wantKind: signalPlain, wantName: "15"},
		{name: "64", wantKind: signalPlain, wantName: "64"},
		{name: "0", wantCode: batcherr.CodeUnknownSignal},
		{name: "65", wantCode: batcherr.CodeUnknownSignal},
		{name: "-3", wantCode: batcherr.CodeUnknownSignal},
		{name: "frobnicate", wantCode: batcherr.CodeUnknownSignal},
		{name: "SIGFOO", wantCode: batcherr.CodeUnknownSignal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			kind, signame, err := classifySignal(tc.name)
			if tc.wantCode != batcherr.CodeNone {
				assert.Equal(t, batcherr.CodeOf(err), tc.wantCode)
				return
			}
			assert.NilError(t, err)
			assert.Equal(t, kind, tc.wantKind)
			assert.Equal(t, signame, tc.wantName)
		})
	}
}

func TestSuspendReleasesAndRecords(t *testing.T) {
	h := newHarness(t)
	node := h.addNode("nodeA", map[string]int64{"ncpus": 8, "mem": 8 << 30})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4:mem=2gb)")
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, signalReq("alice", "17.svr", SigSuspend))
	h.pump()

	assert.Assert(t, lastReply(t, buf).OK())
	calls := h.transport.snapshot()
	assert.Equal(t, len(calls), 1)
	assert.Equal(t, calls[0].peer, "nodeA:15002")
	assert.Equal(t, calls[0].reqType, wire.TypeSignalJob)
	assert.Equal(t, calls[0].signal, "suspend")

	assert.Assert(t, job.HasFlag(objects.FlagSuspended))
	assert.Assert(t, !job.HasFlag(objects.FlagAdminSuspended))
	assert.Assert(t, job.Is(objects.Suspended))
	assert.Equal(t, job.SuspendOrigin(), objects.SuspendByUser)
	releasedVnode, releasedList := job.ReleasedResources()
	assert.Equal(t, releasedVnode, "(nodeA:ncpus=4:mem=2gb)")
	assert.Equal(t, releasedList["ncpus"], int64(4))
	assert.Equal(t, releasedList["mem"], int64(2<<30))

	assert.Equal(t, node.AssignedOf("ncpus"), int64(0))
	assert.Equal(t, node.AssignedOf("mem"), int64(0))
	assert.Equal(t, h.jobs.SaveCount("17.svr"), 1)

	records := h.recorder.byType(accounting.RecordSuspend)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].id, "17.svr")
	assert.Equal(t, records[0].message,
		"requestor=alice@login1.example.com resources_released=(nodeA:ncpus=4:mem=2gb)")
}

func TestSuspendHonorsReleaseAllowList(t *testing.T) {
	h := newHarnessWith(t, func(opts *Options) {
		opts.ReleaseAllow = []string{"ncpus"}
	})
	node := h.addNode("nodeA", map[string]int64{"ncpus": 8, "mem": 8 << 30})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4:mem=2gb)")
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, signalReq("alice", "17.svr", SigSuspend))
	h.pump()

	assert.Assert(t, lastReply(t, buf).OK())
	releasedVnode, releasedList := job.ReleasedResources()
	assert.Equal(t, releasedVnode, "(nodeA:ncpus=4)")
	assert.Equal(t, releasedList["ncpus"], int64(4))
	assert.Equal(t, releasedList["mem"], int64(0))

	// memory stays charged, only the cpus went back
	assert.Equal(t, node.AssignedOf("ncpus"), int64(0))
	assert.Equal(t, node.AssignedOf("mem"), int64(2<<30))
}

func TestAdminSuspendParksNodesInMaintenance(t *testing.T) {
	h := newHarness(t)
	node := h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "17.svr", SigAdminSuspend))
	h.pump()

	assert.Assert(t, lastReply(t, buf).OK())
	// the peer sees the plain signal, the admin flavor is server-side only
	calls := h.transport.snapshot()
	assert.Equal(t, len(calls), 1)
	assert.Equal(t, calls[0].signal, "suspend")

	assert.Assert(t, job.HasFlag(objects.FlagSuspended))
	assert.Assert(t, job.HasFlag(objects.FlagAdminSuspended))
	assert.Equal(t, job.SuspendOrigin(), objects.SuspendByServer)
	assert.Assert(t, node.InMaintenance())
	assert.DeepEqual(t, node.MaintenanceJobs(), []string{"17.svr"})
}

func TestSuspendAlreadySuspendedRejected(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	h.markSuspended(job, "(nodeA:ncpus=4)")
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, signalReq("alice", "17.svr", SigSuspend))

	assert.Equal(t, lastReply(t, buf).Code, batcherr.CodeBadState)
	assert.Equal(t, len(h.transport.snapshot()), 0)
}

func TestSignalQueuedJobRejected(t *testing.T) {
	h := newHarness(t)
	h.addQueuedJob("21.svr", "alice")
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, signalReq("alice", "21.svr", SigSuspend))

	assert.Equal(t, lastReply(t, buf).Code, batcherr.CodeBadState)
	assert.Equal(t, len(h.transport.snapshot()), 0)
	assert.Equal(t, h.reg.RequestCount(), 0)
}

func TestPlainSignalLeavesStateAlone(t *testing.T) {
	h := newHarness(t)
	node := h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, signalReq("alice", "17.svr", "SIGTERM"))
	h.pump()

	assert.Assert(t, lastReply(t, buf).OK())
	calls := h.transport.snapshot()
	assert.Equal(t, len(calls), 1)
	assert.Equal(t, calls[0].signal, "TERM")

	assert.Assert(t, job.Is(objects.Running))
	assert.Assert(t, !job.HasFlag(objects.FlagSuspended))
	assert.Equal(t, node.AssignedOf("ncpus"), int64(4))
	assert.Equal(t, len(h.recorder.byType(accounting.RecordSuspend)), 0)
}

func TestUnknownSignalRejectedAtGate(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, signalReq("alice", "17.svr", "frobnicate"))

	assert.Equal(t, lastReply(t, buf).Code, batcherr.CodeUnknownSignal)
	assert.Equal(t, len(h.transport.snapshot()), 0)
	assert.Equal(t, h.reg.ConnectionCount(), 1)
}

func TestAdminResumeRequiresAdminSuspend(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	h.markSuspended(job, "(nodeA:ncpus=4)")
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "17.svr", SigAdminResume))

	assert.Equal(t, lastReply(t, buf).Code, batcherr.CodeWrongResume)
	assert.Equal(t, len(h.transport.snapshot()), 0)
	assert.Assert(t, job.HasFlag(objects.FlagSuspended))
}

func TestPlainResumeRefusedForAdminSuspend(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	h.markSuspended(job, "(nodeA:ncpus=4)")
	job.SetFlag(objects.FlagAdminSuspended)

	peer, peerBuf := h.peerConn()
	h.send(peer, signalReq("root", "17.svr", SigResume))
	assert.Equal(t, lastReply(t, peerBuf).Code, batcherr.CodeWrongResume)

	owner, ownerBuf := h.userConn("alice", "login1.example.com")
	h.send(owner, signalReq("alice", "17.svr", SigResume))
	assert.Equal(t, lastReply(t, ownerBuf).Code, batcherr.CodeWrongResume)

	assert.Equal(t, len(h.transport.snapshot()), 0)
	assert.Equal(t, len(h.sched.Pings()), 0)
	assert.Assert(t, job.HasFlag(objects.FlagAdminSuspended))
}

func TestResumeNotSuspendedRejected(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "17.svr", SigResume))

	assert.Equal(t, lastReply(t, buf).Code, batcherr.CodeBadState)
	assert.Equal(t, len(h.transport.snapshot()), 0)
}

func TestServerResumeReacquiresResources(t *testing.T) {
	h := newHarness(t)
	node := h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	h.markSuspended(job, "(nodeA:ncpus=4)")
	assert.Equal(t, node.AssignedOf("ncpus"), int64(0))
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "17.svr", SigResume))
	h.pump()

	assert.Assert(t, lastReply(t, buf).OK())
	calls := h.transport.snapshot()
	assert.Equal(t, len(calls), 1)
	assert.Equal(t, calls[0].peer, "nodeA:15002")
	assert.Equal(t, calls[0].signal, "resume")

	assert.Assert(t, job.Is(objects.Running))
	assert.Assert(t, !job.HasFlag(objects.FlagSuspended))
	assert.Equal(t, job.SuspendOrigin(), objects.SuspendNone)
	releasedVnode, releasedList := job.ReleasedResources()
	assert.Equal(t, releasedVnode, "")
	assert.Equal(t, len(releasedList), 0)
	assert.Equal(t, job.Comment(), "Job run at (nodeA:ncpus=4)")

	assert.Equal(t, node.AssignedOf("ncpus"), int64(4))
	// the node went busy again, the scheduler hears about it
	assert.DeepEqual(t, h.nodes.Renotified(), []string{"nodeA"})

	records := h.recorder.byType(accounting.RecordResume)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].message, "requestor=root@peer1.example.com")
}

func TestServerResumeConfirmsPendingResume(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	h.markSuspended(job, "(nodeA:ncpus=4)")
	assert.NilError(t, job.HandleJobEvent(objects.RequestResume))
	assert.Assert(t, job.Is(objects.ResumePending))
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "17.svr", SigResume))
	h.pump()

	assert.Assert(t, lastReply(t, buf).OK())
	assert.Assert(t, job.Is(objects.Running))
	assert.Assert(t, !job.HasFlag(objects.FlagSuspended))
}

func TestOwnerResumeGoesToScheduler(t *testing.T) {
	h := newHarness(t)
	node := h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	h.markSuspended(job, "(nodeA:ncpus=4)")
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, signalReq("alice", "17.svr", SigResume))

	// the owner sees success now, the scheduler decides when
	assert.Assert(t, lastReply(t, buf).OK())
	assert.Assert(t, job.Is(objects.ResumePending))
	assert.Assert(t, job.HasFlag(objects.FlagSuspended))
	assert.Equal(t, len(h.transport.snapshot()), 0)
	assert.Equal(t, node.AssignedOf("ncpus"), int64(0))
	assert.DeepEqual(t, h.sched.Pings(), []string{"sched@" + serverHost})

	// asking again is not an error and pings the scheduler again
	h.send(conn, signalReq("alice", "17.svr", SigResume))
	replies := decodeReplies(t, buf)
	assert.Equal(t, len(replies), 2)
	assert.Assert(t, replies[1].OK())
	assert.Assert(t, job.Is(objects.ResumePending))
	assert.Equal(t, len(h.sched.Pings()), 2)
}

func TestResumeUndoneWhenPeerRefuses(t *testing.T) {
	h := newHarness(t)
	node := h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	h.markSuspended(job, "(nodeA:ncpus=4)")
	h.transport.fail("17.svr", errors.New("connect: connection refused"))
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "17.svr", SigResume))
	h.pump()

	assert.Equal(t, lastReply(t, buf).Code, batcherr.CodeNoRouteToPeer)
	// the re-acquired share went back, nothing is double-charged
	assert.Equal(t, node.AssignedOf("ncpus"), int64(0))
	assert.Assert(t, job.Is(objects.Suspended))
	assert.Assert(t, job.HasFlag(objects.FlagSuspended))
	releasedVnode, _ := job.ReleasedResources()
	assert.Equal(t, releasedVnode, "(nodeA:ncpus=4)")
}

func TestPeerLosingJobIsInternalFault(t *testing.T) {
	h := newHarness(t)
	node := h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	h.transport.reply("17.svr", &wire.Reply{Code: batcherr.CodeUnknownJob, Choice: wire.ChoiceNull})
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "17.svr", SigSuspend))
	h.pump()

	assert.Equal(t, lastReply(t, buf).Code, batcherr.CodeInternal)
	assert.Assert(t, !job.HasFlag(objects.FlagSuspended))
	assert.Assert(t, job.Is(objects.Running))
	assert.Equal(t, node.AssignedOf("ncpus"), int64(4))
}

func TestConcurrentSuspendSecondWinsQuietly(t *testing.T) {
	h := newHarness(t)
	node := h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	// a second job keeps part of the node busy so a double release would
	// show up as an assignment underflow
	h.addRunningJob("18.svr", "bob", "(nodeA:ncpus=3)")
	gate := h.transport.gate("17.svr")

	ownerConn, ownerBuf := h.userConn("alice", "login1.example.com")
	peerConn, peerBuf := h.peerConn()
	h.send(ownerConn, signalReq("alice", "17.svr", SigSuspend))
	h.send(peerConn, signalReq("root", "17.svr", SigSuspend))
	assert.Equal(t, len(h.transport.snapshot()), 2)

	close(gate)
	h.pump()
	h.pump()

	assert.Assert(t, lastReply(t, ownerBuf).OK())
	assert.Assert(t, lastReply(t, peerBuf).OK())
	assert.Assert(t, job.HasFlag(objects.FlagSuspended))
	assert.Assert(t, job.Is(objects.Suspended))
	assert.Equal(t, node.AssignedOf("ncpus"), int64(3))
	assert.Equal(t, len(h.recorder.byType(accounting.RecordSuspend)), 1)
	assert.Equal(t, h.reg.RequestCount(), 0)
}

func TestArraySuspendFansOut(t *testing.T) {
	h := newHarness(t)
	nodeA := h.addNode("nodeA", map[string]int64{"ncpus": 8})
	nodeB := h.addNode("nodeB", map[string]int64{"ncpus": 8})
	parent := h.addArrayJob("31[].svr", "alice", []int{1, 2, 3})
	sub1 := h.addSubjob(parent, 1, "(nodeA:ncpus=2)")
	sub2 := h.addSubjob(parent, 2, "(nodeB:ncpus=2)")
	sub3 := h.addSubjob(parent, 3, "")
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "31[].svr", SigSuspend))
	h.pump()
	h.pump()

	replies := decodeReplies(t, buf)
	assert.Equal(t, len(replies), 1)
	assert.Assert(t, replies[0].OK())
	assert.DeepEqual(t, relayedJobIDs(h.transport.snapshot()),
		[]string{"31[1].svr", "31[2].svr"}, inAnyOrder)

	assert.Assert(t, sub1.HasFlag(objects.FlagSuspended))
	assert.Assert(t, sub2.HasFlag(objects.FlagSuspended))
	assert.Assert(t, sub3.Is(objects.Queued))
	assert.Equal(t, nodeA.AssignedOf("ncpus"), int64(0))
	assert.Equal(t, nodeB.AssignedOf("ncpus"), int64(0))
	assert.Equal(t, h.reg.RequestCount(), 0)
}

func TestArrayFirstFailureSetsParentReply(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	parent := h.addArrayJob("31[].svr", "alice", []int{1, 2})
	sub1 := h.addSubjob(parent, 1, "(nodeA:ncpus=2)")
	sub2 := h.addSubjob(parent, 2, "(nodeA:ncpus=2)")
	gate1 := h.transport.gate(sub1.ID)
	gate2 := h.transport.gate(sub2.ID)
	h.transport.reply(sub2.ID, &wire.Reply{Code: batcherr.CodeBadState, Choice: wire.ChoiceNull})
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "31[].svr", SigSuspend))

	// the refusal resolves first and decides the parent's answer
	close(gate2)
	h.pump()
	close(gate1)
	h.pump()

	replies := decodeReplies(t, buf)
	assert.Equal(t, len(replies), 1)
	assert.Equal(t, replies[0].Code, batcherr.CodeBadState)

	assert.Assert(t, sub1.HasFlag(objects.FlagSuspended))
	assert.Assert(t, !sub2.HasFlag(objects.FlagSuspended))
	assert.Equal(t, h.reg.RequestCount(), 0)
	assert.Equal(t, h.reg.ConnectionCount(), 1)
}

func TestArrayResumeTakesOnlySuspendedSubjobs(t *testing.T) {
	h := newHarness(t)
	node := h.addNode("nodeA", map[string]int64{"ncpus": 8})
	parent := h.addArrayJob("31[].svr", "alice", []int{1, 2, 3})
	sub1 := h.addSubjob(parent, 1, "(nodeA:ncpus=2)")
	sub2 := h.addSubjob(parent, 2, "(nodeA:ncpus=2)")
	h.addSubjob(parent, 3, "")
	h.markSuspended(sub1, "(nodeA:ncpus=2)")
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "31[].svr", SigResume))
	h.pump()

	replies := decodeReplies(t, buf)
	assert.Equal(t, len(replies), 1)
	assert.Assert(t, replies[0].OK())
	assert.DeepEqual(t, relayedJobIDs(h.transport.snapshot()), []string{"31[1].svr"}, inAnyOrder)

	assert.Assert(t, sub1.Is(objects.Running))
	assert.Assert(t, !sub1.HasFlag(objects.FlagSuspended))
	assert.Assert(t, sub2.Is(objects.Running))
	assert.Equal(t, node.AssignedOf("ncpus"), int64(4))
}

func TestArrayNoEligibleSubjobsRejected(t *testing.T) {
	h := newHarness(t)
	parent := h.addArrayJob("31[].svr", "alice", []int{1, 2})
	h.addSubjob(parent, 1, "")
	h.addSubjob(parent, 2, "")
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "31[].svr", SigSuspend))

	assert.Equal(t, lastReply(t, buf).Code, batcherr.CodeBadState)
	assert.Equal(t, len(h.transport.snapshot()), 0)
	assert.Equal(t, h.reg.RequestCount(), 0)
}

func TestRangeSignalTargetsSubset(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 16})
	parent := h.addArrayJob("31[].svr", "alice", []int{1, 2, 3})
	sub1 := h.addSubjob(parent, 1, "(nodeA:ncpus=2)")
	sub2 := h.addSubjob(parent, 2, "(nodeA:ncpus=2)")
	sub3 := h.addSubjob(parent, 3, "(nodeA:ncpus=2)")
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "31[1-2].svr", SigSuspend))
	h.pump()
	h.pump()

	replies := decodeReplies(t, buf)
	assert.Equal(t, len(replies), 1)
	assert.Assert(t, replies[0].OK())
	assert.DeepEqual(t, relayedJobIDs(h.transport.snapshot()),
		[]string{"31[1].svr", "31[2].svr"}, inAnyOrder)
	assert.Assert(t, sub1.HasFlag(objects.FlagSuspended))
	assert.Assert(t, sub2.HasFlag(objects.FlagSuspended))
	assert.Assert(t, sub3.Is(objects.Running))
}

func TestSubjobSignalTargetsOne(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	parent := h.addArrayJob("31[].svr", "alice", []int{1, 2})
	sub1 := h.addSubjob(parent, 1, "(nodeA:ncpus=2)")
	sub2 := h.addSubjob(parent, 2, "(nodeA:ncpus=2)")
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "31[2].svr", SigSuspend))
	h.pump()

	assert.Assert(t, lastReply(t, buf).OK())
	assert.DeepEqual(t, relayedJobIDs(h.transport.snapshot()), []string{"31[2].svr"}, inAnyOrder)
	assert.Assert(t, sub2.HasFlag(objects.FlagSuspended))
	assert.Assert(t, !sub1.HasFlag(objects.FlagSuspended))
}

func TestSignalBadJobReferences(t *testing.T) {
	h := newHarness(t)
	assert.NilError(t, h.jobs.AddJob(objects.NewJob("44[].svr", "alice")))
	h.addArrayJob("31[].svr", "alice", []int{1, 2})
	conn, buf := h.peerConn()

	h.send(conn, signalReq("root", "99.svr", SigSuspend))
	h.send(conn, signalReq("root", "99[].svr", SigSuspend))
	h.send(conn, signalReq("root", "44[1].svr", SigSuspend))
	h.send(conn, signalReq("root", "31[5].svr", SigSuspend))

	replies := decodeReplies(t, buf)
	assert.Equal(t, len(replies), 4)
	assert.Equal(t, replies[0].Code, batcherr.CodeUnknownJob)
	assert.Equal(t, replies[1].Code, batcherr.CodeUnknownJob)
	assert.Equal(t, replies[2].Code, batcherr.CodeInvalidRequest)
	assert.Equal(t, replies[3].Code, batcherr.CodeUnknownJob)
	assert.Equal(t, h.reg.ConnectionCount(), 1)
}

func TestFanOutCompletionOrderProperty(t *testing.T) {
	orders := permutationsOf([]int{0, 1, 2, 3})
	failCodes := []batcherr.Code{
		batcherr.CodeBadState,
		batcherr.CodeSystem,
		batcherr.CodePermission,
		batcherr.CodeBadHost,
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("parent answers once with the first failure, any completion order",
		prop.ForAll(func(failing []bool, orderIdx int) bool {
			h := newHarness(t)
			h.addNode("nodeA", map[string]int64{"ncpus": 64})
			parent := h.addArrayJob("31[].svr", "alice", []int{0, 1, 2, 3})
			gates := make([]chan struct{}, 4)
			for i := 0; i < 4; i++ {
				sub := h.addSubjob(parent, i, "(nodeA:ncpus=1)")
				gates[i] = h.transport.gate(sub.ID)
				if failing[i] {
					h.transport.reply(sub.ID, &wire.Reply{Code: failCodes[i], Choice: wire.ChoiceNull})
				}
			}
			conn, buf := h.peerConn()
			h.send(conn, signalReq("root", "31[].svr", SigSuspend))

			expected := batcherr.CodeNone
			for _, idx := range orders[orderIdx] {
				close(gates[idx])
				if !h.pumpNext() {
					return false
				}
				if expected == batcherr.CodeNone && failing[idx] {
					expected = failCodes[idx]
				}
			}
			replies := decodeReplies(t, buf)
			return len(replies) == 1 &&
				replies[0].Code == expected &&
				h.reg.RequestCount() == 0
		}, gen.SliceOfN(4, gen.Bool()), gen.IntRange(0, len(orders)-1)))

	properties.TestingRun(t)
}

func TestIssueSignalAppliesInternally(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	job := h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")

	var outcomes []error
	posted := h.d.IssueSignal("17.svr", SigSuspend, func(err error) {
		outcomes = append(outcomes, err)
	})
	assert.Assert(t, posted)
	h.pump() // admit the internal request, the relay goes out
	h.pump() // completion applies the suspension

	assert.Equal(t, len(outcomes), 1)
	assert.NilError(t, outcomes[0])
	assert.Assert(t, job.HasFlag(objects.FlagSuspended))
	assert.Equal(t, job.SuspendOrigin(), objects.SuspendByServer)
	assert.Equal(t, h.reg.RequestCount(), 0)

	calls := h.transport.snapshot()
	assert.Equal(t, len(calls), 1)
	assert.Equal(t, calls[0].signal, "suspend")

	records := h.recorder.byType(accounting.RecordSuspend)
	assert.Equal(t, len(records), 1)
	assert.Equal(t, records[0].message,
		"requestor=scheduler@"+serverHost+" resources_released=(nodeA:ncpus=4)")
}

func TestIssueSignalReportsFailure(t *testing.T) {
	h := newHarness(t)

	var outcomes []error
	posted := h.d.IssueSignal("99.svr", SigSuspend, func(err error) {
		outcomes = append(outcomes, err)
	})
	assert.Assert(t, posted)
	h.pump()

	assert.Equal(t, len(outcomes), 1)
	assert.Equal(t, batcherr.CodeOf(outcomes[0]), batcherr.CodeUnknownJob)
	assert.Equal(t, h.reg.RequestCount(), 0)
}
