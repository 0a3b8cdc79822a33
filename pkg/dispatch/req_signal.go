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
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/accounting"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/metrics"
	"github.com/kestrel-hpc/kestrel-core/pkg/objects"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// Signal names with server-side meaning. Everything else is delivered to
// the job's processes as an operating system signal.
const (
	SigSuspend      = "suspend"
	SigResume       = "resume"
	SigAdminSuspend = "admin-suspend"
	SigAdminResume  = "admin-resume"
)

type signalKind int

const (
	signalPlain signalKind = iota
	signalSuspend
	signalResume
	signalAdminSuspend
	signalAdminResume
)

// osSignals lists the deliverable signal names, SIG prefix stripped.
var osSignals = map[string]bool{
	"HUP": true, "INT": true, "QUIT": true, "KILL": true, "TERM": true,
	"USR1": true, "USR2": true, "CONT": true, "STOP": true, "TSTP": true,
	"WINCH": true, "URG": true,
}

// classifySignal names the kind of a signal and the name the execution
// peer will see. The admin variants travel as their plain counterparts,
// the distinction only exists server-side.
func classifySignal(name string) (signalKind, string, error) {
	switch name {
	case SigSuspend:
		return signalSuspend, SigSuspend, nil
	case SigResume:
		return signalResume, SigResume, nil
	case SigAdminSuspend:
		return signalAdminSuspend, SigSuspend, nil
	case SigAdminResume:
		return signalAdminResume, SigResume, nil
	}
	if n, err := strconv.Atoi(name); err == nil {
		if n > 0 && n < 65 {
			return signalPlain, name, nil
		}
		return 0, "", batcherr.Newf(batcherr.CodeUnknownSignal,
			"signal number %d out of range", n)
	}
	trimmed := strings.TrimPrefix(strings.ToUpper(name), "SIG")
	if osSignals[trimmed] {
		return signalPlain, trimmed, nil
	}
	return 0, "", batcherr.Newf(batcherr.CodeUnknownSignal, "unknown signal %q", name)
}

func signalable(job *objects.Job) bool {
	return job.Is(objects.Running) || job.Is(objects.Suspended) || job.Is(objects.ResumePending)
}

// reqSignalJob resolves the target jobs and runs the signal engine for
// each. Array references fan out into child requests; the parent answers
// once the last child resolves, first failure wins.
func (d *Dispatcher) reqSignalJob(_ *registry.Connection, rq *registry.Request) {
	body, ok := rq.Body.(*wire.SignalBody)
	if !ok {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest,
			"signal request carries no body"))
		return
	}
	kind, signame, err := classifySignal(body.Signal)
	if err != nil {
		d.reject(rq, err)
		return
	}
	ref, err := objects.ParseJobRef(body.JobID)
	if err != nil {
		d.reject(rq, err)
		return
	}

	switch ref.Kind {
	case objects.RefPlain:
		job, found := d.jobs.FindJob(ref.Raw)
		if !found {
			d.reject(rq, batcherr.Newf(batcherr.CodeUnknownJob, "unknown job %s", ref.Raw))
			return
		}
		d.signalOne(rq, job, kind, signame)
		return
	}

	parent, found := d.jobs.FindJob(ref.ArrayID)
	if !found {
		d.reject(rq, batcherr.Newf(batcherr.CodeUnknownJob, "unknown job %s", ref.ArrayID))
		return
	}
	if !parent.IsArray() {
		d.reject(rq, batcherr.Newf(batcherr.CodeInvalidRequest,
			"job %s is not an array job", parent.ID))
		return
	}

	if ref.Kind == objects.RefSubjob {
		sub, found := parent.Subjob(ref.Index)
		if !found {
			d.reject(rq, batcherr.Newf(batcherr.CodeUnknownJob, "unknown subjob %s", ref.Raw))
			return
		}
		d.signalOne(rq, sub, kind, signame)
		return
	}

	indices := ref.Indices
	if ref.Kind == objects.RefArray {
		indices = parent.Indices()
	}
	targets := eligibleSubjobs(parent, indices, kind)
	if len(targets) == 0 {
		d.reject(rq, batcherr.Newf(batcherr.CodeBadState,
			"no subjobs of %s can take signal %q", parent.ID, body.Signal))
		return
	}
	d.registry.Retain(rq)
	for _, sub := range targets {
		child := d.registry.NewChild(rq)
		d.trackRequests()
		d.signalOne(child, sub, kind, signame)
	}
	if d.registry.ReleaseRef(rq) {
		d.completeParent(rq)
	}
}

// eligibleSubjobs picks the fan-out targets. Suspends skip subjobs that
// already hold the suspended flag, resumes take only those that do, plain
// signals take anything signalable.
func eligibleSubjobs(parent *objects.Job, indices []int, kind signalKind) []*objects.Job {
	var out []*objects.Job
	for _, idx := range indices {
		sub, ok := parent.Subjob(idx)
		if !ok {
			continue
		}
		switch kind {
		case signalSuspend, signalAdminSuspend:
			if sub.Is(objects.Running) && !sub.HasFlag(objects.FlagSuspended) {
				out = append(out, sub)
			}
		case signalResume, signalAdminResume:
			if sub.HasFlag(objects.FlagSuspended) {
				out = append(out, sub)
			}
		default:
			if signalable(sub) {
				out = append(out, sub)
			}
		}
	}
	return out
}

// signalOne validates one job against one signal and either forwards to
// the job's execution peer or, for an owner resume, queues the decision
// for the scheduler. Admin suspends pair with admin resumes: a job
// admin-suspended only comes back through admin-resume, and admin-resume
// refuses jobs suspended any other way.
func (d *Dispatcher) signalOne(rq *registry.Request, job *objects.Job, kind signalKind, signame string) {
	if !signalable(job) {
		d.reject(rq, batcherr.Newf(batcherr.CodeBadState,
			"job %s is not running", job.ID))
		return
	}
	switch kind {
	case signalSuspend, signalAdminSuspend:
		if job.HasFlag(objects.FlagSuspended) {
			d.reject(rq, batcherr.Newf(batcherr.CodeBadState,
				"job %s is already suspended", job.ID))
			return
		}
	case signalResume, signalAdminResume:
		if kind == signalAdminResume && !job.HasFlag(objects.FlagAdminSuspended) {
			d.reject(rq, batcherr.Newf(batcherr.CodeWrongResume,
				"job %s was not admin-suspended", job.ID))
			return
		}
		if kind == signalResume && job.HasFlag(objects.FlagAdminSuspended) {
			d.reject(rq, batcherr.Newf(batcherr.CodeWrongResume,
				"job %s requires admin-resume", job.ID))
			return
		}
		if !job.HasFlag(objects.FlagSuspended) {
			d.reject(rq, batcherr.Newf(batcherr.CodeBadState,
				"job %s is not suspended", job.ID))
			return
		}
		if kind == signalResume && !rq.FromServer {
			d.queueResume(rq, job)
			return
		}
	}

	peer, err := d.peerFor(job)
	if err != nil {
		d.reject(rq, err)
		return
	}
	var reacquired []objects.Chunk
	if kind == signalResume || kind == signalAdminResume {
		reacquired, err = d.reacquire(job)
		if err != nil {
			d.reject(rq, err)
			return
		}
	}
	d.forwardSignal(rq, job, kind, signame, peer, reacquired)
}

// queueResume records an owner's resume wish without touching the peer.
// The job moves to ResumePending and the scheduler decides when its
// resources can actually come back. The owner sees success now; actual
// resumption is decoupled.
func (d *Dispatcher) queueResume(rq *registry.Request, job *objects.Job) {
	if job.Is(objects.Suspended) {
		if err := job.HandleJobEvent(objects.RequestResume); err != nil {
			d.reject(rq, batcherr.Wrap(batcherr.CodeInternal, "record resume request", err))
			return
		}
		if err := d.jobs.Save(job); err != nil {
			log.Log(log.Signal).Error("job save failed",
				zap.String("jobID", job.ID),
				zap.Error(err))
		}
	}
	if sched, ok := d.scheduler.FindAssociatedScheduler(job.ID); ok {
		if err := d.scheduler.RequestReschedule(sched); err != nil {
			log.Log(log.Signal).Warn("scheduler ping failed",
				zap.String("jobID", job.ID),
				zap.String("scheduler", sched),
				zap.Error(err))
		}
	}
	log.Log(log.Signal).Info("resume queued for scheduler",
		zap.String("jobID", job.ID),
		zap.String("user", rq.User))
	d.finish(rq, wire.NullReply())
}

// reacquire takes back exactly what suspension released. Charging the
// full exec_vnode again would double-count the share that was never
// released.
func (d *Dispatcher) reacquire(job *objects.Job) ([]objects.Chunk, error) {
	releasedVnode, _ := job.ReleasedResources()
	if releasedVnode == "" {
		return nil, nil
	}
	chunks, err := objects.ParseExecVnode(releasedVnode)
	if err != nil {
		return nil, batcherr.Wrap(batcherr.CodeInternal,
			"released resource record unparsable", err)
	}
	wasIdle, err := d.nodes.AssignChunks(chunks)
	if err != nil {
		return nil, batcherr.Wrap(batcherr.CodeSystem,
			"re-acquire resources for resume", err)
	}
	d.nodes.Renotify(wasIdle)
	return chunks, nil
}

// peerFor addresses the execution peer that owns a job's first vnode.
func (d *Dispatcher) peerFor(job *objects.Job) (string, error) {
	chunks, err := objects.ParseExecVnode(job.ExecVnode())
	if err != nil || len(chunks) == 0 {
		return "", batcherr.Newf(batcherr.CodeNoRouteToPeer,
			"job %s has no execution assignment", job.ID)
	}
	return fmt.Sprintf("%s:%d", chunks[0].Node, d.peerPort), nil
}

// forwardSignal relays the signal to the job's execution peer. Server
// state does not change here; whatever the signal means locally is
// applied when the peer confirms.
func (d *Dispatcher) forwardSignal(rq *registry.Request, job *objects.Job, kind signalKind,
	signame, peer string, reacquired []objects.Chunk) {
	relayStart := time.Now()
	metrics.GetRelayMetrics().IncPendingRelays()
	fwd := &wire.Request{
		Type: wire.TypeSignalJob,
		User: rq.User,
		Body: &wire.SignalBody{JobID: job.ID, Signal: signame},
	}
	id := d.engine.Defer(rq, peer, fwd, func(crq *registry.Request, reply *wire.Reply) {
		metrics.GetRelayMetrics().DecPendingRelays()
		metrics.GetRelayMetrics().ObserveRelayLatency(relayStart)
		d.completeSignal(crq, job, kind, reacquired, reply)
	})
	log.Log(log.Signal).Debug("signal relayed",
		zap.String("jobID", job.ID),
		zap.String("signal", signame),
		zap.String("peer", peer),
		zap.String("relayID", id))
}

// completeSignal applies the server-side meaning of a confirmed signal,
// or unwinds what the attempt set up when the relay came back refused.
func (d *Dispatcher) completeSignal(rq *registry.Request, job *objects.Job, kind signalKind,
	reacquired []objects.Chunk, reply *wire.Reply) {
	recordRelayOutcome(reply)
	if !reply.OK() {
		code := reply.Code
		if code == batcherr.CodeUnknownJob {
			// the peer losing a job it runs is a server-side fault
			code = batcherr.CodeInternal
		}
		if len(reacquired) > 0 {
			if err := d.nodes.ReleaseChunks(reacquired); err != nil {
				log.Log(log.Signal).Error("release of re-acquired resources failed",
					zap.String("jobID", job.ID),
					zap.Error(err))
			}
		}
		err := batcherr.Newf(code, "signal for job %s refused by peer", job.ID)
		job.NotifyPreemption(err)
		log.Log(log.Signal).Info("signal refused by peer",
			zap.String("jobID", job.ID),
			zap.Int32("code", int32(code)))
		d.finish(rq, &wire.Reply{Code: code, Aux: reply.Aux, Choice: wire.ChoiceNull})
		return
	}
	switch kind {
	case signalSuspend, signalAdminSuspend:
		d.applySuspend(rq, job, kind)
	case signalResume, signalAdminResume:
		d.applyResume(rq, job, kind, reacquired)
	default:
		d.finish(rq, wire.NullReply())
	}
}

// applySuspend records a peer-confirmed suspension: synthesize the
// released share of the exec_vnode under the configured allow-list, flag
// and transition the job, free the resources and write the accounting
// record. Admin suspends additionally park the released nodes in
// maintenance, after the release.
func (d *Dispatcher) applySuspend(rq *registry.Request, job *objects.Job, kind signalKind) {
	if job.HasFlag(objects.FlagSuspended) {
		// a concurrent suspend won while this one was relayed
		job.NotifyPreemption(nil)
		d.finish(rq, wire.NullReply())
		return
	}
	chunks, err := objects.ParseExecVnode(job.ExecVnode())
	if err != nil {
		log.Log(log.Signal).Error("exec_vnode unparsable, nothing released",
			zap.String("jobID", job.ID),
			zap.String("execVnode", job.ExecVnode()),
			zap.Error(err))
		chunks = nil
	}
	released := objects.ReleasedChunks(chunks, d.releaseAllow)
	releasedVnode := objects.FormatExecVnode(released)
	job.SetReleasedResources(releasedVnode, objects.SumResources(released))
	job.SetFlag(objects.FlagSuspended)
	if kind == signalAdminSuspend {
		job.SetFlag(objects.FlagAdminSuspended)
	}
	origin := objects.SuspendByUser
	if rq.FromServer {
		origin = objects.SuspendByServer
	}
	job.SetSuspendOrigin(origin)
	if err := job.HandleJobEvent(objects.SuspendJob); err != nil {
		log.Log(log.Signal).Error("suspend transition failed",
			zap.String("jobID", job.ID),
			zap.Error(err))
	}
	if err := d.nodes.ReleaseChunks(released); err != nil {
		log.Log(log.Signal).Error("resource release failed",
			zap.String("jobID", job.ID),
			zap.Error(err))
	}
	if err := d.jobs.Save(job); err != nil {
		log.Log(log.Signal).Error("job save failed",
			zap.String("jobID", job.ID),
			zap.Error(err))
	}
	d.recorder.Record(accounting.RecordSuspend, job.ID,
		fmt.Sprintf("requestor=%s@%s resources_released=%s", rq.User, rq.Host, releasedVnode))
	if kind == signalAdminSuspend {
		if err := d.nodes.AddMaintenance(job.ID, released); err != nil {
			log.Log(log.Signal).Error("maintenance flag failed",
				zap.String("jobID", job.ID),
				zap.Error(err))
		}
	}
	job.NotifyPreemption(nil)
	log.Log(log.Signal).Info("job suspended",
		zap.String("jobID", job.ID),
		zap.String("releasedVnode", releasedVnode),
		zap.Bool("admin", kind == signalAdminSuspend))
	d.finish(rq, wire.NullReply())
}

// applyResume clears the suspension after the peer confirmed the job is
// running again. Resources were re-acquired before the relay went out, so
// only the job record changes here.
func (d *Dispatcher) applyResume(rq *registry.Request, job *objects.Job, kind signalKind,
	reacquired []objects.Chunk) {
	job.ClearFlag(objects.FlagSuspended)
	if kind == signalAdminResume {
		job.ClearFlag(objects.FlagAdminSuspended)
		if err := d.nodes.RemoveMaintenance(job.ID, reacquired); err != nil {
			log.Log(log.Signal).Error("maintenance clear failed",
				zap.String("jobID", job.ID),
				zap.Error(err))
		}
	}
	job.ClearReleasedResources()
	job.SetSuspendOrigin(objects.SuspendNone)
	if err := job.HandleJobEvent(objects.ResumeJob); err != nil {
		log.Log(log.Signal).Error("resume transition failed",
			zap.String("jobID", job.ID),
			zap.Error(err))
	}
	if err := d.jobs.Save(job); err != nil {
		log.Log(log.Signal).Error("job save failed",
			zap.String("jobID", job.ID),
			zap.Error(err))
	}
	d.recorder.Record(accounting.RecordResume, job.ID,
		fmt.Sprintf("requestor=%s@%s", rq.User, rq.Host))
	job.SetComment("Job run at " + job.ExecVnode())
	job.NotifyPreemption(nil)
	log.Log(log.Signal).Info("job resumed",
		zap.String("jobID", job.ID),
		zap.Bool("admin", kind == signalAdminResume))
	d.finish(rq, wire.NullReply())
}

func recordRelayOutcome(reply *wire.Reply) {
	switch reply.Code {
	case batcherr.CodeNone:
		metrics.GetRelayMetrics().IncRelayDelivered()
	case batcherr.CodeNoRouteToPeer:
		metrics.GetRelayMetrics().IncRelayFailed()
	case batcherr.CodeServerDown:
		metrics.GetRelayMetrics().IncRelayAborted()
	default:
		// the peer answered, with an error
		metrics.GetRelayMetrics().IncRelayDelivered()
	}
}
