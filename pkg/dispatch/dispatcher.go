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

// Package dispatch owns the request pipeline. Every decoded request,
// handshake token and relay completion funnels into one event loop, which
// admits the request, walks the access gates and hands it to its handler.
// All job, node and registry mutation happens on that loop, so handlers
// never lock the objects they touch.
package dispatch

import (
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/accounting"
	"github.com/kestrel-hpc/kestrel-core/pkg/auth"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/configs"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/security"
	"github.com/kestrel-hpc/kestrel-core/pkg/deferred"
	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/metrics"
	"github.com/kestrel-hpc/kestrel-core/pkg/objects"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/trace"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

const (
	defaultSchedulerUser = "scheduler"
	defaultRelayTimeout  = 30 * time.Second
	eventQueueSize       = 10240
)

// requestEvent carries one decoded request, or the decode failure, from a
// connection reader.
type requestEvent struct {
	conn *registry.Connection
	req  *wire.Request
	err  error
}

// tokenEvent carries one handshake token from a connection reader.
type tokenEvent struct {
	conn *registry.Connection
	data []byte
	err  error
}

// connectionClosedEvent reports that a reader saw its connection go away.
type connectionClosedEvent struct {
	conn *registry.Connection
}

// completionEvent runs a relay completion on the loop.
type completionEvent struct {
	run func()
}

// internalSignalEvent admits a signal the server issues on its own behalf.
type internalSignalEvent struct {
	req  *wire.Request
	done func(error)
}

type handlerFunc func(conn *registry.Connection, rq *registry.Request)

// drainRejected lists the request types refused once the server is
// shutting down. Everything else keeps working while jobs wind down.
var drainRejected = map[wire.RequestType]bool{
	wire.TypeQueueJob:    true,
	wire.TypeJobCred:     true,
	wire.TypeUserCred:    true,
	wire.TypeJobScript:   true,
	wire.TypeRunJob:      true,
	wire.TypeAsyncRunJob: true,
	wire.TypeMoveJob:     true,
	wire.TypeStageIn:     true,
}

// longRunning lists the request types that wait on an execution peer.
// Their connections are exempted from idle timeouts for the duration.
var longRunning = map[wire.RequestType]bool{
	wire.TypeSignalJob:  true,
	wire.TypeMessageJob: true,
}

// Options carries the collaborators a Dispatcher needs. Registry, Jobs,
// Nodes, Scheduler, ACL and Transport are required; the rest default.
type Options struct {
	Registry  *registry.Registry
	Jobs      objects.JobStore
	Nodes     objects.NodeStore
	Scheduler objects.SchedulerLiaison
	Recorder  accounting.Recorder
	ACL       *security.HostACL
	Transport deferred.PeerTransport

	// Privileges grants operator and manager levels to requests from
	// unprivileged connections. Leave nil to grant neither.
	Privileges *security.PrivilegeResolver

	ServerHost    string
	SchedulerUser string
	PeerPort      int
	ReleaseAllow  []string
	RelayTimeout  time.Duration

	// Tracer opens a span context around every dispatched request when
	// set. Leave nil to run without tracing.
	Tracer trace.RequestTracer

	// CloseTransport closes the socket behind a connection id. The
	// registry never owns sockets, so the dispatcher hands closes back
	// to whoever accepted them.
	CloseTransport func(connID uint64)

	// Shutdown runs on the dispatch loop when an authorized shutdown
	// request arrives. Implementations must not block and must not call
	// Dispatcher.Stop synchronously.
	Shutdown func(immediate bool)
}

// Dispatcher is the single consumer of the event queue.
type Dispatcher struct {
	registry   *registry.Registry
	jobs       objects.JobStore
	nodes      objects.NodeStore
	scheduler  objects.SchedulerLiaison
	engine     *deferred.Engine
	recorder   accounting.Recorder
	acl        *security.HostACL
	privileges *security.PrivilegeResolver
	tracer     trace.RequestTracer

	serverHost    string
	schedulerUser string
	peerPort      int
	releaseAllow  []string

	closeTransport func(connID uint64)
	shutdownFn     func(immediate bool)

	handlers map[wire.RequestType]handlerFunc

	pendingEvents chan interface{} // queue for dispatch events
	stopChan      chan struct{}
	stoppedChan   chan struct{}
	stopOnce      sync.Once

	// loop-only state, never touched off the event goroutine
	completions map[uint64]func(error)
	activeTrace trace.RequestTraceContext

	locking.RWMutex // guards draining and the tracking table
	draining        bool
	tracked         map[string]*TrackRecord
}

// NewDispatcher wires the pipeline together. The relay engine is built
// here so its completions land back on this dispatcher's loop.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		registry:       opts.Registry,
		jobs:           opts.Jobs,
		nodes:          opts.Nodes,
		scheduler:      opts.Scheduler,
		recorder:       opts.Recorder,
		acl:            opts.ACL,
		privileges:     opts.Privileges,
		tracer:         opts.Tracer,
		serverHost:     opts.ServerHost,
		schedulerUser:  opts.SchedulerUser,
		peerPort:       opts.PeerPort,
		releaseAllow:   opts.ReleaseAllow,
		closeTransport: opts.CloseTransport,
		shutdownFn:     opts.Shutdown,
		pendingEvents:  make(chan interface{}, eventQueueSize),
		stopChan:       make(chan struct{}),
		stoppedChan:    make(chan struct{}),
		completions:    make(map[uint64]func(error)),
		tracked:        make(map[string]*TrackRecord),
	}
	if d.recorder == nil {
		d.recorder = accounting.NopRecorder{}
	}
	if d.schedulerUser == "" {
		d.schedulerUser = defaultSchedulerUser
	}
	if d.peerPort == 0 {
		d.peerPort = configs.DefaultPeerPort
	}
	if d.closeTransport == nil {
		d.closeTransport = func(uint64) {}
	}
	if d.shutdownFn == nil {
		d.shutdownFn = func(bool) {}
	}
	timeout := opts.RelayTimeout
	if timeout == 0 {
		timeout = defaultRelayTimeout
	}
	d.engine = deferred.NewEngine(opts.Transport, d.postCompletion, timeout)

	d.handlers = map[wire.RequestType]handlerFunc{
		wire.TypeConnect:      d.reqConnect,
		wire.TypeDisconnect:   d.reqDisconnect,
		wire.TypeSignalJob:    d.reqSignalJob,
		wire.TypeStatusJob:    d.reqStatusJob,
		wire.TypeStatusQueue:  d.reqStatusQueue,
		wire.TypeStatusServer: d.reqStatusServer,
		wire.TypeStatusNode:   d.reqStatusNode,
		wire.TypeSelectJobs:   d.reqSelectJobs,
		wire.TypeSelectStatus: d.reqSelectJobs,
		wire.TypeLocateJob:    d.reqLocateJob,
		wire.TypeTrackJob:     d.reqTrackJob,
		wire.TypeMessageJob:   d.reqMessageJob,
		wire.TypeShutdown:     d.reqShutdown,
	}
	return d
}

// StartService launches the event goroutine.
func (d *Dispatcher) StartService() {
	go d.handleDispatchEvent()
}

// Stop shuts the loop down after draining whatever is already queued.
// Must not be called from the loop itself.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		<-d.stoppedChan
	})
}

// Engine exposes the relay engine for shutdown aborts and diagnostics.
func (d *Dispatcher) Engine() *deferred.Engine {
	return d.engine
}

// Draining reports whether the server has begun shutting down.
func (d *Dispatcher) Draining() bool {
	d.RLock()
	defer d.RUnlock()
	return d.draining
}

func (d *Dispatcher) setDraining() {
	d.Lock()
	defer d.Unlock()
	d.draining = true
}

// HandleIncoming posts a decoded request, or the decode failure, onto the
// loop. It returns false once the dispatcher is stopping.
func (d *Dispatcher) HandleIncoming(conn *registry.Connection, req *wire.Request, err error) bool {
	return d.post(&requestEvent{conn: conn, req: req, err: err})
}

// HandleToken posts a handshake token onto the loop and waits until the
// loop has consumed it. Readers need the wait: the kind of the next frame
// on the stream depends on where the handshake stands after this token.
func (d *Dispatcher) HandleToken(conn *registry.Connection, data []byte, err error) bool {
	if !d.post(&tokenEvent{conn: conn, data: data, err: err}) {
		return false
	}
	return d.Barrier()
}

// Barrier returns once every event posted before it has been processed.
// Returns false when the dispatcher is stopping. Must not be called from
// the loop itself.
func (d *Dispatcher) Barrier() bool {
	settled := make(chan struct{})
	if !d.post(&completionEvent{run: func() { close(settled) }}) {
		return false
	}
	<-settled
	return true
}

// HandleConnectionClosed posts a reader's exit onto the loop.
func (d *Dispatcher) HandleConnectionClosed(conn *registry.Connection) bool {
	return d.post(&connectionClosedEvent{conn: conn})
}

// IssueSignal runs a signal through the pipeline on the server's own
// behalf, with full privilege and no connection to answer. done runs on
// the dispatch loop once the outcome is known; nil means the signal was
// applied.
func (d *Dispatcher) IssueSignal(jobID, signal string, done func(error)) bool {
	req := &wire.Request{
		Type: wire.TypeSignalJob,
		User: d.schedulerUser,
		Body: &wire.SignalBody{JobID: jobID, Signal: signal},
	}
	return d.post(&internalSignalEvent{req: req, done: done})
}

func (d *Dispatcher) postCompletion(run func()) {
	d.post(&completionEvent{run: run})
}

func (d *Dispatcher) post(ev interface{}) bool {
	select {
	case <-d.stopChan:
		log.Log(log.Dispatch).Debug("event refused, dispatcher stopping",
			zap.String("eventType", reflect.TypeOf(ev).String()))
		return false
	default:
	}
	select {
	case d.pendingEvents <- ev:
		return true
	default:
		log.Log(log.Dispatch).DPanic("failed to enqueue dispatch event",
			zap.String("eventType", reflect.TypeOf(ev).String()))
		return false
	}
}

func (d *Dispatcher) handleDispatchEvent() {
	for {
		select {
		case <-d.stopChan:
			for {
				select {
				case ev := <-d.pendingEvents:
					d.processEvent(ev)
				default:
					close(d.stoppedChan)
					return
				}
			}
		case ev := <-d.pendingEvents:
			d.processEvent(ev)
		}
	}
}

func (d *Dispatcher) processEvent(ev interface{}) {
	switch v := ev.(type) {
	case *requestEvent:
		d.processRequest(v.conn, v.req, v.err)
	case *tokenEvent:
		d.processToken(v.conn, v.data, v.err)
	case *connectionClosedEvent:
		d.processClosed(v.conn)
	case *completionEvent:
		v.run()
	case *internalSignalEvent:
		d.processInternalSignal(v)
	default:
		log.Log(log.Dispatch).Error("received type is not an acceptable dispatch event",
			zap.String("receivedType", reflect.TypeOf(v).String()))
	}
}

// processRequest walks a fresh request through the access gates and into
// its handler. Gate failures before the handler reject and, except for a
// rejected type during drain, close the connection: a peer that cannot
// pass admission has nothing further to say.
func (d *Dispatcher) processRequest(conn *registry.Connection, req *wire.Request, decodeErr error) {
	if decodeErr != nil {
		d.processDecodeFailure(conn, decodeErr)
		return
	}

	rq := d.registry.Register(conn, req)
	metrics.GetDispatchMetrics().IncRequest(rq.Type.String())
	d.trackRequests()
	log.Log(log.Dispatch).Debug("request admitted",
		zap.Uint64("seq", rq.Seq),
		zap.Stringer("type", rq.Type),
		zap.String("user", rq.User),
		zap.Uint64("connID", conn.ID))

	tctx := d.newTraceContext()
	defer d.endTraceContext(tctx)
	span, _ := trace.StartSpanWrapper(tctx, trace.RequestLevel, trace.DispatchPhase, rq.Type.String())
	span.SetTag("user", rq.User)

	// authentication requests run before any trust exists
	if rq.Type == wire.TypeAuthenticate {
		d.reqAuthenticate(conn, rq)
		return
	}

	if !d.trusted(conn, rq) {
		d.reject(rq, batcherr.Newf(batcherr.CodeBadCredential,
			"connection %d carries no credential", conn.ID))
		d.closeConn(conn)
		return
	}

	if err := d.bindIdentity(conn, rq); err != nil {
		d.reject(rq, err)
		d.closeConn(conn)
		return
	}

	if !d.acl.Allowed(rq.Host) {
		d.reject(rq, batcherr.Newf(batcherr.CodeBadHost,
			"host %q is not allowed to submit requests", rq.Host))
		d.closeConn(conn)
		return
	}

	if longRunning[rq.Type] {
		conn.SetNoTimeout(true)
	}
	d.assignPrivilege(conn, rq)

	if d.Draining() && drainRejected[rq.Type] {
		d.reject(rq, batcherr.New(batcherr.CodeServerDown, "server is shutting down"))
		return
	}

	h, ok := d.handlers[rq.Type]
	if !ok {
		d.reject(rq, batcherr.Newf(batcherr.CodeUnsupported,
			"no handler for %s request", rq.Type))
		return
	}

	_, _ = trace.StartSpanWrapper(tctx, trace.HandlerLevel, trace.HandlePhase, rq.Type.String())
	h(conn, rq)
	if err := trace.FinishActiveSpanWrapper(tctx, "", ""); err != nil {
		log.Log(log.Dispatch).Warn("failed to finish handler span", zap.Error(err))
	}
}

// processDecodeFailure answers a recognizably broken request and closes
// the stream. A failure with no batch code is a disconnect or torn read,
// which gets no answer.
func (d *Dispatcher) processDecodeFailure(conn *registry.Connection, err error) {
	switch code := batcherr.CodeOf(err); code {
	case batcherr.CodeProtocol, batcherr.CodeUnsupported:
		metrics.GetDispatchMetrics().IncReject(int32(code))
		log.Log(log.Dispatch).Info("rejecting undecodable request",
			zap.Uint64("connID", conn.ID),
			zap.Error(err))
		if sendErr := conn.SendReply(wire.ErrorReply(err)); sendErr != nil {
			log.Log(log.Dispatch).Debug("reject reply not delivered",
				zap.Uint64("connID", conn.ID),
				zap.Error(sendErr))
		}
	default:
		log.Log(log.Dispatch).Debug("connection stream ended",
			zap.Uint64("connID", conn.ID),
			zap.Error(err))
	}
	d.closeConn(conn)
}

func (d *Dispatcher) processClosed(conn *registry.Connection) {
	d.closeConn(conn)
}

func (d *Dispatcher) processInternalSignal(ev *internalSignalEvent) {
	rq := d.registry.RegisterInternal(ev.req, d.schedulerUser, d.serverHost)
	metrics.GetDispatchMetrics().IncRequest(rq.Type.String())
	d.trackRequests()
	if ev.done != nil {
		d.completions[rq.Seq] = ev.done
	}

	tctx := d.newTraceContext()
	defer d.endTraceContext(tctx)
	span, _ := trace.StartSpanWrapper(tctx, trace.RequestLevel, trace.DispatchPhase, rq.Type.String())
	span.SetTag("user", rq.User)

	d.reqSignalJob(nil, rq)
}

// trusted decides whether a request may proceed past admission. Connect
// is the bootstrap request a client sends before authenticating.
func (d *Dispatcher) trusted(conn *registry.Connection, rq *registry.Request) bool {
	return conn.IsToScheduler() ||
		rq.Type == wire.TypeConnect ||
		conn.AuthChannel.Ready() ||
		conn.IsAuthenticated() ||
		conn.FromPrivilegedPort
}

// bindIdentity pins the connection to one principal on its first request
// and rewrites the request to that principal afterwards. Requests on the
// connection the server opened to its scheduler always run as the
// scheduler principal.
func (d *Dispatcher) bindIdentity(conn *registry.Connection, rq *registry.Request) error {
	ident := auth.Identity{User: rq.User, Host: conn.Hostname}
	if conn.IsToScheduler() {
		ident = auth.Identity{User: d.schedulerUser, Host: d.serverHost}
	} else if conn.AuthChannel.Ready() {
		if vouched, err := conn.AuthChannel.PeerIdentity(); err == nil {
			if rq.User != "" && rq.User != vouched.User {
				return batcherr.Newf(batcherr.CodePermission,
					"request names user %q but the connection authenticated %q",
					rq.User, vouched.User)
			}
			ident = vouched
		}
	}
	if err := conn.EstablishIdentity(ident.User, ident.Host, ident.CredID()); err != nil {
		return err
	}
	user, host, _ := conn.Identity()
	rq.User = user
	rq.Host = host
	return nil
}

func (d *Dispatcher) assignPrivilege(conn *registry.Connection, rq *registry.Request) {
	fromServer := conn.IsToScheduler() || conn.FromPrivilegedPort
	perms := registry.PermClient
	if fromServer {
		perms = registry.PermAll
	} else if d.privileges != nil {
		operator, manager := d.privileges.Level(rq.User, rq.Host)
		if operator {
			perms |= registry.PermOperator
		}
		if manager {
			perms |= registry.PermManager
		}
	}
	d.registry.SetDisposition(rq, perms, fromServer, conn.NoTimeout())
}

// finish answers a request and releases it. Completing the last child of
// a fan-out hands the parent its aggregate answer. A child failure is
// recorded on the parent here, first failure wins.
func (d *Dispatcher) finish(rq *registry.Request, rep *wire.Reply) {
	if rep.Code != batcherr.CodeNone {
		metrics.GetDispatchMetrics().IncReject(int32(rep.Code))
		if p := rq.Parent(); p != nil && p.FailureCode == batcherr.CodeNone {
			p.FailureCode = rep.Code
		}
	}
	d.sendReply(rq, rep)
	if done, ok := d.completions[rq.Seq]; ok {
		delete(d.completions, rq.Seq)
		done(rep.Err())
	}
	metrics.GetDispatchMetrics().ObserveHandlingLatency(rq.Received)
	parent := d.registry.Release(rq)
	d.trackRequests()
	if parent != nil {
		d.completeParent(parent)
	}
}

func (d *Dispatcher) sendReply(rq *registry.Request, rep *wire.Reply) {
	if rq.ConnID == registry.DetachedConn {
		log.Log(log.Dispatch).Debug("reply dropped, requester disconnected",
			zap.Uint64("seq", rq.Seq),
			zap.Stringer("type", rq.Type))
		return
	}
	conn, ok := d.registry.Connection(rq.ConnID)
	if !ok {
		log.Log(log.Dispatch).Debug("reply dropped, connection unknown",
			zap.Uint64("seq", rq.Seq),
			zap.Uint64("connID", rq.ConnID))
		return
	}
	if err := conn.SendReply(rep); err != nil {
		log.Log(log.Dispatch).Warn("reply delivery failed, closing connection",
			zap.Uint64("connID", conn.ID),
			zap.Error(err))
		d.closeConn(conn)
	}
}

// newTraceContext opens a trace context for the request being processed.
// The context lives in activeTrace so reject can stamp the span that was
// current when the request failed.
func (d *Dispatcher) newTraceContext() trace.RequestTraceContext {
	if d.tracer == nil {
		return nil
	}
	d.activeTrace = d.tracer.NewTraceContext()
	return d.activeTrace
}

func (d *Dispatcher) endTraceContext(tctx trace.RequestTraceContext) {
	if err := trace.FinishActiveSpanWrapper(tctx, "", ""); err != nil {
		log.Log(log.Dispatch).Warn("failed to finish request span", zap.Error(err))
	}
	d.activeTrace = nil
}

func (d *Dispatcher) reject(rq *registry.Request, err error) {
	log.Log(log.Dispatch).Info("request rejected",
		zap.Uint64("seq", rq.Seq),
		zap.Stringer("type", rq.Type),
		zap.String("user", rq.User),
		zap.Error(err))
	if d.activeTrace != nil {
		if span, spanErr := d.activeTrace.ActiveSpan(); spanErr == nil {
			span.SetTag(trace.StateKey, trace.RejectedState)
			span.SetTag(trace.InfoKey, err.Error())
		}
	}
	d.finish(rq, wire.ErrorReply(err))
}

func (d *Dispatcher) completeParent(parent *registry.Request) {
	if parent.FailureCode != batcherr.CodeNone {
		d.finish(parent, &wire.Reply{Code: parent.FailureCode, Choice: wire.ChoiceNull})
		return
	}
	d.finish(parent, wire.NullReply())
}

func (d *Dispatcher) closeConn(conn *registry.Connection) {
	detached := d.registry.CloseConnection(conn.ID)
	if detached > 0 {
		log.Log(log.Dispatch).Debug("connection closed with requests in flight",
			zap.Uint64("connID", conn.ID),
			zap.Int("inFlight", detached))
	}
	d.closeTransport(conn.ID)
}

func (d *Dispatcher) trackRequests() {
	metrics.GetDispatchMetrics().SetActiveRequests(d.registry.RequestCount())
}

// reqConnect acknowledges the batch bootstrap request.
func (d *Dispatcher) reqConnect(conn *registry.Connection, rq *registry.Request) {
	log.Log(log.Dispatch).Debug("batch connection established",
		zap.Uint64("connID", conn.ID),
		zap.String("user", rq.User))
	d.finish(rq, wire.NullReply())
}

// reqDisconnect ends the conversation. The request gets no reply, the
// connection just goes away.
func (d *Dispatcher) reqDisconnect(conn *registry.Connection, rq *registry.Request) {
	log.Log(log.Dispatch).Debug("client disconnect",
		zap.Uint64("connID", conn.ID),
		zap.String("user", rq.User))
	d.registry.Release(rq)
	d.trackRequests()
	d.closeConn(conn)
}
