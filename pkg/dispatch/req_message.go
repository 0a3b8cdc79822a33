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
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/metrics"
	"github.com/kestrel-hpc/kestrel-core/pkg/objects"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// reqMessageJob relays text for a job's output streams to the execution
// peer that owns it. The peer's answer becomes the client's answer.
func (d *Dispatcher) reqMessageJob(_ *registry.Connection, rq *registry.Request) {
	body, ok := rq.Body.(*wire.MessageBody)
	if !ok {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest, "message request carries no body"))
		return
	}
	job, found := d.jobs.FindJob(body.JobID)
	if !found {
		d.reject(rq, batcherr.Newf(batcherr.CodeUnknownJob, "unknown job %s", body.JobID))
		return
	}
	if !job.Is(objects.Running) {
		d.reject(rq, batcherr.Newf(batcherr.CodeBadState, "job %s is not running", job.ID))
		return
	}
	peer, err := d.peerFor(job)
	if err != nil {
		d.reject(rq, err)
		return
	}
	relayStart := time.Now()
	metrics.GetRelayMetrics().IncPendingRelays()
	fwd := &wire.Request{Type: wire.TypeMessageJob, User: rq.User, Body: body}
	id := d.engine.Defer(rq, peer, fwd, func(crq *registry.Request, reply *wire.Reply) {
		metrics.GetRelayMetrics().DecPendingRelays()
		metrics.GetRelayMetrics().ObserveRelayLatency(relayStart)
		recordRelayOutcome(reply)
		d.finish(crq, reply)
	})
	log.Log(log.Dispatch).Debug("message relayed",
		zap.String("jobID", job.ID),
		zap.String("peer", peer),
		zap.String("relayID", id))
}
