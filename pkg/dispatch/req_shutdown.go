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
	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// shutdownImmediate is the manner value that stops the server without a
// drain period. Higher values request a delayed, draining shutdown.
const shutdownImmediate = 0

// reqShutdown drives the server into its draining state. From here on,
// job-changing requests are refused while reads and administration keep
// working. An immediate shutdown also fails every pending relay so
// waiting clients get their answers before the transports go away.
func (d *Dispatcher) reqShutdown(_ *registry.Connection, rq *registry.Request) {
	if !rq.Perms.Has(registry.PermOperator) && !rq.Perms.Has(registry.PermManager) {
		d.reject(rq, batcherr.New(batcherr.CodePermission,
			"shutdown requires operator privilege"))
		return
	}
	body, ok := rq.Body.(*wire.ShutdownBody)
	if !ok {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest, "shutdown request carries no body"))
		return
	}
	immediate := body.Manner == shutdownImmediate
	d.setDraining()
	log.Log(log.Dispatch).Info("shutdown requested",
		zap.String("user", rq.User),
		zap.Uint64("manner", body.Manner),
		zap.Bool("immediate", immediate))
	d.finish(rq, wire.NullReply())
	if immediate {
		aborted := d.engine.AbortAll(batcherr.New(batcherr.CodeServerDown, "server shutting down"))
		if aborted > 0 {
			log.Log(log.Dispatch).Info("pending relays aborted for shutdown",
				zap.Int("aborted", aborted))
		}
	}
	d.shutdownFn(immediate)
}
