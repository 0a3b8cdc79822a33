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
	"strings"
	"testing"

	"github.com/opentracing/opentracing-go/mocktracer"
	"gotest.tools/v3/assert"

	"github.com/kestrel-hpc/kestrel-core/pkg/trace"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

func tracedHarness(t *testing.T, mock *mocktracer.MockTracer) *harness {
	return newHarnessWith(t, func(opts *Options) {
		opts.Tracer = &trace.RequestTracerImpl{
			Tracer:                  mock,
			RequestTracerImplParams: trace.DefaultRequestTracerImplParams,
		}
	})
}

func TestRequestSpans(t *testing.T) {
	mock := mocktracer.New()
	h := tracedHarness(t, mock)
	conn, buf := h.userConn("alice", "login1.example.com")
	h.addNode("nodeA", map[string]int64{"ncpus": 8})
	h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")

	h.send(conn, statusReq(wire.TypeStatusJob, "alice", "17.svr"))
	assert.Assert(t, lastReply(t, buf).OK())

	finished := mock.FinishedSpans()
	assert.Equal(t, len(finished), 2)
	handler, request := finished[0], finished[1]
	assert.Equal(t, handler.OperationName, "[handler]handle")
	assert.Equal(t, request.OperationName, "[request]dispatch")
	assert.Equal(t, handler.ParentID, request.SpanContext.SpanID)
	assert.Equal(t, request.Tag(trace.NameKey), "StatusJob")
	assert.Equal(t, request.Tag("user"), "alice")
	assert.Equal(t, handler.Tag(trace.StateKey), nil)
}

func TestHandlerRejectTagsHandlerSpan(t *testing.T) {
	mock := mocktracer.New()
	h := tracedHarness(t, mock)
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, signalReq("alice", "99.svr", "suspend"))
	assert.Assert(t, !lastReply(t, buf).OK())

	finished := mock.FinishedSpans()
	assert.Equal(t, len(finished), 2)
	handler := finished[0]
	assert.Equal(t, handler.Tag(trace.StateKey), trace.RejectedState)
	info, ok := handler.Tag(trace.InfoKey).(string)
	assert.Assert(t, ok)
	assert.Assert(t, strings.Contains(info, "unknown job 99.svr"))
}

func TestGateRejectTagsRequestSpan(t *testing.T) {
	mock := mocktracer.New()
	h := tracedHarness(t, mock)
	conn, buf := h.openConn("10.0.0.8:40123", "login1.example.com")

	h.send(conn, signalReq("alice", "17.svr", "suspend"))
	assert.Assert(t, !lastReply(t, buf).OK())

	// the request never reached a handler, only the dispatch span exists
	finished := mock.FinishedSpans()
	assert.Equal(t, len(finished), 1)
	assert.Equal(t, finished[0].OperationName, "[request]dispatch")
	assert.Equal(t, finished[0].Tag(trace.StateKey), trace.RejectedState)
}

func TestTracingOffByDefault(t *testing.T) {
	h := newHarness(t)
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, statusReq(wire.TypeStatusServer, "alice", ""))
	assert.Assert(t, lastReply(t, buf).OK())
}
