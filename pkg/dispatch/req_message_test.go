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

	"gotest.tools/v3/assert"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

func messageReq(user, jobID, text string) *wire.Request {
	return &wire.Request{
		Type: wire.TypeMessageJob,
		User: user,
		Body: &wire.MessageBody{JobID: jobID, FileOpt: 2, Text: text},
	}
}

func TestMessageJobRelaysPeerAnswer(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 4})
	h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	h.transport.reply("17.svr", wire.TextReply("message delivered to stderr"))
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, messageReq("alice", "17.svr", "job is about to hit its walltime"))
	h.pump()

	calls := h.transport.snapshot()
	assert.Equal(t, len(calls), 1)
	assert.Equal(t, calls[0].peer, "nodeA:15002")
	assert.Equal(t, calls[0].reqType, wire.TypeMessageJob)
	assert.Equal(t, calls[0].jobID, "17.svr")

	// the peer's reply reaches the client untranslated
	reply := lastReply(t, buf)
	assert.Equal(t, reply.Code, batcherr.CodeNone)
	assert.Equal(t, reply.Choice, wire.ChoiceText)
	assert.Equal(t, reply.Text, "message delivered to stderr")
	assert.Equal(t, h.reg.RequestCount(), 0)
}

func TestMessageJobChecksTarget(t *testing.T) {
	h := newHarness(t)
	h.addQueuedJob("18.svr", "alice")
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, messageReq("alice", "99.svr", "hello"))
	h.send(conn, messageReq("alice", "18.svr", "hello"))

	replies := decodeReplies(t, buf)
	assert.Equal(t, len(replies), 2)
	assert.Equal(t, replies[0].Code, batcherr.CodeUnknownJob)
	assert.Equal(t, replies[1].Code, batcherr.CodeBadState)
	assert.Equal(t, len(h.transport.snapshot()), 0)
}

func TestMessageJobPeerUnreachable(t *testing.T) {
	h := newHarness(t)
	h.addNode("nodeA", map[string]int64{"ncpus": 4})
	h.addRunningJob("17.svr", "alice", "(nodeA:ncpus=4)")
	h.transport.fail("17.svr", errors.New("connection refused"))
	conn, buf := h.userConn("alice", "login1.example.com")

	h.send(conn, messageReq("alice", "17.svr", "hello"))
	h.pump()

	reply := lastReply(t, buf)
	assert.Equal(t, reply.Code, batcherr.CodeNoRouteToPeer)
}
