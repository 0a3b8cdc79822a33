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
	"context"
	"net"

	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// TCPTransport relays requests over a fresh connection per relay. Peers are
// addressed as host:port.
type TCPTransport struct {
	dialer net.Dialer
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

func (t *TCPTransport) Relay(ctx context.Context, peer string, req *wire.Request) (*wire.Reply, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", peer)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	if err := wire.EncodeRequest(wire.NewWriter(conn), req); err != nil {
		return nil, err
	}
	return wire.DecodeReply(wire.NewReader(conn))
}
