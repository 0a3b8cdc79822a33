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

package registry

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/kestrel-hpc/kestrel-core/pkg/auth"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// Connection is one accepted client connection and the trust state pinned to
// it. The identity fields start empty and are established by the first
// request that passes the trust gate, after that they are sticky.
type Connection struct {
	ID                 uint64
	Addr               string
	Hostname           string
	FromPrivilegedPort bool
	AcceptedAt         time.Time

	// AuthChannel and EncryptChannel track the handshake of each concern.
	AuthChannel    *auth.Channel
	EncryptChannel *auth.Channel

	sendMu    locking.Mutex
	transport io.Writer
	writer    *wire.Writer

	locking.RWMutex
	username      string
	userHost      string
	credID        string
	physicalHost  string
	authenticated bool
	toScheduler   bool
	noTimeout     bool
	closed        bool
}

// SetTransport attaches the write side of the connection.
func (c *Connection) SetTransport(w io.Writer) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.transport = w
	c.writer = wire.NewWriter(w)
}

// send encodes one outbound frame, sealing it when the encrypt channel is
// ready. Concurrent senders are serialized so frames never interleave.
func (c *Connection) send(encode func(*wire.Writer) error) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.IsClosed() {
		return fmt.Errorf("connection %d is closed", c.ID)
	}
	if c.writer == nil {
		return fmt.Errorf("connection %d has no transport", c.ID)
	}
	sealer := c.EncryptChannel.Sealer()
	if sealer == nil {
		return encode(c.writer)
	}
	var buf bytes.Buffer
	if err := encode(wire.NewWriter(&buf)); err != nil {
		return err
	}
	sealed, err := sealer.Seal(buf.Bytes())
	if err != nil {
		return err
	}
	if err := c.writer.WriteBytes(sealed); err != nil {
		return err
	}
	return c.writer.Flush()
}

// SendReply writes one reply envelope to the peer.
func (c *Connection) SendReply(reply *wire.Reply) error {
	return c.send(func(w *wire.Writer) error {
		return wire.EncodeReply(w, reply)
	})
}

// SendToken writes one handshake token to the peer.
func (c *Connection) SendToken(t auth.TokenType, data []byte) error {
	return c.send(func(w *wire.Writer) error {
		return auth.WriteToken(w, t, data)
	})
}

// EstablishIdentity pins the request identity to the connection. The first
// call sets it, later calls must name the same user.
func (c *Connection) EstablishIdentity(user, host, credID string) error {
	c.Lock()
	defer c.Unlock()
	if c.username == "" {
		c.username = user
		c.userHost = host
		c.credID = credID
		return nil
	}
	if c.username != user {
		return batcherr.Newf(batcherr.CodePermission,
			"connection %d is bound to user %q, request names %q", c.ID, c.username, user)
	}
	// externally vouched connections arrive here with the name already
	// pinned but no credential id yet
	if c.credID == "" {
		c.credID = credID
	}
	return nil
}

// Identity returns the pinned user, host and credential id.
func (c *Connection) Identity() (user, host, credID string) {
	c.RLock()
	defer c.RUnlock()
	return c.username, c.userHost, c.credID
}

func (c *Connection) HasIdentity() bool {
	c.RLock()
	defer c.RUnlock()
	return c.username != ""
}

// SetAuthenticated records an external voucher for this connection, used by
// the reserved-port method where a privileged helper connection vouches for
// the client one.
func (c *Connection) SetAuthenticated(user, host string) {
	c.Lock()
	defer c.Unlock()
	c.authenticated = true
	if c.username == "" {
		c.username = user
		c.userHost = host
	}
}

func (c *Connection) IsAuthenticated() bool {
	c.RLock()
	defer c.RUnlock()
	return c.authenticated
}

func (c *Connection) SetToScheduler(v bool) {
	c.Lock()
	defer c.Unlock()
	c.toScheduler = v
}

func (c *Connection) IsToScheduler() bool {
	c.RLock()
	defer c.RUnlock()
	return c.toScheduler
}

func (c *Connection) SetNoTimeout(v bool) {
	c.Lock()
	defer c.Unlock()
	c.noTimeout = v
}

func (c *Connection) NoTimeout() bool {
	c.RLock()
	defer c.RUnlock()
	return c.noTimeout
}

func (c *Connection) SetPhysicalHost(host string) {
	c.Lock()
	defer c.Unlock()
	c.physicalHost = host
}

func (c *Connection) PhysicalHost() string {
	c.RLock()
	defer c.RUnlock()
	return c.physicalHost
}

func (c *Connection) markClosed() {
	c.Lock()
	defer c.Unlock()
	c.closed = true
}

func (c *Connection) IsClosed() bool {
	c.RLock()
	defer c.RUnlock()
	return c.closed
}

// ConnectionInfo is the read-only view exposed over the REST API.
type ConnectionInfo struct {
	ID            uint64    `json:"id"`
	Addr          string    `json:"address"`
	Hostname      string    `json:"hostname"`
	User          string    `json:"user,omitempty"`
	UserHost      string    `json:"userHost,omitempty"`
	CredID        string    `json:"credentialID,omitempty"`
	Privileged    bool      `json:"privileged"`
	Authenticated bool      `json:"authenticated"`
	ToScheduler   bool      `json:"toScheduler"`
	NoTimeout     bool      `json:"noTimeout"`
	AuthStatus    string    `json:"authStatus"`
	AuthMethod    string    `json:"authMethod,omitempty"`
	EncryptStatus string    `json:"encryptStatus"`
	EncryptMethod string    `json:"encryptMethod,omitempty"`
	AcceptedAt    time.Time `json:"acceptedAt"`
}

// Info snapshots the connection for the REST API.
func (c *Connection) Info() ConnectionInfo {
	c.RLock()
	defer c.RUnlock()
	return ConnectionInfo{
		ID:            c.ID,
		Addr:          c.Addr,
		Hostname:      c.Hostname,
		User:          c.username,
		UserHost:      c.userHost,
		CredID:        c.credID,
		Privileged:    c.FromPrivilegedPort,
		Authenticated: c.authenticated,
		ToScheduler:   c.toScheduler,
		NoTimeout:     c.noTimeout,
		AuthStatus:    c.AuthChannel.Status().String(),
		AuthMethod:    c.AuthChannel.MethodName(),
		EncryptStatus: c.EncryptChannel.Status().String(),
		EncryptMethod: c.EncryptChannel.MethodName(),
		AcceptedAt:    c.AcceptedAt,
	}
}
