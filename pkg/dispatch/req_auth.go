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
	"net"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/auth"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/metrics"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// reqAuthenticate starts credential establishment for a connection. The
// reserved-port method authenticates a different connection than the one
// carrying the request; every other method opens an in-band handshake on
// this one.
func (d *Dispatcher) reqAuthenticate(conn *registry.Connection, rq *registry.Request) {
	body, ok := rq.Body.(*wire.AuthenBody)
	if !ok {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest,
			"authenticate request carries no body"))
		d.closeConn(conn)
		return
	}
	method, ok := auth.Lookup(body.AuthMethod)
	if !ok {
		metrics.GetServerMetrics().IncAuthFailure(body.AuthMethod)
		d.reject(rq, batcherr.Newf(batcherr.CodeUnsupported,
			"authentication method %q is not supported", body.AuthMethod))
		d.closeConn(conn)
		return
	}
	if body.AuthMethod == auth.MethodResvport {
		d.vouchResvport(conn, rq, method, body)
		return
	}
	d.beginHandshake(conn, rq, method, body)
}

// vouchResvport handles the out-of-band voucher a privileged helper sends
// on behalf of a client connection. The helper connects from a reserved
// port and names the client connection's source port; a match
// authenticates that connection, not this one.
func (d *Dispatcher) vouchResvport(conn *registry.Connection, rq *registry.Request,
	method auth.Authenticator, body *wire.AuthenBody) {
	if !conn.FromPrivilegedPort {
		metrics.GetServerMetrics().IncAuthFailure(auth.MethodResvport)
		d.reject(rq, batcherr.New(batcherr.CodeBadCredential,
			"reserved-port voucher did not arrive on a reserved port"))
		d.closeConn(conn)
		return
	}
	host, _, err := net.SplitHostPort(conn.Addr)
	if err != nil {
		host = conn.Addr
	}
	target, ok := d.registry.FindByPeer(host, body.Port)
	if !ok {
		metrics.GetServerMetrics().IncAuthFailure(auth.MethodResvport)
		d.reject(rq, batcherr.Newf(batcherr.CodeBadCredential,
			"no connection from %s port %d", host, body.Port))
		d.closeConn(conn)
		return
	}
	target.SetAuthenticated(rq.User, target.Hostname)
	if err := target.AuthChannel.CompleteExternal(method); err != nil {
		log.Log(log.Auth).Debug("auth channel already settled",
			zap.Uint64("connID", target.ID),
			zap.Error(err))
	}
	metrics.GetServerMetrics().IncAuthSuccess(auth.MethodResvport)
	log.Log(log.Auth).Info("connection vouched by reserved-port helper",
		zap.Uint64("connID", target.ID),
		zap.String("user", rq.User),
		zap.Uint64("voucherConnID", conn.ID))
	d.finish(rq, wire.NullReply())
}

// beginHandshake opens the in-band channels. Encryption, when asked for,
// establishes first so the credential handshake and everything after it
// travel sealed.
func (d *Dispatcher) beginHandshake(conn *registry.Connection, rq *registry.Request,
	method auth.Authenticator, body *wire.AuthenBody) {
	if body.EncryptMethod != "" {
		encMethod, ok := auth.Lookup(body.EncryptMethod)
		if !ok {
			metrics.GetServerMetrics().IncAuthFailure(body.EncryptMethod)
			d.reject(rq, batcherr.Newf(batcherr.CodeUnsupported,
				"encryption method %q is not supported", body.EncryptMethod))
			d.closeConn(conn)
			return
		}
		params := auth.ContextParams{ForEncrypt: true, User: rq.User, PeerAddr: conn.Addr}
		if err := conn.EncryptChannel.Begin(encMethod, params); err != nil {
			metrics.GetServerMetrics().IncAuthFailure(body.EncryptMethod)
			d.reject(rq, batcherr.Wrap(batcherr.CodeBadCredential,
				"begin encryption handshake", err))
			d.closeConn(conn)
			return
		}
	}
	params := auth.ContextParams{User: rq.User, PeerAddr: conn.Addr}
	if err := conn.AuthChannel.Begin(method, params); err != nil {
		metrics.GetServerMetrics().IncAuthFailure(body.AuthMethod)
		d.reject(rq, batcherr.Wrap(batcherr.CodeBadCredential,
			"begin authentication handshake", err))
		d.closeConn(conn)
		return
	}
	d.finish(rq, wire.NullReply())
	d.advanceHandshake(conn)
}

// processToken feeds one client token to whichever channel is mid
// handshake. The server speaks first on each channel, so a nil token
// advances a freshly begun handshake.
func (d *Dispatcher) processToken(conn *registry.Connection, data []byte, readErr error) {
	if readErr != nil {
		log.Log(log.Auth).Warn("handshake token read failed",
			zap.Uint64("connID", conn.ID),
			zap.Error(readErr))
		d.closeConn(conn)
		return
	}
	var ch *auth.Channel
	switch {
	case conn.EncryptChannel.Establishing():
		ch = conn.EncryptChannel
	case conn.AuthChannel.Establishing():
		ch = conn.AuthChannel
	default:
		log.Log(log.Auth).Warn("handshake token outside a handshake",
			zap.Uint64("connID", conn.ID))
		d.closeConn(conn)
		return
	}
	out, done, err := ch.Step(data)
	if err != nil {
		metrics.GetServerMetrics().IncAuthFailure(ch.MethodName())
		log.Log(log.Auth).Info("handshake failed",
			zap.Uint64("connID", conn.ID),
			zap.String("method", ch.MethodName()),
			zap.Error(err))
		if sendErr := conn.SendToken(auth.TokenErrorData, []byte(err.Error())); sendErr != nil {
			log.Log(log.Auth).Debug("error token not delivered",
				zap.Uint64("connID", conn.ID),
				zap.Error(sendErr))
		}
		d.closeConn(conn)
		return
	}
	tokenType := auth.TokenContextData
	if done {
		tokenType = auth.TokenContextOK
	}
	if err := conn.SendToken(tokenType, out); err != nil {
		log.Log(log.Auth).Warn("handshake token send failed",
			zap.Uint64("connID", conn.ID),
			zap.Error(err))
		d.closeConn(conn)
		return
	}
	if !done {
		return
	}
	if ch == conn.EncryptChannel {
		log.Log(log.Auth).Debug("encryption established",
			zap.Uint64("connID", conn.ID),
			zap.String("method", ch.MethodName()))
		// the credential handshake follows on the sealed stream
		if conn.AuthChannel.Establishing() {
			d.advanceHandshake(conn)
		}
		return
	}
	metrics.GetServerMetrics().IncAuthSuccess(ch.MethodName())
	if vouched, idErr := ch.PeerIdentity(); idErr == nil {
		conn.SetAuthenticated(vouched.User, vouched.Host)
	}
	log.Log(log.Auth).Info("connection authenticated",
		zap.Uint64("connID", conn.ID),
		zap.String("method", ch.MethodName()))
}

// advanceHandshake emits the server's opening token for whichever channel
// is establishing.
func (d *Dispatcher) advanceHandshake(conn *registry.Connection) {
	d.processToken(conn, nil, nil)
}
