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

// Package server owns the batch protocol listener. It accepts connections,
// admits them into the registry and runs one reader goroutine per
// connection that decodes frames and posts them onto the dispatch loop.
// The server owns every socket it accepts; the dispatcher asks for closes
// through CloseConnID.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/kestrel-hpc/kestrel-core/pkg/auth"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/common/configs"
	"github.com/kestrel-hpc/kestrel-core/pkg/dispatch"
	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/metrics"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// Options carries the collaborators and settings for a Server. Registry
// and Dispatcher are required, the rest default.
type Options struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Address    string
	MaxConns   int

	// Resolve maps a remote address to the hostname admission sees.
	// Defaults to the bare host part of the address.
	Resolve func(addr string) string
}

// Server accepts batch protocol connections and pumps their frames into
// the dispatcher.
type Server struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	address    string
	maxConns   int
	resolve    func(addr string) string

	listener net.Listener
	wg       sync.WaitGroup

	locking.Mutex
	conns    map[uint64]net.Conn
	stopping bool
}

func New(opts Options) *Server {
	s := &Server{
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		address:    opts.Address,
		maxConns:   opts.MaxConns,
		resolve:    opts.Resolve,
		conns:      make(map[uint64]net.Conn),
	}
	if s.address == "" {
		s.address = configs.DefaultListenAddress
	}
	if s.maxConns <= 0 {
		s.maxConns = configs.DefaultMaxConns
	}
	if s.resolve == nil {
		s.resolve = hostOf
	}
	return s
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Start binds the listen address and launches the accept loop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", s.address, err)
	}
	s.listener = netutil.LimitListener(lis, s.maxConns)
	log.Log(log.Server).Info("batch listener up",
		zap.String("address", s.listener.Addr().String()),
		zap.Int("maxConns", s.maxConns))
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// readers to drain.
func (s *Server) Stop() {
	s.Lock()
	s.stopping = true
	conns := make([]net.Conn, 0, len(s.conns))
	for _, nc := range s.conns {
		conns = append(conns, nc)
	}
	s.Unlock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			log.Log(log.Server).Debug("listener close failed", zap.Error(err))
		}
	}
	for _, nc := range conns {
		nc.Close()
	}
	s.wg.Wait()
	log.Log(log.Server).Info("batch listener stopped")
}

// CloseConnID closes the socket behind a connection id. Safe for ids that
// are already gone.
func (s *Server) CloseConnID(id uint64) {
	s.Lock()
	nc, ok := s.conns[id]
	delete(s.conns, id)
	s.Unlock()
	if ok {
		nc.Close()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Log(log.Server).Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()
	addr := nc.RemoteAddr().String()

	s.Lock()
	if s.stopping {
		s.Unlock()
		nc.Close()
		return
	}
	conn := s.registry.NewConnection(nc, addr, s.resolve(addr))
	s.conns[conn.ID] = nc
	s.Unlock()

	metrics.GetServerMetrics().IncAcceptedConnection()
	metrics.GetServerMetrics().IncActiveConnections()
	log.Log(log.Server).Debug("connection accepted",
		zap.Uint64("connID", conn.ID),
		zap.String("address", addr),
		zap.Bool("privileged", conn.FromPrivilegedPort))

	s.readFrames(conn, nc)

	s.Lock()
	delete(s.conns, conn.ID)
	s.Unlock()
	nc.Close()
	metrics.GetServerMetrics().IncClosedConnection()
	metrics.GetServerMetrics().DecActiveConnections()
}

// readFrames decodes the inbound stream until it errors or the dispatcher
// stops taking events. The kind of each frame follows the handshake state:
// tokens while a channel is establishing, sealed envelopes once encryption
// is up, bare envelopes otherwise. Frame kind only changes when the loop
// processes an Authenticate request or a token, and both posts wait for
// the loop, so the state is settled before the next frame is classified.
func (s *Server) readFrames(conn *registry.Connection, nc net.Conn) {
	r := wire.NewReader(nc)
	for {
		switch {
		case conn.EncryptChannel.Ready():
			sealed, err := r.ReadBytes()
			if err != nil {
				s.dispatcher.HandleIncoming(conn, nil, err)
				return
			}
			plain, err := conn.EncryptChannel.Sealer().Open(sealed)
			if err != nil {
				s.dispatcher.HandleIncoming(conn, nil,
					batcherr.Wrap(batcherr.CodeProtocol, "unseal inbound frame", err))
				return
			}
			inner := wire.NewReader(bytes.NewReader(plain))
			if conn.AuthChannel.Establishing() {
				if !s.postToken(conn, inner) {
					return
				}
				continue
			}
			if !s.postRequest(conn, inner) {
				return
			}

		case conn.EncryptChannel.Establishing() || conn.AuthChannel.Establishing():
			if !s.postToken(conn, r) {
				return
			}

		default:
			if !s.postRequest(conn, r) {
				return
			}
		}
	}
}

// postRequest decodes and posts one request envelope. Returns false when
// the reader should stop, decode failures are posted so the loop can
// answer them before closing.
func (s *Server) postRequest(conn *registry.Connection, r *wire.Reader) bool {
	req, err := wire.DecodeRequest(r)
	if !s.dispatcher.HandleIncoming(conn, req, err) {
		return false
	}
	if err != nil {
		return false
	}
	if req.Type == wire.TypeAuthenticate {
		return s.dispatcher.Barrier()
	}
	return true
}

func (s *Server) postToken(conn *registry.Connection, r *wire.Reader) bool {
	_, data, err := auth.ReadToken(r)
	if !s.dispatcher.HandleToken(conn, data, err) {
		return false
	}
	return err == nil
}
