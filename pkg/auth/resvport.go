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

package auth

import (
	"fmt"
	"net"
	"strconv"
)

// MethodResvport is the reserved-port method. It performs no in-band
// handshake: a separate connection bound to a privileged source port vouches
// for the (address, port) pair of the client connection, and the channel is
// completed externally once that voucher arrives.
const MethodResvport = "resvport"

// PrivilegedPortMax bounds the source ports only root can bind.
const PrivilegedPortMax = 1024

// ResvportAuthenticator implements the reserved-port method.
type ResvportAuthenticator struct{}

func NewResvport() *ResvportAuthenticator {
	return &ResvportAuthenticator{}
}

func (a *ResvportAuthenticator) Name() string {
	return MethodResvport
}

func (a *ResvportAuthenticator) Configure(settings map[string]string) error {
	return nil
}

// NewContext always fails, the method carries no handshake tokens. Channels
// using it reach Ready through CompleteExternal only.
func (a *ResvportAuthenticator) NewContext(params ContextParams) (Context, error) {
	return nil, fmt.Errorf("method %q performs no in-band handshake", MethodResvport)
}

// FromPrivilegedPort reports whether the remote address of a connection is
// bound below the reserved-port boundary.
func FromPrivilegedPort(remoteAddr string) bool {
	_, portStr, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false
	}
	return port > 0 && port < PrivilegedPortMax
}
