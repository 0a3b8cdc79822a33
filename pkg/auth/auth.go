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

// Package auth negotiates connection authentication and encryption. Methods
// are self-contained authenticators registered once by name at startup, a
// connection carries one handshake channel per concern (auth, encrypt) that
// steps through tokens until the method reports completion.
package auth

import (
	"fmt"
	"sort"

	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
)

// Identity is the peer identity an authenticator can vouch for.
type Identity struct {
	User  string
	Host  string
	Realm string
}

// CredID is the cacheable credential id of the identity.
func (id Identity) CredID() string {
	if id.Realm == "" {
		return id.User
	}
	return id.User + "@" + id.Realm
}

// ContextParams seeds a handshake context.
type ContextParams struct {
	// ForEncrypt selects the encrypt channel of the method.
	ForEncrypt bool
	// Initiator is true on the client side of the handshake.
	Initiator bool
	// User is the unauthenticated username from the request envelope.
	User string
	// PeerAddr is the remote address of the connection.
	PeerAddr string
}

// Context is the per-connection, per-channel handshake state of one method.
type Context interface {
	// Process consumes one incoming token and produces the next outgoing
	// token, either may be empty. done reports the handshake completed.
	Process(incoming []byte) (outgoing []byte, done bool, err error)
	Close()
}

// Sealer is implemented by contexts that can protect the stream once their
// handshake is done.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// IdentityProvider is implemented by contexts that can name the peer after
// the handshake is done.
type IdentityProvider interface {
	PeerIdentity() (Identity, error)
}

// Authenticator is one registered method.
type Authenticator interface {
	Name() string
	// Configure applies method settings once at startup.
	Configure(settings map[string]string) error
	NewContext(params ContextParams) (Context, error)
}

var registry = struct {
	locking.RWMutex
	methods map[string]Authenticator
}{methods: make(map[string]Authenticator)}

// Register adds a method to the static registry. Methods register once at
// startup, a duplicate name is a wiring error.
func Register(a Authenticator) error {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.methods[a.Name()]; ok {
		return fmt.Errorf("auth method %q already registered", a.Name())
	}
	registry.methods[a.Name()] = a
	return nil
}

// Lookup resolves a method by name.
func Lookup(name string) (Authenticator, bool) {
	registry.RLock()
	defer registry.RUnlock()
	a, ok := registry.methods[name]
	return a, ok
}

// Supported lists the registered method names.
func Supported() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.methods))
	for name := range registry.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resetRegistry clears the method table, for tests only.
func resetRegistry() {
	registry.Lock()
	defer registry.Unlock()
	registry.methods = make(map[string]Authenticator)
}
