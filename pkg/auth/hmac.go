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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"net"
	"os"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
)

// MethodHMAC is the shared-key challenge/response method. The acceptor sends
// a random nonce, the initiator answers with HMAC-SHA256(key, nonce||user).
// On the encrypt channel both sides additionally derive an AES-GCM session
// key from the nonce, so the same exchange yields stream protection.
const MethodHMAC = "hmac"

const (
	hmacNonceBytes  = 32
	hmacMinKeyBytes = 16
)

// HMACAuthenticator implements the shared-key method. Configure runs once at
// startup before any context exists.
type HMACAuthenticator struct {
	key   []byte
	realm string
}

func NewHMAC() *HMACAuthenticator {
	return &HMACAuthenticator{}
}

func (a *HMACAuthenticator) Name() string {
	return MethodHMAC
}

// Configure loads the shared key. Settings: "keyfile" names the key file
// (required), "realm" names the realm reported in peer identities.
func (a *HMACAuthenticator) Configure(settings map[string]string) error {
	path := settings["keyfile"]
	if path == "" {
		return fmt.Errorf("method %q requires a keyfile setting", MethodHMAC)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("method %q cannot read key file: %w", MethodHMAC, err)
	}
	key := bytes.TrimSpace(raw)
	if len(key) < hmacMinKeyBytes {
		return fmt.Errorf("method %q key in %s is %d bytes, need at least %d",
			MethodHMAC, path, len(key), hmacMinKeyBytes)
	}
	a.key = key
	a.realm = settings["realm"]
	return nil
}

func (a *HMACAuthenticator) NewContext(params ContextParams) (Context, error) {
	if len(a.key) == 0 {
		return nil, fmt.Errorf("method %q not configured", MethodHMAC)
	}
	return &hmacContext{auth: a, params: params}, nil
}

// proof binds the nonce to the claimed user under the shared key.
func (a *HMACAuthenticator) proof(nonce []byte, user string) []byte {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(nonce)
	mac.Write([]byte(user))
	return mac.Sum(nil)
}

// sealKey derives the per-connection AES key from the handshake nonce.
func (a *HMACAuthenticator) sealKey(nonce []byte) []byte {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(nonce)
	mac.Write([]byte("seal"))
	return mac.Sum(nil)
}

type hmacContext struct {
	auth   *HMACAuthenticator
	params ContextParams
	step   int
	nonce  []byte
	aead   cipher.AEAD
	peer   Identity
	done   bool
}

func (c *hmacContext) Process(incoming []byte) ([]byte, bool, error) {
	if c.done {
		return nil, false, fmt.Errorf("method %q handshake already complete", MethodHMAC)
	}
	if c.params.Initiator {
		return c.processInitiator(incoming)
	}
	return c.processAcceptor(incoming)
}

func (c *hmacContext) processAcceptor(incoming []byte) ([]byte, bool, error) {
	switch c.step {
	case 0:
		// Opening move, the incoming token is empty.
		c.nonce = make([]byte, hmacNonceBytes)
		if _, err := rand.Read(c.nonce); err != nil {
			return nil, false, err
		}
		c.step = 1
		return c.nonce, false, nil
	case 1:
		expected := c.auth.proof(c.nonce, c.params.User)
		if !hmac.Equal(incoming, expected) {
			return nil, false, batcherr.Newf(batcherr.CodeBadCredential,
				"authentication proof mismatch for user %q", c.params.User)
		}
		host := c.params.PeerAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		c.peer = Identity{User: c.params.User, Host: host, Realm: c.auth.realm}
		if c.params.ForEncrypt {
			if err := c.deriveSession(); err != nil {
				return nil, false, err
			}
		}
		c.done = true
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("method %q unexpected handshake step %d", MethodHMAC, c.step)
	}
}

func (c *hmacContext) processInitiator(incoming []byte) ([]byte, bool, error) {
	if c.step != 0 {
		return nil, false, fmt.Errorf("method %q unexpected handshake step %d", MethodHMAC, c.step)
	}
	if len(incoming) < hmacNonceBytes {
		return nil, false, batcherr.Newf(batcherr.CodeBadCredential,
			"challenge nonce is %d bytes, want %d", len(incoming), hmacNonceBytes)
	}
	c.nonce = append([]byte(nil), incoming...)
	if c.params.ForEncrypt {
		if err := c.deriveSession(); err != nil {
			return nil, false, err
		}
	}
	c.step = 1
	c.done = true
	return c.auth.proof(c.nonce, c.params.User), true, nil
}

func (c *hmacContext) deriveSession() error {
	block, err := aes.NewCipher(c.auth.sealKey(c.nonce))
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	c.aead = aead
	return nil
}

// Seal protects one message with the negotiated session key. The output is
// the GCM nonce followed by the ciphertext.
func (c *hmacContext) Seal(plain []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, fmt.Errorf("method %q negotiated no session key on this channel", MethodHMAC)
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *hmacContext) Open(sealed []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, fmt.Errorf("method %q negotiated no session key on this channel", MethodHMAC)
	}
	size := c.aead.NonceSize()
	if len(sealed) < size {
		return nil, batcherr.Newf(batcherr.CodeBadCredential, "sealed message shorter than its nonce")
	}
	plain, err := c.aead.Open(nil, sealed[:size], sealed[size:], nil)
	if err != nil {
		return nil, batcherr.Wrap(batcherr.CodeBadCredential, "sealed message rejected", err)
	}
	return plain, nil
}

// PeerIdentity is available on the acceptor side once the proof verified.
func (c *hmacContext) PeerIdentity() (Identity, error) {
	if !c.done {
		return Identity{}, fmt.Errorf("method %q handshake not complete", MethodHMAC)
	}
	if c.params.Initiator {
		return Identity{}, fmt.Errorf("method %q vouches for the peer on the acceptor side only", MethodHMAC)
	}
	return c.peer, nil
}

func (c *hmacContext) Close() {
	c.nonce = nil
	c.aead = nil
}
