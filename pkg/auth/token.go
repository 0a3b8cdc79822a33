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

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// TokenType tags one handshake message exchanged on a connection while a
// channel is Establishing.
type TokenType uint64

const (
	// TokenContextData carries opaque method data for the peer context.
	TokenContextData TokenType = iota + 1
	// TokenContextOK reports the sender finished its side of the handshake.
	TokenContextOK
	// TokenErrorData aborts the handshake, the payload is the diagnostic
	// text passed through verbatim.
	TokenErrorData
)

func (t TokenType) String() string {
	switch t {
	case TokenContextData:
		return "ContextData"
	case TokenContextOK:
		return "ContextOK"
	case TokenErrorData:
		return "ErrorData"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(t))
	}
}

// WriteToken sends one handshake message.
func WriteToken(w *wire.Writer, t TokenType, data []byte) error {
	if err := w.WriteUint(uint64(t)); err != nil {
		return err
	}
	if err := w.WriteBytes(data); err != nil {
		return err
	}
	return w.Flush()
}

// ReadToken receives one handshake message. A TokenErrorData message is
// returned as an error carrying the peer diagnostic verbatim.
func ReadToken(r *wire.Reader) (TokenType, []byte, error) {
	raw, err := r.ReadUint()
	if err != nil {
		return 0, nil, err
	}
	t := TokenType(raw)
	data, err := r.ReadBytes()
	if err != nil {
		return 0, nil, err
	}
	switch t {
	case TokenContextData, TokenContextOK:
		return t, data, nil
	case TokenErrorData:
		return t, nil, batcherr.New(batcherr.CodeBadCredential, string(data))
	default:
		return t, nil, batcherr.Newf(batcherr.CodeProtocol, "unknown handshake token type %d", raw)
	}
}
