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
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

// ----------------------------------------------
// Channel events
// ----------------------------------------------
type channelEvent int

const (
	beginHandshake channelEvent = iota
	completeHandshake
)

func (ce channelEvent) String() string {
	return [...]string{"beginHandshake", "completeHandshake"}[ce]
}

// ----------------------------------------------
// Channel states
// ----------------------------------------------
type ChannelStatus int

const (
	ChannelAbsent ChannelStatus = iota
	ChannelEstablishing
	ChannelReady
)

func (cs ChannelStatus) String() string {
	return [...]string{"Absent", "Establishing", "Ready"}[cs]
}

func newChannelState() *fsm.FSM {
	return fsm.NewFSM(
		ChannelAbsent.String(),
		fsm.Events{
			{
				Name: beginHandshake.String(),
				Src:  []string{ChannelAbsent.String()},
				Dst:  ChannelEstablishing.String(),
			},
			{
				Name: completeHandshake.String(),
				Src:  []string{ChannelAbsent.String(), ChannelEstablishing.String()},
				Dst:  ChannelReady.String(),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, event *fsm.Event) {
				channel := event.Args[0].(*Channel)
				log.Log(log.Auth).Info("channel state transition",
					zap.String("purpose", channel.purpose),
					zap.String("method", channel.MethodName()),
					zap.String("source", event.Src),
					zap.String("destination", event.Dst),
					zap.String("event", event.Event))
			},
		},
	)
}

// Channel is one handshake channel of a connection. A connection carries two,
// one for authentication and one for encryption, each stepping Absent ->
// Establishing -> Ready. The progression is forward only.
type Channel struct {
	purpose      string
	stateMachine *fsm.FSM
	method       Authenticator
	ctx          Context
}

// NewChannel creates an Absent channel. purpose names the channel in logs.
func NewChannel(purpose string) *Channel {
	return &Channel{
		purpose:      purpose,
		stateMachine: newChannelState(),
	}
}

func (c *Channel) Status() ChannelStatus {
	switch c.stateMachine.Current() {
	case ChannelEstablishing.String():
		return ChannelEstablishing
	case ChannelReady.String():
		return ChannelReady
	default:
		return ChannelAbsent
	}
}

func (c *Channel) Absent() bool {
	return c.Status() == ChannelAbsent
}

func (c *Channel) Establishing() bool {
	return c.Status() == ChannelEstablishing
}

func (c *Channel) Ready() bool {
	return c.Status() == ChannelReady
}

func (c *Channel) Method() Authenticator {
	return c.method
}

func (c *Channel) MethodName() string {
	if c.method == nil {
		return ""
	}
	return c.method.Name()
}

// Begin starts the handshake of the given method on an Absent channel.
func (c *Channel) Begin(method Authenticator, params ContextParams) error {
	if !c.Absent() {
		return fmt.Errorf("channel %s cannot begin %s handshake while %s", c.purpose, method.Name(), c.Status())
	}
	ctx, err := method.NewContext(params)
	if err != nil {
		return err
	}
	c.method = method
	c.ctx = ctx
	if err := c.stateMachine.Event(context.Background(), beginHandshake.String(), c); err != nil {
		ctx.Close()
		c.method = nil
		c.ctx = nil
		return fmt.Errorf("channel %s cannot begin %s handshake: %w", c.purpose, method.Name(), err)
	}
	return nil
}

// Step feeds one incoming token to an Establishing channel and returns the
// outgoing token. When the method reports completion the channel moves to
// Ready before Step returns.
func (c *Channel) Step(incoming []byte) (outgoing []byte, done bool, err error) {
	if !c.Establishing() {
		return nil, false, fmt.Errorf("channel %s received handshake data while %s", c.purpose, c.Status())
	}
	outgoing, done, err = c.ctx.Process(incoming)
	if err != nil {
		return nil, false, err
	}
	if done {
		if err := c.stateMachine.Event(context.Background(), completeHandshake.String(), c); err != nil {
			return nil, false, err
		}
	}
	return outgoing, done, nil
}

// CompleteExternal moves the channel straight to Ready on evidence gathered
// outside the handshake, such as a reserved source port vouched for by a
// privileged peer. The channel keeps no context in that case.
func (c *Channel) CompleteExternal(method Authenticator) error {
	c.method = method
	if err := c.stateMachine.Event(context.Background(), completeHandshake.String(), c); err != nil {
		return fmt.Errorf("channel %s cannot complete %s externally: %w", c.purpose, method.Name(), err)
	}
	return nil
}

// Sealer returns the stream protection of a Ready channel, nil when the
// method does not encrypt or the channel is not Ready.
func (c *Channel) Sealer() Sealer {
	if !c.Ready() || c.ctx == nil {
		return nil
	}
	if sealer, ok := c.ctx.(Sealer); ok {
		return sealer
	}
	return nil
}

// PeerIdentity returns the identity vouched for by a Ready channel.
func (c *Channel) PeerIdentity() (Identity, error) {
	if !c.Ready() {
		return Identity{}, fmt.Errorf("channel %s is %s, peer identity not established", c.purpose, c.Status())
	}
	provider, ok := c.ctx.(IdentityProvider)
	if !ok {
		return Identity{}, fmt.Errorf("method %q does not provide peer identity", c.MethodName())
	}
	return provider.PeerIdentity()
}

// Close releases the handshake context.
func (c *Channel) Close() {
	if c.ctx != nil {
		c.ctx.Close()
		c.ctx = nil
	}
}
