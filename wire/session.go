// session.go - Handshake session state machine.
// Copyright (C) 2018  intelliBrain.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package wire implements the client half of the message wire handshake:
// the state machine that drives the zero knowledge exchange to completion
// and publishes the derived symmetric channel.
package wire

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/intelliBrain/messagewire/crypto/channel"
	"github.com/intelliBrain/messagewire/crypto/zk"
	"github.com/intelliBrain/messagewire/wire/commands"
)

// State is the handshake session state.
type State uint32

const (
	// StateInit is the state of a freshly created session.
	StateInit State = iota

	// StateAwaitSM0 means the initiation request has been emitted.
	StateAwaitSM0

	// StateAwaitSM1 means the handshake request has been emitted.
	StateAwaitSM1

	// StateAwaitSM2 means the client proof has been emitted.
	StateAwaitSM2

	// StateEstablished means the exchange completed and the channel is
	// installed.
	StateEstablished

	// StateFailed is terminal; the session cannot recover.
	StateFailed
)

var (
	// ErrInvalidState is the error returned when a step is driven out of
	// order.
	ErrInvalidState = errors.New("wire/session: invalid state")

	// ErrMalformedReply is the error returned when a server step has the
	// wrong frame shape.
	ErrMalformedReply = errors.New("wire/session: malformed server reply")
)

// Session drives the zero knowledge exchange for one client session.  All
// mutating operations are invoked from the dispatch loop only; Crypto and
// State may be read from any goroutine.
type Session struct {
	initiator *zk.Initiator

	nonce []byte

	state         atomic.Uint32
	crypto        atomic.Pointer[channel.Channel]
	lastHeartBeat atomic.Int64
}

// NewSession creates a Session for the given credentials.
func NewSession(identity, secret string) *Session {
	return &Session{
		initiator: zk.NewInitiator(identity, secret, nil),
	}
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Crypto returns the installed symmetric channel, or nil before the final
// proof is accepted.  The slot is published with release semantics and is
// immutable for the session's lifetime.
func (s *Session) Crypto() *channel.Channel {
	return s.crypto.Load()
}

// RecordHeartBeat updates the inbound heartbeat timestamp.
func (s *Session) RecordHeartBeat() {
	s.lastHeartBeat.Store(time.Now().UnixNano())
}

// LastHeartBeat returns the wall clock time of the most recent inbound
// heartbeat.
func (s *Session) LastHeartBeat() time.Time {
	return time.Unix(0, s.lastHeartBeat.Load())
}

// Fail marks the session failed.  Terminal.
func (s *Session) Fail() {
	s.state.Store(uint32(StateFailed))
}

// CreateInitiationRequest emits the first client frames, advancing the
// session to awaiting SM0.
func (s *Session) CreateInitiationRequest() ([][]byte, error) {
	if State(s.state.Load()) != StateInit {
		return nil, ErrInvalidState
	}
	s.state.Store(uint32(StateAwaitSM0))
	return [][]byte{commands.Header(commands.CM0)}, nil
}

// CreateHandshakeRequest consumes an SM0 reply and produces the handshake
// request carrying the identity and the client public value, advancing the
// session to awaiting SM1.
func (s *Session) CreateHandshakeRequest(serverFrames [][]byte) ([][]byte, error) {
	if State(s.state.Load()) != StateAwaitSM0 {
		return nil, ErrInvalidState
	}
	if len(serverFrames) != 2 || len(serverFrames[1]) != zk.NonceLength {
		s.Fail()
		return nil, ErrMalformedReply
	}
	s.nonce = append([]byte(nil), serverFrames[1]...)
	s.state.Store(uint32(StateAwaitSM1))
	return [][]byte{
		commands.Header(commands.CM1),
		[]byte(s.initiator.Identity()),
		s.initiator.Public(),
	}, nil
}

// CreateProofRequest consumes an SM1 reply and produces the client proof,
// advancing the session to awaiting SM2.
func (s *Session) CreateProofRequest(serverFrames [][]byte) ([][]byte, error) {
	if State(s.state.Load()) != StateAwaitSM1 {
		return nil, ErrInvalidState
	}
	if len(serverFrames) != 3 {
		s.Fail()
		return nil, ErrMalformedReply
	}
	proof, err := s.initiator.Complete(serverFrames[1], serverFrames[2])
	if err != nil {
		s.Fail()
		return nil, err
	}
	s.state.Store(uint32(StateAwaitSM2))
	return [][]byte{commands.Header(commands.CM2), proof}, nil
}

// ProcessProofReply consumes an SM2 reply.  On success the symmetric
// channel is derived and installed, and the session becomes established.
func (s *Session) ProcessProofReply(serverFrames [][]byte) bool {
	if State(s.state.Load()) != StateAwaitSM2 {
		return false
	}
	if len(serverFrames) != 2 || !s.initiator.VerifyServerProof(serverFrames[1]) {
		s.Fail()
		return false
	}
	txKey, rxKey, err := s.initiator.SessionKeys(s.nonce)
	if err != nil {
		s.Fail()
		return false
	}
	ch, err := channel.NewInitiator(txKey, rxKey)
	if err != nil {
		s.Fail()
		return false
	}
	s.RecordHeartBeat()
	s.crypto.Store(ch)
	s.state.Store(uint32(StateEstablished))
	return true
}
