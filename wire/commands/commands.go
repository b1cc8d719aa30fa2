// commands.go - Message wire control frame vocabulary.
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

// Package commands implements the control frame vocabulary of the message
// wire protocol: the handshake header bytes, the heartbeat sentinel, and
// the predicates that classify an inbound multi-frame message.
package commands

import "bytes"

const (
	// SOH is the first octet of a handshake control header.
	SOH = 0x01

	// ACK is the second octet of a handshake control header.
	ACK = 0x06

	// BEL is the final octet of a handshake control header.
	BEL = 0x07

	headerLength = 4
	phaseOffset  = 2
)

// Phase identifies a step (or failure) of the zero-knowledge exchange.  The
// byte values are shared with the server's phase table and are opaque to
// any other party.
type Phase byte

const (
	// CM0 is the client initiation request.
	CM0 Phase = 0xB0

	// CM1 is the client handshake request carrying the identity and the
	// client public value.
	CM1 Phase = 0xB1

	// CM2 is the client proof.
	CM2 Phase = 0xB2

	// SM0 is the server initiation reply carrying the server nonce.
	SM0 Phase = 0xA0

	// SM1 is the server handshake reply carrying the salt and the server
	// public value.
	SM1 Phase = 0xA1

	// SM2 is the server proof.
	SM2 Phase = 0xA2

	// SF0 is the server initiation failure.
	SF0 Phase = 0xE0

	// SF1 is the server handshake failure.
	SF1 Phase = 0xE1

	// SF2 is the server proof failure.
	SF2 Phase = 0xE2

	// FF0 is the fatal failure marker.
	FF0 Phase = 0xF0
)

// HeartBeat is the sole frame of a heartbeat message, shared with the
// server.
var HeartBeat = []byte("HeartBeat")

// Header returns the four byte handshake control header for phase.
func Header(phase Phase) []byte {
	return []byte{SOH, ACK, byte(phase), BEL}
}

func isHeader(frame []byte) bool {
	return len(frame) == headerLength && frame[0] == SOH && frame[1] == ACK && frame[3] == BEL
}

func isReplyPhase(p Phase) bool {
	switch p {
	case FF0, SM0, SF0, SM1, SF1, SM2, SF2:
		return true
	}
	return false
}

func isClientPhase(p Phase) bool {
	switch p {
	case CM0, CM1, CM2:
		return true
	}
	return false
}

// IsHeartBeat returns true iff frames is a heartbeat message.
func IsHeartBeat(frames [][]byte) bool {
	return len(frames) == 1 && bytes.Equal(frames[0], HeartBeat)
}

// IsHandshakeReply returns true iff frames is a well formed server
// handshake step or failure: 2 or 3 frames, the first being a control
// header whose phase octet is one of the seven server originated values.
func IsHandshakeReply(frames [][]byte) bool {
	if len(frames) != 2 && len(frames) != 3 {
		return false
	}
	if !isHeader(frames[0]) {
		return false
	}
	return isReplyPhase(Phase(frames[0][phaseOffset]))
}

// IsHandshakeControl returns true iff the leading frame of frames is a
// control header bearing any known phase, client or server originated.
// Such messages bypass the symmetric channel.
func IsHandshakeControl(frames [][]byte) bool {
	if len(frames) == 0 || !isHeader(frames[0]) {
		return false
	}
	p := Phase(frames[0][phaseOffset])
	return isReplyPhase(p) || isClientPhase(p)
}

// ReplyPhase extracts the phase octet from a message previously accepted by
// IsHandshakeReply.
func ReplyPhase(frames [][]byte) Phase {
	return Phase(frames[0][phaseOffset])
}
