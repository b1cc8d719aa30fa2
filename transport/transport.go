// transport.go - Message queue transport contract.
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

// Package transport defines the contract the client holds against the
// underlying message queue socket: a reliable bidirectional multi frame
// message socket with an attachable identity, plus the ZeroMQ dealer
// implementation of it.
package transport

// Socket is a bidirectional multi frame message socket.  Send and Recv may
// be used concurrently with each other; neither may be called concurrently
// with itself.  Recv unblocks with an error once the socket is closed.
type Socket interface {
	// Send emits one multi frame message.
	Send(frames [][]byte) error

	// Recv blocks for the next multi frame message.
	Recv() ([][]byte, error)

	// Close releases the socket.
	Close() error
}

// Dialer opens a dealer style Socket connected to endpoint with the given
// transport level identity attached.
type Dialer func(endpoint string, identity []byte) (Socket, error)
