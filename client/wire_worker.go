// wire_worker.go - Wire I/O loop.
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

package client

import (
	"github.com/intelliBrain/messagewire/wire/commands"
)

// The wire loop owns the transport socket and the outbound queue.  It never
// runs user callbacks and never waits on the handshake state machine; its
// sole purpose is to keep the socket moving.  Per frame symmetric work is
// the only cryptography permitted here.

func (c *Client) wireTxWorker() {
	defer c.log.Debugf("Terminating wire send worker.")

	for {
		if c.wireWorker.IsHalted() {
			return
		}

		frames, err := c.outbound.Pop()
		if err != nil {
			// Short dequeue wait; a halt interrupts it.
			c.wireWorker.WaitFor(c.outbound.Signal(), dequeueTimeout)
			continue
		}

		// Heartbeats and handshake control messages bypass the cipher.
		if ch := c.crypto(); ch != nil && !commands.IsHeartBeat(frames) && !commands.IsHandshakeControl(frames) {
			sealed := make([][]byte, len(frames))
			for i, f := range frames {
				sealed[i] = ch.Encrypt(f)
			}
			frames = sealed
		}

		// Dealer addressing convention: empty leading frame.
		msg := make([][]byte, 0, len(frames)+1)
		msg = append(msg, []byte{})
		msg = append(msg, frames...)
		if err = c.sock.Send(msg); err != nil {
			select {
			case <-c.wireWorker.HaltCh():
				return
			default:
			}
			c.log.Warningf("Failed to send message: %v", err)
		}
	}
}

func (c *Client) wireRxWorker() {
	defer c.log.Debugf("Terminating wire receive worker.")

	for {
		frames, err := c.sock.Recv()
		if err != nil {
			select {
			case <-c.wireWorker.HaltCh():
			default:
				c.log.Warningf("Failed to receive message: %v", err)
			}
			return
		}

		// Strip the leading addressing frame.
		if len(frames) < 2 {
			continue
		}
		frames = frames[1:]

		if err = c.inbound.Push(frames); err != nil {
			c.log.Warningf("Dropping inbound message: %v", err)
		}
	}
}
