// dispatch_worker.go - Dispatch loop.
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
	"errors"
	"fmt"
	"time"

	"github.com/intelliBrain/messagewire/wire/commands"
)

// The dispatch loop owns the inbound queue, the heartbeat timer, the
// handshake driver, and the user callback dispatch.  Callbacks are trusted
// but slow: a long callback delays only this loop, never the wire loop.

func (c *Client) dispatchLoop() {
	defer c.log.Debugf("Terminating dispatch worker.")

	var tickCh <-chan time.Time
	if c.secured {
		ticker := time.NewTicker(c.heartBeat)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-c.dispatchWorker.HaltCh():
			return
		case <-tickCh:
			// Dispose disables the heartbeat before the loops stop.
			if !c.disposed.Load() {
				c.onHeartBeatTick(time.Now())
			}
		case <-c.inbound.Signal():
			for {
				frames, err := c.inbound.Pop()
				if err != nil {
					break
				}
				c.dispatchInbound(frames)
			}
		}
	}
}

// onHeartBeatTick applies the liveness policy: the host is declared dead
// after heartBeatMissLimit silent periods, otherwise an outbound heartbeat
// is enqueued.  Before the session is established the send gate is held
// closed.
func (c *Client) onHeartBeatTick(now time.Time) {
	hs := c.hs.Load()
	established := hs != nil && hs.sess.Crypto() != nil

	switch {
	case established && now.Sub(hs.sess.LastHeartBeat()) > heartBeatMissLimit*c.heartBeat:
		c.throwOnSend.Store(true)
		if !c.hostDead.Swap(true) {
			c.stats.HostDead()
			c.log.Warningf("Host declared dead: no heartbeat in %v.", heartBeatMissLimit*c.heartBeat)
		}
	case established && !c.hostDead.Load():
		if err := c.outbound.Push([][]byte{commands.HeartBeat}); err != nil {
			c.log.Warningf("Failed to enqueue heartbeat: %v", err)
			return
		}
		c.stats.HeartBeatSent()
	case !established:
		c.throwOnSend.Store(true)
	}
}

// dispatchInbound classifies one inbound frame batch exactly once:
// heartbeat, handshake control, or application.
func (c *Client) dispatchInbound(frames [][]byte) {
	if commands.IsHeartBeat(frames) {
		if hs := c.hs.Load(); hs != nil {
			hs.sess.RecordHeartBeat()
		}
		c.stats.HeartBeatReceived()
		return
	}

	hs := c.hs.Load()
	if c.secured && (hs == nil || hs.sess.Crypto() == nil) {
		if !commands.IsHandshakeReply(frames) {
			c.log.Debugf("Discarding unclassifiable message during handshake.")
			c.onInvalidMessage.dispatch(&InvalidMessageReceivedEvent{
				ClientID: c.ClientID(),
				Frames:   frames,
			})
			return
		}
		c.driveHandshake(hs, frames)
		return
	}

	// Established, or plaintext mode.
	if ch := c.crypto(); ch != nil {
		opened := make([][]byte, len(frames))
		for i, f := range frames {
			plaintext, err := ch.Decrypt(f)
			if err != nil {
				c.log.Warningf("Discarding message: %v", err)
				c.onInvalidMessage.dispatch(&InvalidMessageReceivedEvent{
					ClientID: c.ClientID(),
					Frames:   frames,
				})
				return
			}
			opened[i] = plaintext
		}
		frames = opened
	}
	c.stats.MessageReceived()
	c.onMessage.dispatch(&MessageReceivedEvent{
		ClientID: c.ClientID(),
		Frames:   frames,
	})
}

func (c *Client) driveHandshake(hs *handshakeState, frames [][]byte) {
	if hs == nil {
		c.protocolFailed(nil, errors.New("client: handshake reply without a session"))
		return
	}

	switch phase := commands.ReplyPhase(frames); phase {
	case commands.SM0:
		out, err := hs.sess.CreateHandshakeRequest(frames)
		if err != nil {
			c.protocolFailed(hs, err)
			return
		}
		c.enqueueHandshake(out)
	case commands.SM1:
		out, err := hs.sess.CreateProofRequest(frames)
		if err != nil {
			c.protocolFailed(hs, err)
			return
		}
		c.enqueueHandshake(out)
	case commands.SM2:
		if !hs.sess.ProcessProofReply(frames) {
			c.protocolFailed(hs, errors.New("client: server proof rejected"))
			return
		}
		if !c.hostDead.Load() {
			c.throwOnSend.Store(false)
		}
		close(hs.establishedCh)
		c.stats.HandshakeEstablished()
		c.log.Debugf("Handshake established.")
		c.onEstablished.dispatch(&ProtocolEstablishedEvent{})
	default:
		c.protocolFailed(hs, fmt.Errorf("client: handshake failure, phase 0x%02x", byte(phase)))
	}
}

func (c *Client) enqueueHandshake(frames [][]byte) {
	if err := c.outbound.Push(frames); err != nil {
		c.log.Warningf("Failed to enqueue handshake step: %v", err)
	}
}

func (c *Client) protocolFailed(hs *handshakeState, err error) {
	if hs != nil {
		hs.sess.Fail()
	}
	c.stats.HandshakeFailed()
	c.log.Warningf("Handshake failed: %v", err)
	c.onFailed.dispatch(&ProtocolFailedEvent{Err: err})
}
