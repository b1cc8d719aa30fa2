// client_test.go - Client facade end to end tests.
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
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliBrain/messagewire/crypto/channel"
	"github.com/intelliBrain/messagewire/crypto/zk"
	"github.com/intelliBrain/messagewire/transport"
	"github.com/intelliBrain/messagewire/wire/commands"
)

const testTimeout = 5 * time.Second

var errPipeClosed = errors.New("pipe: closed")

// pipeSocket is an in-memory Socket pair standing in for the dealer
// socket.  The peer end sees exactly the frames the client end sent,
// addressing frame included.
type pipeSocket struct {
	out chan [][]byte
	in  chan [][]byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newPipe() (*pipeSocket, *pipeSocket) {
	a2b := make(chan [][]byte, queueCapacity)
	b2a := make(chan [][]byte, queueCapacity)
	closed := make(chan struct{})
	a := &pipeSocket{out: a2b, in: b2a, closed: closed}
	b := &pipeSocket{out: b2a, in: a2b, closed: closed}
	return a, b
}

func (p *pipeSocket) Send(frames [][]byte) error {
	select {
	case p.out <- frames:
		return nil
	case <-p.closed:
		return errPipeClosed
	}
}

func (p *pipeSocket) Recv() ([][]byte, error) {
	select {
	case frames := <-p.in:
		return frames, nil
	case <-p.closed:
		return nil, errPipeClosed
	}
}

func (p *pipeSocket) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func pipeDialer(peer **pipeSocket) transport.Dialer {
	return func(endpoint string, identity []byte) (transport.Socket, error) {
		clientEnd, peerEnd := newPipe()
		*peer = peerEnd
		return clientEnd, nil
	}
}

// peerSend prepends the addressing frame the wire loop strips on receive.
func peerSend(t *testing.T, peer *pipeSocket, frames [][]byte) {
	msg := append([][]byte{{}}, frames...)
	require.NoError(t, peer.Send(msg))
}

// peerRecv strips the addressing frame the client's wire loop prepends.
func peerRecv(t *testing.T, peer *pipeSocket) [][]byte {
	require := require.New(t)
	frames, err := peer.Recv()
	require.NoError(err)
	require.NotEmpty(frames)
	require.Empty(frames[0], "leading addressing frame")
	return frames[1:]
}

// peerRecvMessage returns the next non heartbeat message.
func peerRecvMessage(t *testing.T, peer *pipeSocket) [][]byte {
	for {
		frames := peerRecv(t, peer)
		if !commands.IsHeartBeat(frames) {
			return frames
		}
	}
}

// zkPeer scripts the server half of the handshake.
type zkPeer struct {
	nonce     []byte
	salt      []byte
	verifier  []byte
	responder *zk.Responder
}

func newZkPeer(identity, secret string) *zkPeer {
	salt := zk.GenerateSalt()
	return &zkPeer{
		nonce:    zk.GenerateNonce(),
		salt:     salt,
		verifier: zk.GenerateVerifier(identity, secret, salt),
	}
}

// serve answers handshake steps until the exchange completes, then returns
// the established server side channel.
func (p *zkPeer) serve(t *testing.T, peer *pipeSocket) *channel.Channel {
	require := require.New(t)

	cm0 := peerRecvMessage(t, peer)
	require.True(commands.IsHandshakeControl(cm0))
	require.Equal(commands.CM0, commands.Phase(cm0[0][2]))
	peerSend(t, peer, [][]byte{commands.Header(commands.SM0), p.nonce})

	cm1 := peerRecvMessage(t, peer)
	require.Len(cm1, 3)
	var err error
	p.responder, err = zk.NewResponder(string(cm1[1]), p.salt, p.verifier, nil)
	require.NoError(err)
	serverPublic, err := p.responder.Public(cm1[2])
	require.NoError(err)
	peerSend(t, peer, [][]byte{commands.Header(commands.SM1), p.salt, serverPublic})

	cm2 := peerRecvMessage(t, peer)
	require.Len(cm2, 2)
	m2, ok := p.responder.VerifyProof(cm2[1])
	require.True(ok)
	peerSend(t, peer, [][]byte{commands.Header(commands.SM2), m2})

	rxKey, txKey, err := p.responder.SessionKeys(p.nonce)
	require.NoError(err)
	ch, err := channel.NewResponder(txKey, rxKey)
	require.NoError(err)
	return ch
}

func collectMessages(c *Client) <-chan *MessageReceivedEvent {
	ch := make(chan *MessageReceivedEvent, 16)
	c.SubscribeMessageReceived(func(e *MessageReceivedEvent) { ch <- e })
	return ch
}

func waitMessage(t *testing.T, ch <-chan *MessageReceivedEvent) *MessageReceivedEvent {
	select {
	case e := <-ch:
		return e
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for message event")
	}
	return nil
}

func TestPlaintextRoundTrip(t *testing.T) {
	require := require.New(t)

	var peer *pipeSocket
	c, err := New(&Config{
		Endpoint: "tcp://127.0.0.1:5555",
		Dialer:   pipeDialer(&peer),
	})
	require.NoError(err)
	defer c.Dispose()

	require.True(c.CanSend(), "plaintext mode permits sends immediately")
	require.True(c.IsHostAlive())
	require.Len(c.ClientID(), ClientIdentityLength)

	msgCh := collectMessages(c)

	payload := [][]byte{{0x41}, {0x42, 0x43}}
	require.NoError(c.Send(payload))

	// Echo the message back.
	echoed := peerRecvMessage(t, peer)
	require.Equal(payload, echoed, "frames cross the wire byte for byte")
	peerSend(t, peer, echoed)

	e := waitMessage(t, msgCh)
	require.Equal(payload, e.Frames)
	require.Equal(c.ClientID(), e.ClientID)

	select {
	case <-msgCh:
		t.Fatal("unexpected second message event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPlaintextOrdering(t *testing.T) {
	require := require.New(t)

	var peer *pipeSocket
	c, err := New(&Config{
		Endpoint: "tcp://127.0.0.1:5555",
		Dialer:   pipeDialer(&peer),
	})
	require.NoError(err)
	defer c.Dispose()

	for i := 0; i < 8; i++ {
		require.NoError(c.Send([][]byte{{byte(i)}}))
	}
	for i := 0; i < 8; i++ {
		frames := peerRecvMessage(t, peer)
		require.Equal([][]byte{{byte(i)}}, frames, "enqueue order preserved")
	}
}

func TestSendBeforeSecure(t *testing.T) {
	require := require.New(t)

	var peer *pipeSocket
	c, err := New(&Config{
		Endpoint:       "tcp://127.0.0.1:5555",
		Identity:       "alice",
		IdentitySecret: "s3cret",
		Dialer:         pipeDialer(&peer),
	})
	require.NoError(err)
	defer c.Dispose()

	require.False(c.CanSend())
	require.Equal(ErrNotReady, c.Send([][]byte{{0x00}}))
}

func TestSecuredHandshake(t *testing.T) {
	require := require.New(t)

	var peer *pipeSocket
	c, err := New(&Config{
		Endpoint:          "tcp://127.0.0.1:5555",
		Identity:          "alice",
		IdentitySecret:    "s3cret",
		HeartBeatInterval: time.Second,
		Dialer:            pipeDialer(&peer),
	})
	require.NoError(err)
	defer c.Dispose()

	established := make(chan struct{}, 4)
	c.SubscribeProtocolEstablished(func(*ProtocolEstablishedEvent) {
		established <- struct{}{}
	})
	msgCh := collectMessages(c)

	zp := newZkPeer("alice", "s3cret")
	serverChCh := make(chan *channel.Channel, 1)
	go func() { serverChCh <- zp.serve(t, peer) }()

	require.True(c.SecureConnection(true, testTimeout), "handshake completes")
	require.True(c.CanSend())

	select {
	case <-established:
	case <-time.After(testTimeout):
		t.Fatal("protocol-established did not fire")
	}
	select {
	case <-established:
		t.Fatal("protocol-established fired more than once")
	case <-time.After(100 * time.Millisecond):
	}

	// A second SecureConnection is a no-op returning true.
	require.True(c.SecureConnection(true, testTimeout))

	serverCh := <-serverChCh

	// Application traffic is transformed by the channel on the wire and
	// delivered decrypted.
	payload := [][]byte{[]byte("ciphered"), []byte("frames")}
	require.NoError(c.Send(payload))

	sealed := peerRecvMessage(t, peer)
	require.Len(sealed, len(payload))
	for i, f := range sealed {
		require.False(bytes.Equal(payload[i], f), "frame crosses the wire encrypted")
		plaintext, err := serverCh.Decrypt(f)
		require.NoError(err)
		require.Equal(payload[i], plaintext)
	}

	reply := [][]byte{serverCh.Encrypt([]byte("reply"))}
	peerSend(t, peer, reply)
	e := waitMessage(t, msgCh)
	require.Equal([][]byte{[]byte("reply")}, e.Frames)
	require.Equal(c.ClientID(), e.ClientID)
}

func TestHandshakeRejection(t *testing.T) {
	require := require.New(t)

	var peer *pipeSocket
	c, err := New(&Config{
		Endpoint:       "tcp://127.0.0.1:5555",
		Identity:       "alice",
		IdentitySecret: "s3cret",
		Dialer:         pipeDialer(&peer),
	})
	require.NoError(err)
	defer c.Dispose()

	failed := make(chan *ProtocolFailedEvent, 4)
	c.SubscribeProtocolFailed(func(e *ProtocolFailedEvent) { failed <- e })

	zp := newZkPeer("alice", "s3cret")
	go func() {
		cm0 := peerRecvMessage(t, peer)
		if !commands.IsHandshakeControl(cm0) {
			return
		}
		peerSend(t, peer, [][]byte{commands.Header(commands.SM0), zp.nonce})
		peerRecvMessage(t, peer) // CM1, rejected
		peerSend(t, peer, [][]byte{commands.Header(commands.SF1), []byte("unknown identity")})
	}()

	require.False(c.SecureConnection(true, time.Second))

	select {
	case e := <-failed:
		require.Error(e.Err)
	case <-time.After(testTimeout):
		t.Fatal("protocol-failed did not fire")
	}

	require.False(c.CanSend())
	require.Equal(ErrNotReady, c.Send([][]byte{{0x00}}))
}

func TestMalformedHandshakeReply(t *testing.T) {
	require := require.New(t)

	var peer *pipeSocket
	c, err := New(&Config{
		Endpoint:       "tcp://127.0.0.1:5555",
		Identity:       "alice",
		IdentitySecret: "s3cret",
		Dialer:         pipeDialer(&peer),
	})
	require.NoError(err)
	defer c.Dispose()

	invalid := make(chan *InvalidMessageReceivedEvent, 4)
	c.SubscribeInvalidMessageReceived(func(e *InvalidMessageReceivedEvent) { invalid <- e })

	go func() {
		peerRecvMessage(t, peer) // CM0
		// Five frames with an unknown phase octet: not a recognizable
		// handshake reply.
		peerSend(t, peer, [][]byte{
			{commands.SOH, commands.ACK, 0xFF, commands.BEL},
			{0x01}, {0x02}, {0x03}, {0x04},
		})
	}()

	require.False(c.SecureConnection(true, time.Second), "handshake remains pending")

	select {
	case e := <-invalid:
		require.Len(e.Frames, 5)
	case <-time.After(testTimeout):
		t.Fatal("invalid-message-received did not fire")
	}
	require.False(c.CanSend())
}

func TestHostSilence(t *testing.T) {
	require := require.New(t)

	var peer *pipeSocket
	c, err := New(&Config{
		Endpoint:          "tcp://127.0.0.1:5555",
		Identity:          "alice",
		IdentitySecret:    "s3cret",
		HeartBeatInterval: time.Second,
		Dialer:            pipeDialer(&peer),
	})
	require.NoError(err)
	defer c.Dispose()

	zp := newZkPeer("alice", "s3cret")
	go zp.serve(t, peer)
	require.True(c.SecureConnection(true, testTimeout))
	require.True(c.IsHostAlive())

	// Within the silence window a tick enqueues a heartbeat.
	hs := c.hs.Load()
	c.onHeartBeatTick(hs.sess.LastHeartBeat().Add(5 * time.Second))
	require.True(c.IsHostAlive())
	require.True(c.CanSend())

	// Beyond ten periods of silence the host is declared dead.
	c.onHeartBeatTick(hs.sess.LastHeartBeat().Add(11 * time.Second))
	require.False(c.IsHostAlive())
	require.False(c.CanSend())
	require.Equal(ErrNotReady, c.Send([][]byte{{0x00}}))

	// The latch never clears.
	c.onHeartBeatTick(hs.sess.LastHeartBeat())
	require.False(c.IsHostAlive())
}

func TestHeartBeatDelivery(t *testing.T) {
	require := require.New(t)

	var peer *pipeSocket
	c, err := New(&Config{
		Endpoint:          "tcp://127.0.0.1:5555",
		Identity:          "alice",
		IdentitySecret:    "s3cret",
		HeartBeatInterval: time.Second,
		Dialer:            pipeDialer(&peer),
	})
	require.NoError(err)
	defer c.Dispose()

	msgCh := collectMessages(c)

	zp := newZkPeer("alice", "s3cret")
	go zp.serve(t, peer)
	require.True(c.SecureConnection(true, testTimeout))

	// Inbound heartbeats refresh liveness and produce no user callback.
	peerSend(t, peer, [][]byte{commands.HeartBeat})
	select {
	case <-msgCh:
		t.Fatal("heartbeat must not surface as a message")
	case <-time.After(200 * time.Millisecond):
	}
	require.True(c.IsHostAlive())

	// The armed timer emits heartbeats on the wire, unencrypted.
	deadline := time.After(testTimeout)
	for {
		frames := peerRecv(t, peer)
		if commands.IsHeartBeat(frames) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no heartbeat observed on the wire")
		default:
		}
	}
}

func TestDispose(t *testing.T) {
	require := require.New(t)

	var peer *pipeSocket
	c, err := New(&Config{
		Endpoint: "tcp://127.0.0.1:5555",
		Dialer:   pipeDialer(&peer),
	})
	require.NoError(err)

	require.NoError(c.Send([][]byte{{0x01}}))
	c.Dispose()
	require.Equal(ErrDisposed, c.Send([][]byte{{0x01}}))

	// Idempotent.
	c.Dispose()
	require.Equal(ErrDisposed, c.Send([][]byte{{0x01}}))
	require.False(c.SecureConnection(true, time.Second))
}

func TestSendValidation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var peer *pipeSocket
	c, err := New(&Config{
		Endpoint: "tcp://127.0.0.1:5555",
		Dialer:   pipeDialer(&peer),
	})
	require.NoError(err)
	defer c.Dispose()

	assert.Equal(ErrInvalidArgument, c.Send(nil))
	assert.Equal(ErrInvalidArgument, c.Send([][]byte{}))
}

func TestConfigValidation(t *testing.T) {
	require := require.New(t)

	_, err := New(&Config{})
	require.Error(err)
}

func TestHeartBeatClamp(t *testing.T) {
	assert := assert.New(t)

	cfg := &Config{}
	assert.Equal(DefaultHeartBeatInterval, cfg.heartBeatInterval())

	cfg.HeartBeatInterval = time.Millisecond
	assert.Equal(MinHeartBeatInterval, cfg.heartBeatInterval())

	cfg.HeartBeatInterval = 2 * time.Hour
	assert.Equal(MaxHeartBeatInterval, cfg.heartBeatInterval())

	cfg.HeartBeatInterval = 5 * time.Second
	assert.Equal(5*time.Second, cfg.heartBeatInterval())
}

func TestEventRegistry(t *testing.T) {
	require := require.New(t)

	var peer *pipeSocket
	c, err := New(&Config{
		Endpoint: "tcp://127.0.0.1:5555",
		Dialer:   pipeDialer(&peer),
	})
	require.NoError(err)
	defer c.Dispose()

	var first, second int
	id1 := c.SubscribeMessageReceived(func(*MessageReceivedEvent) { first++ })
	c.SubscribeMessageReceived(func(*MessageReceivedEvent) { second++ })

	c.onMessage.dispatch(&MessageReceivedEvent{ClientID: c.ClientID()})
	require.Equal(1, first)
	require.Equal(1, second)

	c.UnsubscribeMessageReceived(id1)
	c.onMessage.dispatch(&MessageReceivedEvent{ClientID: c.ClientID()})
	require.Equal(1, first)
	require.Equal(2, second)
}
