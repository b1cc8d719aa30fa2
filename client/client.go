// client.go - Message wire client facade.
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

// Package client implements the client half of the secure message wire
// transport: a framed message client that establishes a mutually
// authenticated encrypted session with a remote peer using a zero
// knowledge handshake, then exchanges application messages as sequences
// of opaque byte frames over a dealer style message queue socket.
package client

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/intelliBrain/messagewire/core/log"
	"github.com/intelliBrain/messagewire/core/worker"
	"github.com/intelliBrain/messagewire/crypto/channel"
	"github.com/intelliBrain/messagewire/instrument"
	"github.com/intelliBrain/messagewire/transport"
	"github.com/intelliBrain/messagewire/wire"
)

const (
	// ClientIdentityLength is the length of the transport level client
	// identity in bytes.
	ClientIdentityLength = 16

	// MinHeartBeatInterval is the lower clamp of the heartbeat period.
	MinHeartBeatInterval = 1000 * time.Millisecond

	// MaxHeartBeatInterval is the upper clamp of the heartbeat period.
	MaxHeartBeatInterval = 600000 * time.Millisecond

	// DefaultHeartBeatInterval is the heartbeat period used when the
	// configuration leaves it unset.
	DefaultHeartBeatInterval = 30000 * time.Millisecond

	// DefaultSecureTimeout is the blocking secureConnection wait used when
	// the caller passes a non positive timeout.
	DefaultSecureTimeout = 500 * time.Millisecond

	// heartBeatMissLimit is the number of silent heartbeat periods after
	// which the host is declared dead.
	heartBeatMissLimit = 10

	dequeueTimeout = 100 * time.Millisecond
)

var (
	// ErrDisposed is the error returned for operations on a released
	// client.
	ErrDisposed = errors.New("client: disposed")

	// ErrInvalidArgument is the error returned for an empty frame
	// sequence on Send.
	ErrInvalidArgument = errors.New("client: empty frame sequence")

	// ErrNotReady is the error returned when a send is attempted before
	// the handshake completes, or after the host is declared dead.
	ErrNotReady = errors.New("client: not ready to send")
)

// Config is the client configuration.
type Config struct {
	// Endpoint is the peer defined connection string.
	Endpoint string

	// Identity is the optional identity name of the zero knowledge
	// credentials.  Secured mode requires both Identity and
	// IdentitySecret; if either is absent the client runs in plaintext
	// mode.
	Identity string

	// IdentitySecret is the optional identity secret.  It never leaves
	// the process.
	IdentitySecret string

	// LogBackend is the optional logging backend.  When nil, logging is
	// disabled.
	LogBackend *log.Backend

	// Stats is the optional statistics sink.  When nil, counters are
	// discarded.
	Stats instrument.Stats

	// HeartBeatInterval is the heartbeat period, clamped to
	// [MinHeartBeatInterval, MaxHeartBeatInterval].  When unset,
	// DefaultHeartBeatInterval is used.
	HeartBeatInterval time.Duration

	// Dialer is the optional transport dialer, defaulting to the ZeroMQ
	// dealer.
	Dialer transport.Dialer
}

func (cfg *Config) validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("client: invalid Endpoint: '%v'", cfg.Endpoint)
	}
	return nil
}

func (cfg *Config) heartBeatInterval() time.Duration {
	hb := cfg.HeartBeatInterval
	if hb == 0 {
		hb = DefaultHeartBeatInterval
	}
	if hb < MinHeartBeatInterval {
		hb = MinHeartBeatInterval
	}
	if hb > MaxHeartBeatInterval {
		hb = MaxHeartBeatInterval
	}
	return hb
}

// handshakeState pairs a session with the one shot signal closed when that
// session becomes established.  Only the SecureConnection call that created
// it waits on the signal; a later call returns true if the session is
// established and otherwise replaces it with a fresh one.
type handshakeState struct {
	sess          *wire.Session
	establishedCh chan struct{}
}

// Client is a message wire client instance.  A client represents one point
// to point session.
type Client struct {
	cfg   *Config
	log   *logging.Logger
	stats instrument.Stats

	clientID [ClientIdentityLength]byte
	secured  bool

	sock     transport.Socket
	outbound *queue
	inbound  *queue

	wireWorker     worker.Worker
	dispatchWorker worker.Worker

	hs atomic.Pointer[handshakeState]

	throwOnSend atomic.Bool
	hostDead    atomic.Bool
	disposed    atomic.Bool

	heartBeat time.Duration

	secureMu    sync.Mutex
	disposeOnce sync.Once

	onMessage        eventRegistry
	onInvalidMessage eventRegistry
	onEstablished    eventRegistry
	onFailed         eventRegistry
}

// New creates a new Client with the provided configuration, opens the
// transport socket, and starts the wire and dispatch loops.
func New(cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := new(Client)
	c.cfg = cfg
	c.secured = cfg.Identity != "" && cfg.IdentitySecret != ""
	c.heartBeat = cfg.heartBeatInterval()
	c.stats = cfg.Stats
	if c.stats == nil {
		c.stats = instrument.NoOp()
	}

	logBackend := cfg.LogBackend
	if logBackend == nil {
		logBackend = log.NewDisabled()
	}

	if _, err := io.ReadFull(rand.Reader, c.clientID[:]); err != nil {
		return nil, fmt.Errorf("client: failed to mint identity: %v", err)
	}
	c.log = logBackend.GetLogger(fmt.Sprintf("client:%x", c.clientID[:4]))

	dial := cfg.Dialer
	if dial == nil {
		dial = transport.DialDealer
	}
	sock, err := dial(cfg.Endpoint, c.clientID[:])
	if err != nil {
		return nil, fmt.Errorf("client: failed to connect: %v", err)
	}
	c.sock = sock

	c.outbound = newQueue()
	c.inbound = newQueue()

	c.throwOnSend.Store(c.secured)

	c.wireWorker.Go(c.wireTxWorker)
	c.wireWorker.Go(c.wireRxWorker)
	c.dispatchWorker.Go(c.dispatchLoop)

	c.log.Debugf("Client up, secured: %v, heartbeat: %v", c.secured, c.heartBeat)
	return c, nil
}

// ClientID returns the stable 16 byte transport identity minted at
// construction.
func (c *Client) ClientID() []byte {
	return append([]byte(nil), c.clientID[:]...)
}

// CanSend returns true iff Send is currently permitted.
func (c *Client) CanSend() bool {
	return !c.throwOnSend.Load()
}

// IsHostAlive returns false iff the host has been declared dead on
// heartbeat silence.  The latch never clears within a client instance.
func (c *Client) IsHostAlive() bool {
	return !c.hostDead.Load()
}

// crypto returns the installed symmetric channel, or nil.
func (c *Client) crypto() *channel.Channel {
	hs := c.hs.Load()
	if hs == nil {
		return nil
	}
	return hs.sess.Crypto()
}

// SecureConnection drives the zero knowledge handshake.  In plaintext mode
// it returns false immediately; if a session is already established it
// returns true.  Otherwise a fresh session is created and its initiation
// enqueued; with blocking set, the call waits up to timeout (non positive
// means DefaultSecureTimeout) for the session to become usable.  A timed
// out handshake is not cancelled: it may still complete later and fire
// ProtocolEstablishedEvent.
func (c *Client) SecureConnection(blocking bool, timeout time.Duration) bool {
	if !c.secured || c.disposed.Load() {
		return false
	}

	c.secureMu.Lock()
	if hs := c.hs.Load(); hs != nil && hs.sess.State() == wire.StateEstablished {
		c.secureMu.Unlock()
		return true
	}
	hs := &handshakeState{
		sess:          wire.NewSession(c.cfg.Identity, c.cfg.IdentitySecret),
		establishedCh: make(chan struct{}),
	}
	frames, err := hs.sess.CreateInitiationRequest()
	if err != nil {
		c.secureMu.Unlock()
		return false
	}
	c.hs.Store(hs)
	if err = c.outbound.Push(frames); err != nil {
		c.log.Warningf("Failed to enqueue initiation request: %v", err)
		c.secureMu.Unlock()
		return false
	}
	c.secureMu.Unlock()
	c.log.Debugf("Handshake initiation enqueued.")

	if !blocking {
		return false
	}
	if timeout <= 0 {
		timeout = DefaultSecureTimeout
	}
	return c.dispatchWorker.WaitFor(hs.establishedCh, timeout)
}

// Send enqueues an application message of one or more opaque frames.  It
// fails with ErrDisposed after Dispose, ErrInvalidArgument on an empty
// sequence, ErrNotReady while the handshake is incomplete or after the
// host is declared dead, and ErrQueueFull when the outbound queue has no
// room.
func (c *Client) Send(frames [][]byte) error {
	if c.disposed.Load() {
		return ErrDisposed
	}
	if len(frames) == 0 {
		return ErrInvalidArgument
	}
	if c.throwOnSend.Load() {
		return ErrNotReady
	}
	if err := c.outbound.Push(frames); err != nil {
		return err
	}
	c.stats.MessageSent()
	return nil
}

// Dispose releases the client: the heartbeat timer is disabled, the wire
// loop is stopped along with its queue and socket, then the dispatch loop
// is stopped.  Dispose is idempotent and safe to call from any thread.
func (c *Client) Dispose() {
	c.disposeOnce.Do(func() {
		c.disposed.Store(true)
		c.throwOnSend.Store(true)
		c.log.Debugf("Disposing.")

		// Closing the socket unblocks the receive half of the wire loop.
		if err := c.sock.Close(); err != nil {
			c.log.Warningf("Failed to close socket: %v", err)
		}
		c.wireWorker.Halt()
		c.dispatchWorker.Halt()
		c.log.Debugf("Disposed.")
	})
}
