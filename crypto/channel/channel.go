// channel.go - Authenticated symmetric channel.
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

// Package channel implements the per frame authenticated symmetric channel
// keyed by the handshake output.  Each direction has its own key and a
// deterministic 12 byte nonce: a 4 byte direction tag followed by a big
// endian frame counter.  Over a reliable ordered transport the counters
// provide replay and truncation protection.
package channel

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"github.com/katzenpost/chacha20poly1305"
)

const (
	// KeyLength is the length of each directional key.
	KeyLength = chacha20poly1305.KeySize

	// Overhead is the per frame ciphertext expansion.
	Overhead = chacha20poly1305.Overhead

	nonceLength = chacha20poly1305.NonceSize
	tagLength   = 4
)

var (
	tagClientToServer = [tagLength]byte{'c', '2', 's', 0x00}
	tagServerToClient = [tagLength]byte{'s', '2', 'c', 0x00}

	// ErrDecrypt is the error returned when a frame fails authentication.
	ErrDecrypt = errors.New("channel: frame authentication failed")

	// ErrKeyLength is the error returned for malformed key material.
	ErrKeyLength = errors.New("channel: invalid key length")
)

type direction struct {
	aead    cipher.AEAD
	tag     [tagLength]byte
	counter uint64
}

func newDirection(key []byte, tag [tagLength]byte) (*direction, error) {
	if len(key) != KeyLength {
		return nil, ErrKeyLength
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &direction{aead: aead, tag: tag}, nil
}

func (d *direction) nonce() []byte {
	n := make([]byte, nonceLength)
	copy(n, d.tag[:])
	binary.BigEndian.PutUint64(n[nonceLength-8:], d.counter)
	return n
}

// Channel is a bidirectional authenticated cipher.  Encrypt and Decrypt
// each mutate only their own direction's counter, so one goroutine may
// encrypt while another decrypts without further synchronization; neither
// operation may itself be called concurrently.
type Channel struct {
	tx *direction
	rx *direction
}

// NewInitiator creates the client side channel from the directional keys
// produced by the handshake.
func NewInitiator(txKey, rxKey []byte) (*Channel, error) {
	tx, err := newDirection(txKey, tagClientToServer)
	if err != nil {
		return nil, err
	}
	rx, err := newDirection(rxKey, tagServerToClient)
	if err != nil {
		return nil, err
	}
	return &Channel{tx: tx, rx: rx}, nil
}

// NewResponder creates the server side channel, mirroring NewInitiator's
// nonce orientation.
func NewResponder(txKey, rxKey []byte) (*Channel, error) {
	tx, err := newDirection(txKey, tagServerToClient)
	if err != nil {
		return nil, err
	}
	rx, err := newDirection(rxKey, tagClientToServer)
	if err != nil {
		return nil, err
	}
	return &Channel{tx: tx, rx: rx}, nil
}

// Encrypt seals a single frame, advancing the outbound counter.
func (c *Channel) Encrypt(frame []byte) []byte {
	nonce := c.tx.nonce()
	c.tx.counter++
	return c.tx.aead.Seal(nil, nonce, frame, nil)
}

// Decrypt opens a single frame, advancing the inbound counter on success.
func (c *Channel) Decrypt(frame []byte) ([]byte, error) {
	nonce := c.rx.nonce()
	plaintext, err := c.rx.aead.Open(nil, nonce, frame, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	c.rx.counter++
	return plaintext, nil
}
