// zk.go - Zero knowledge mutual authentication exchange.
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

// Package zk implements the SRP-6a zero knowledge mutual authentication
// exchange used by the message wire handshake, for both the initiating
// (client) and responding (server) halves, along with the session key
// schedule.  The arithmetic uses the RFC 5054 2048 bit group with SHA-256
// hashing; neither the identity secret nor the verifier ever crosses the
// wire.
package zk

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

const (
	// SaltLength is the length of the verifier salt in bytes.
	SaltLength = 32

	// NonceLength is the length of the server session nonce in bytes.
	NonceLength = 32

	// ProofLength is the length of the M1/M2 proof values in bytes.
	ProofLength = sha256.Size

	// KeyLength is the length of each derived directional session key.
	KeyLength = 32

	groupLength     = 256 // RFC 5054 2048 bit group
	ephemeralLength = 32

	kdfInfo = "messagewire v1 keys"
)

// RFC 5054, appendix A: the 2048 bit group, generator 2.
const groupPrimeHex = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B855F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773BCA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB694B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

var (
	groupN *big.Int
	groupG = big.NewInt(2)

	// ErrInvalidPublic is the error returned when a peer public value is
	// malformed or degenerate.
	ErrInvalidPublic = errors.New("zk: invalid peer public value")

	// ErrInvalidSalt is the error returned when the verifier salt has the
	// wrong shape.
	ErrInvalidSalt = errors.New("zk: invalid salt")

	// ErrNotComplete is the error returned when session keys are requested
	// before the exchange has produced a shared secret.
	ErrNotComplete = errors.New("zk: exchange not complete")
)

func init() {
	var ok bool
	groupN, ok = new(big.Int).SetString(groupPrimeHex, 16)
	if !ok {
		panic("zk: failed to parse group prime")
	}
}

// pad left pads b to the byte length of the group prime.
func pad(b []byte) []byte {
	if len(b) >= groupLength {
		return b
	}
	p := make([]byte, groupLength)
	copy(p[groupLength-len(b):], b)
	return p
}

func hashAll(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// multiplierK computes k = H(N | PAD(g)) per SRP-6a.
func multiplierK() *big.Int {
	return new(big.Int).SetBytes(hashAll(groupN.Bytes(), pad(groupG.Bytes())))
}

// credentialX computes x = H(salt | H(identity ":" secret)) per RFC 2945.
func credentialX(identity, secret string, salt []byte) *big.Int {
	inner := hashAll([]byte(identity), []byte(":"), []byte(secret))
	return new(big.Int).SetBytes(hashAll(salt, inner))
}

// scramblingU computes u = H(PAD(A) | PAD(B)).
func scramblingU(bigA, bigB *big.Int) *big.Int {
	return new(big.Int).SetBytes(hashAll(pad(bigA.Bytes()), pad(bigB.Bytes())))
}

func randomBytes(r io.Reader, n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		panic("zk: entropy source failure: " + err.Error())
	}
	return b
}

// GenerateSalt mints a fresh verifier salt.
func GenerateSalt() []byte {
	return randomBytes(rand.Reader, SaltLength)
}

// GenerateNonce mints a fresh server session nonce.
func GenerateNonce() []byte {
	return randomBytes(rand.Reader, NonceLength)
}

// GenerateVerifier derives the password verifier v = g^x for the given
// credentials and salt.  The server stores (identity, salt, verifier); the
// secret itself is never stored or transmitted.
func GenerateVerifier(identity, secret string, salt []byte) []byte {
	x := credentialX(identity, secret, salt)
	return new(big.Int).Exp(groupG, x, groupN).Bytes()
}

// proofM1 computes M1 = H(H(N) xor H(g) | H(identity) | salt | PAD(A) |
// PAD(B) | K).
func proofM1(identity string, salt []byte, bigA, bigB *big.Int, key []byte) []byte {
	hN := hashAll(groupN.Bytes())
	hG := hashAll(groupG.Bytes())
	hx := make([]byte, len(hN))
	for i := range hN {
		hx[i] = hN[i] ^ hG[i]
	}
	return hashAll(hx, hashAll([]byte(identity)), salt, pad(bigA.Bytes()), pad(bigB.Bytes()), key)
}

// proofM2 computes M2 = H(PAD(A) | M1 | K).
func proofM2(bigA *big.Int, m1, key []byte) []byte {
	return hashAll(pad(bigA.Bytes()), m1, key)
}

// Initiator is the client half of the exchange.
type Initiator struct {
	identity string
	secret   string

	a    *big.Int
	bigA *big.Int

	key []byte
	m1  []byte
}

// NewInitiator creates an Initiator for the given credentials, minting a
// fresh ephemeral secret from r.
func NewInitiator(identity, secret string, r io.Reader) *Initiator {
	if r == nil {
		r = rand.Reader
	}
	i := &Initiator{
		identity: identity,
		secret:   secret,
	}
	i.a = new(big.Int).SetBytes(randomBytes(r, ephemeralLength))
	i.bigA = new(big.Int).Exp(groupG, i.a, groupN)
	return i
}

// Identity returns the identity name the exchange authenticates.
func (i *Initiator) Identity() string {
	return i.identity
}

// Public returns the client public value A.
func (i *Initiator) Public() []byte {
	return i.bigA.Bytes()
}

// Complete consumes the server salt and public value B, computes the shared
// secret, and returns the client proof M1.
func (i *Initiator) Complete(salt, serverPublic []byte) ([]byte, error) {
	if len(salt) != SaltLength {
		return nil, ErrInvalidSalt
	}
	bigB := new(big.Int).SetBytes(serverPublic)
	if new(big.Int).Mod(bigB, groupN).Sign() == 0 {
		return nil, ErrInvalidPublic
	}

	u := scramblingU(i.bigA, bigB)
	if u.Sign() == 0 {
		return nil, ErrInvalidPublic
	}
	x := credentialX(i.identity, i.secret, salt)
	k := multiplierK()

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(groupG, x, groupN)
	kgx := new(big.Int).Mul(k, gx)
	base := new(big.Int).Sub(bigB, kgx)
	base.Mod(base, groupN)
	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, i.a)
	s := new(big.Int).Exp(base, exp, groupN)

	i.key = hashAll(pad(s.Bytes()))
	i.m1 = proofM1(i.identity, salt, i.bigA, bigB, i.key)
	return i.m1, nil
}

// VerifyServerProof checks the server proof M2, returning true iff the
// server demonstrated knowledge of the shared secret.
func (i *Initiator) VerifyServerProof(m2 []byte) bool {
	if i.key == nil {
		return false
	}
	expected := proofM2(i.bigA, i.m1, i.key)
	return subtle.ConstantTimeCompare(expected, m2) == 1
}

// SessionKeys derives the directional channel keys, bound to the server
// session nonce.  The first key encrypts client to server traffic, the
// second server to client.
func (i *Initiator) SessionKeys(nonce []byte) (tx, rx []byte, err error) {
	if i.key == nil {
		return nil, nil, ErrNotComplete
	}
	return deriveKeys(i.key, nonce)
}

// Responder is the server half of the exchange.  It is exercised by the
// separately specified server and by this module's loopback tests.
type Responder struct {
	identity string
	salt     []byte
	verifier *big.Int

	b    *big.Int
	bigB *big.Int
	bigA *big.Int

	key []byte
	m1  []byte
}

// NewResponder creates a Responder for a stored (identity, salt, verifier)
// record, minting a fresh ephemeral secret from r.
func NewResponder(identity string, salt, verifier []byte, r io.Reader) (*Responder, error) {
	if len(salt) != SaltLength {
		return nil, ErrInvalidSalt
	}
	if r == nil {
		r = rand.Reader
	}
	resp := &Responder{
		identity: identity,
		salt:     salt,
		verifier: new(big.Int).SetBytes(verifier),
	}
	resp.b = new(big.Int).SetBytes(randomBytes(r, ephemeralLength))

	// B = k*v + g^b mod N
	k := multiplierK()
	kv := new(big.Int).Mul(k, resp.verifier)
	gb := new(big.Int).Exp(groupG, resp.b, groupN)
	resp.bigB = new(big.Int).Add(kv, gb)
	resp.bigB.Mod(resp.bigB, groupN)
	return resp, nil
}

// Salt returns the verifier salt sent alongside the server public value.
func (r *Responder) Salt() []byte {
	return r.salt
}

// Public consumes the client public value A and returns the server public
// value B.
func (r *Responder) Public(clientPublic []byte) ([]byte, error) {
	bigA := new(big.Int).SetBytes(clientPublic)
	if new(big.Int).Mod(bigA, groupN).Sign() == 0 {
		return nil, ErrInvalidPublic
	}
	r.bigA = bigA

	u := scramblingU(r.bigA, r.bigB)
	if u.Sign() == 0 {
		return nil, ErrInvalidPublic
	}

	// S = (A * v^u) ^ b mod N
	vu := new(big.Int).Exp(r.verifier, u, groupN)
	base := new(big.Int).Mul(r.bigA, vu)
	base.Mod(base, groupN)
	s := new(big.Int).Exp(base, r.b, groupN)

	r.key = hashAll(pad(s.Bytes()))
	r.m1 = proofM1(r.identity, r.salt, r.bigA, r.bigB, r.key)
	return r.bigB.Bytes(), nil
}

// VerifyProof checks the client proof M1 and, on success, returns the
// server proof M2.
func (r *Responder) VerifyProof(m1 []byte) ([]byte, bool) {
	if r.key == nil {
		return nil, false
	}
	if subtle.ConstantTimeCompare(r.m1, m1) != 1 {
		return nil, false
	}
	return proofM2(r.bigA, r.m1, r.key), true
}

// SessionKeys derives the directional channel keys, mirrored from the
// initiator's orientation: the first key decrypts client to server traffic,
// the second encrypts server to client.
func (r *Responder) SessionKeys(nonce []byte) (rx, tx []byte, err error) {
	if r.key == nil {
		return nil, nil, ErrNotComplete
	}
	return deriveKeys(r.key, nonce)
}

func deriveKeys(secret, nonce []byte) ([]byte, []byte, error) {
	kdf := hkdf.New(sha256.New, secret, nonce, []byte(kdfInfo))
	keys := make([]byte, 2*KeyLength)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, nil, err
	}
	return keys[:KeyLength], keys[KeyLength:], nil
}
