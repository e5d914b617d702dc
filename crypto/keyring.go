// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto is the collaborator boundary named in spec §1: the
// core calls Verify and reads keys through KeyRing, but the
// cryptographic primitives themselves (hash, signature scheme) are
// not reimplemented here beyond a reference stdlib-backed
// implementation suitable for tests and a single-process deployment.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
)

// KeyID names one signing key of an origin server, e.g. "ed25519:1".
type KeyID string

// Origin names a federation server by its DNS-form server name.
type Origin string

// PublicKey is a verify key for one (Origin, KeyID) pair.
type PublicKey []byte

// KeyRing caches signing keys fetched from peers, keyed by (origin,
// key_id). It mirrors the height-keyed lookup shape of the reference
// stack's validators.State (GetValidatorSet(height, subnet)), here
// keyed by server identity instead of stake-weighted validator set
// membership, since origin servers in a room-DAG federation are
// identified by name and possess possibly several concurrently valid
// keys rather than a weighted validator set.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[Origin]map[KeyID]PublicKey
}

// NewKeyRing returns an empty ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[Origin]map[KeyID]PublicKey)}
}

// Get returns the cached key, or ok=false on a cache miss — the
// fetch coordinator (spec §4.5.1) is responsible for populating the
// ring via Merge on a miss.
func (k *KeyRing) Get(origin Origin, keyID KeyID) (PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	byKey, ok := k.keys[origin]
	if !ok {
		return nil, false
	}
	pk, ok := byKey[keyID]
	return pk, ok
}

// Merge installs the result of a keys/query RPC (spec §6) into the
// ring. Concurrent merges for the same origin coalesce naturally
// since the fetch coordinator deduplicates outstanding requests for
// the same origin and key ids before issuing the RPC.
func (k *KeyRing) Merge(origin Origin, verifyKeys map[KeyID]PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	byKey, ok := k.keys[origin]
	if !ok {
		byKey = make(map[KeyID]PublicKey, len(verifyKeys))
		k.keys[origin] = byKey
	}
	for id, pk := range verifyKeys {
		byKey[id] = pk
	}
}

// Missing filters want down to the (origin, key_id) pairs not
// currently cached, for the mfetch_keys batch pre-pass of spec §4.4.
func (k *KeyRing) Missing(want []Need) []Need {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var missing []Need
	for _, n := range want {
		if byKey, ok := k.keys[n.Origin]; ok {
			if _, ok := byKey[n.KeyID]; ok {
				continue
			}
		}
		missing = append(missing, n)
	}
	return missing
}

// Need names one signing key required to verify an event.
type Need struct {
	Origin Origin
	KeyID  KeyID
}

// Verifier checks an event's content hash and signatures. The
// reference implementation below covers sha256 content hashing and
// ed25519 signatures, the scheme room versions 1-11 of the protocol
// this core targets actually use; a deployment wanting a different
// hash or signature algorithm per room version supplies its own
// Verifier.
type Verifier interface {
	HashOK(canonical []byte, claimedSHA256B64 string) bool
	SignatureOK(canonical []byte, sig []byte, pub PublicKey) bool
}

type stdVerifier struct{}

// NewVerifier returns the sha256/ed25519 reference Verifier.
func NewVerifier() Verifier { return stdVerifier{} }

func (stdVerifier) HashOK(canonical []byte, claimedSHA256B64 string) bool {
	sum := sha256.Sum256(canonical)
	return Unpadded(sum[:]) == claimedSHA256B64
}

func (stdVerifier) SignatureOK(canonical []byte, sig []byte, pub PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), canonical, sig)
}

// Unpadded encodes b the way the federation protocol encodes hashes
// and signatures: standard base64 alphabet, no padding.
func Unpadded(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// DecodeUnpadded reverses Unpadded.
func DecodeUnpadded(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(s)
}

// Signer produces signatures for locally-originated events (spec
// §4.8). A deployment's real signing key never leaves the process
// boundary this interface draws.
type Signer interface {
	KeyID() KeyID
	Sign(canonical []byte) ([]byte, error)
}

type ed25519Signer struct {
	keyID KeyID
	priv  ed25519.PrivateKey
}

// NewSigner wraps a raw ed25519 private key under the given key id.
func NewSigner(keyID KeyID, priv ed25519.PrivateKey) Signer {
	return &ed25519Signer{keyID: keyID, priv: priv}
}

func (s *ed25519Signer) KeyID() KeyID { return s.keyID }

func (s *ed25519Signer) Sign(canonical []byte) ([]byte, error) {
	if len(s.priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: invalid ed25519 private key length %d", len(s.priv))
	}
	return ed25519.Sign(s.priv, canonical), nil
}
