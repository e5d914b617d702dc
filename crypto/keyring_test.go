// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyRingGetMergeMissing(t *testing.T) {
	kr := NewKeyRing()
	_, ok := kr.Get("example.org", "ed25519:1")
	require.False(t, ok)

	missing := kr.Missing([]Need{{Origin: "example.org", KeyID: "ed25519:1"}})
	require.Len(t, missing, 1)

	kr.Merge("example.org", map[KeyID]PublicKey{"ed25519:1": []byte("fake-pub-key-32-bytes-exactly!!")})
	pk, ok := kr.Get("example.org", "ed25519:1")
	require.True(t, ok)
	require.Equal(t, PublicKey("fake-pub-key-32-bytes-exactly!!"), pk)

	missing = kr.Missing([]Need{{Origin: "example.org", KeyID: "ed25519:1"}})
	require.Empty(t, missing)
}

func TestKeyRingMergeIsAdditive(t *testing.T) {
	kr := NewKeyRing()
	kr.Merge("example.org", map[KeyID]PublicKey{"ed25519:1": []byte("a")})
	kr.Merge("example.org", map[KeyID]PublicKey{"ed25519:2": []byte("b")})

	_, ok := kr.Get("example.org", "ed25519:1")
	require.True(t, ok)
	_, ok = kr.Get("example.org", "ed25519:2")
	require.True(t, ok)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	signer := NewSigner("ed25519:1", priv)
	verifier := NewVerifier()

	canonical := []byte(`{"room_id":"!abc:example.org","type":"m.room.message"}`)
	sig, err := signer.Sign(canonical)
	require.NoError(t, err)
	require.True(t, verifier.SignatureOK(canonical, sig, PublicKey(pub)))

	tampered := append([]byte(nil), canonical...)
	tampered[0] = '['
	require.False(t, verifier.SignatureOK(tampered, sig, PublicKey(pub)))
}

func TestHashOKDetectsTamper(t *testing.T) {
	verifier := NewVerifier()
	canonical := []byte(`{"a":1}`)
	digest := sha256.Sum256(canonical)
	sum := Unpadded(digest[:])
	require.True(t, verifier.HashOK(canonical, sum))
	require.False(t, verifier.HashOK([]byte(`{"a":2}`), sum))
}

func TestSignerRejectsBadKeyLength(t *testing.T) {
	signer := NewSigner("ed25519:1", []byte("too-short"))
	_, err := signer.Sign([]byte("data"))
	require.Error(t, err)
}
