// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package credential

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testKeysOnce sync.Once
	testServer   *Authority
	testClient   *rsa.PrivateKey
)

func testKeys(t *testing.T) (*Authority, *rsa.PrivateKey) {
	testKeysOnce.Do(func() {
		var err error
		testServer, err = New(KeyBits)
		require.NoError(t, err)
		testClient, err = rsa.GenerateKey(rand.Reader, KeyBits)
		require.NoError(t, err)
	})
	return testServer, testClient
}

func TestIssueCredentialRoundTrip(t *testing.T) {
	require := require.New(t)
	a, clientKey := testKeys(t)

	pub, err := MarshalPublicKey(&clientKey.PublicKey)
	require.NoError(err)

	wrappedCredential, wrappedIdentity, err := a.IssueCredential(pub)
	require.NoError(err)
	require.Len(wrappedCredential, KeyBits/8)

	identity, exported, err := RecoverIdentity(clientKey, wrappedCredential, wrappedIdentity)
	require.NoError(err)
	require.Equal(a.ExportedIdentity(), exported)
	require.True(identity.Equal(a.key))
	require.True(identity.PublicKey.Equal(a.PublicKey()))

	// A fresh credential is generated for every handshake.
	wrappedCredential2, wrappedIdentity2, err := a.IssueCredential(pub)
	require.NoError(err)
	require.NotEqual(wrappedCredential, wrappedCredential2)
	require.NotEqual(wrappedIdentity, wrappedIdentity2)
}

func TestIssueCredentialPKCS1PublicKey(t *testing.T) {
	require := require.New(t)
	a, clientKey := testKeys(t)

	wrappedCredential, wrappedIdentity, err := a.IssueCredential(x509.MarshalPKCS1PublicKey(&clientKey.PublicKey))
	require.NoError(err)

	_, exported, err := RecoverIdentity(clientKey, wrappedCredential, wrappedIdentity)
	require.NoError(err)
	require.Equal(a.ExportedIdentity(), exported)
}

func TestIssueCredentialMalformedKey(t *testing.T) {
	require := require.New(t)
	a, _ := testKeys(t)

	_, _, err := a.IssueCredential([]byte("definitely not a public key"))
	require.Error(err)

	var cErr *CryptoError
	require.ErrorAs(err, &cErr)
	require.Equal("parse public key", cErr.Op)
}

func TestRecoverIdentityWrongKey(t *testing.T) {
	require := require.New(t)
	a, clientKey := testKeys(t)

	pub, err := MarshalPublicKey(&clientKey.PublicKey)
	require.NoError(err)
	wrappedCredential, wrappedIdentity, err := a.IssueCredential(pub)
	require.NoError(err)

	_, _, err = RecoverIdentity(a.key, wrappedCredential, wrappedIdentity)
	require.Error(err)
}

func TestSealOpen(t *testing.T) {
	require := require.New(t)
	a, _ := testKeys(t)

	for _, msg := range [][]byte{
		nil,
		[]byte("x"),
		[]byte("exactly sixteen!"),
		[]byte("a somewhat longer message that spans several AES blocks"),
	} {
		wrappedKey, ciphertext, err := Seal(rand.Reader, a.PublicKey(), msg)
		require.NoError(err)
		require.Zero(len(ciphertext) % 16)
		require.Greater(len(ciphertext), len(msg))

		key, plaintext, err := a.UnwrapIncoming(wrappedKey, ciphertext)
		require.NoError(err)
		require.Len(key, SymmetricKeyLength)
		require.Equal(string(msg), string(plaintext))
	}
}

func TestUnwrapIncomingGarbage(t *testing.T) {
	require := require.New(t)
	a, _ := testKeys(t)

	_, _, err := a.UnwrapIncoming([]byte("garbage"), []byte("garbage"))
	var cErr *CryptoError
	require.ErrorAs(err, &cErr)
	require.Equal("unwrap message key", cErr.Op)
}

func TestEnvelopeIsDeterministic(t *testing.T) {
	require := require.New(t)

	key := make([]byte, SymmetricKeyLength)
	a, err := sealEnvelope(key, []byte("same input"))
	require.NoError(err)
	b, err := sealEnvelope(key, []byte("same input"))
	require.NoError(err)
	require.Equal(a, b)

	pt, err := openEnvelope(key, a)
	require.NoError(err)
	require.Equal([]byte("same input"), pt)

	_, err = sealEnvelope(key[:16], nil)
	require.Error(err)
	_, err = openEnvelope(key, a[:len(a)-1])
	require.Error(err)
}
