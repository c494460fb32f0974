// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package credential

import (
	"crypto/rsa"
	"crypto/x509"
	"io"
)

// RecoverIdentity is the client side of IssueCredential.  It unwraps the
// credential with the client's private key, opens the wrapped identity, and
// returns the server private key along with its exported DER bytes.
func RecoverIdentity(clientKey *rsa.PrivateKey, wrappedCredential, wrappedIdentity []byte) (*rsa.PrivateKey, []byte, error) {
	key, err := rsa.DecryptPKCS1v15(nil, clientKey, wrappedCredential)
	if err != nil {
		return nil, nil, cryptoErr("unwrap credential", err)
	}
	defer clear(key)

	exported, err := openEnvelope(key, wrappedIdentity)
	if err != nil {
		return nil, nil, cryptoErr("unwrap identity", err)
	}
	identity, err := x509.ParsePKCS1PrivateKey(exported)
	if err != nil {
		return nil, nil, cryptoErr("parse identity", err)
	}
	return identity, exported, nil
}

// Seal encrypts plaintext for every holder of the server identity, returning
// the two segments of an ENC frame.
func Seal(rng io.Reader, serverKey *rsa.PublicKey, plaintext []byte) (wrappedKey, ciphertext []byte, err error) {
	key := make([]byte, SymmetricKeyLength)
	if _, err = io.ReadFull(rng, key); err != nil {
		return nil, nil, cryptoErr("generate message key", err)
	}
	defer clear(key)

	if wrappedKey, err = rsa.EncryptPKCS1v15(rng, serverKey, key); err != nil {
		return nil, nil, cryptoErr("wrap message key", err)
	}
	if ciphertext, err = sealEnvelope(key, plaintext); err != nil {
		return nil, nil, cryptoErr("seal message", err)
	}
	return wrappedKey, ciphertext, nil
}

// Open decrypts the segments of an ENC frame with the server identity,
// returning the recovered message key and the plaintext.
func Open(serverKey *rsa.PrivateKey, wrappedKey, ciphertext []byte) (key, plaintext []byte, err error) {
	if key, err = rsa.DecryptPKCS1v15(nil, serverKey, wrappedKey); err != nil {
		return nil, nil, cryptoErr("unwrap message key", err)
	}
	if plaintext, err = openEnvelope(key, ciphertext); err != nil {
		return nil, nil, cryptoErr("open message", err)
	}
	return key, plaintext, nil
}
