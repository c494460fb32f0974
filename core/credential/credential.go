// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package credential implements the relay's credential authority.
//
// The server owns one long lived RSA keypair, its identity.  During the
// handshake every client hands the server an RSA public key, and the server
// replies with a fresh 32 byte symmetric key wrapped for that public key
// (the credential) and its own PKCS#1 DER private key sealed under the
// symmetric key (the identity).  Every client therefore ends up holding the
// server's private key: anyone may encrypt a message to the server's public
// key and every other client can open it, while the server itself only
// ever relays opaque bytes.
//
// This gives confidentiality against a passive network observer only.
// There is no confidentiality between clients.
package credential

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// KeyBits is the modulus size of the server identity.
	KeyBits = 2048

	// SymmetricKeyLength is the length of every envelope key, selecting
	// AES-256.
	SymmetricKeyLength = 32
)

// CryptoError is the error returned by all credential operations.
type CryptoError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *CryptoError) Error() string {
	return fmt.Sprintf("credential: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *CryptoError) Unwrap() error {
	return e.Err
}

func cryptoErr(op string, err error) error {
	return &CryptoError{Op: op, Err: err}
}

// Authority holds the server identity.  It is immutable after creation and
// is safe for concurrent use by every session.
type Authority struct {
	key      *rsa.PrivateKey
	exported []byte
	rng      io.Reader
}

// New generates a fresh server identity of the given modulus size.  A
// non-positive size selects KeyBits.
func New(bits int) (*Authority, error) {
	if bits <= 0 {
		bits = KeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, cryptoErr("generate identity", err)
	}
	return NewFromKey(key), nil
}

// NewFromKey returns an Authority for an existing private key.
func NewFromKey(key *rsa.PrivateKey) *Authority {
	key.Precompute()
	return &Authority{
		key:      key,
		exported: x509.MarshalPKCS1PrivateKey(key),
		rng:      rand.Reader,
	}
}

// PublicKey returns the server identity public key.
func (a *Authority) PublicKey() *rsa.PublicKey {
	return &a.key.PublicKey
}

// ExportedIdentity returns a copy of the PKCS#1 DER encoded private key, as
// handed to clients.
func (a *Authority) ExportedIdentity() []byte {
	return append([]byte{}, a.exported...)
}

// IssueCredential generates a handshake credential for the DER encoded
// client public key, and returns the credential wrapped for the client
// along with the server identity sealed under the credential.
func (a *Authority) IssueCredential(clientPublicKey []byte) (wrappedCredential, wrappedIdentity []byte, err error) {
	pub, err := ParsePublicKey(clientPublicKey)
	if err != nil {
		return nil, nil, err
	}

	key := make([]byte, SymmetricKeyLength)
	if _, err = io.ReadFull(a.rng, key); err != nil {
		return nil, nil, cryptoErr("generate credential", err)
	}
	defer clear(key)

	if wrappedCredential, err = rsa.EncryptPKCS1v15(a.rng, pub, key); err != nil {
		return nil, nil, cryptoErr("wrap credential", err)
	}
	if wrappedIdentity, err = sealEnvelope(key, a.exported); err != nil {
		return nil, nil, cryptoErr("wrap identity", err)
	}
	return wrappedCredential, wrappedIdentity, nil
}

// UnwrapIncoming decrypts an ENC frame's wrapped key with the server
// identity, and then the ciphertext with the recovered key.  It is only
// used for diagnostics, and is never on the relay path.
func (a *Authority) UnwrapIncoming(wrappedKey, ciphertext []byte) (key, plaintext []byte, err error) {
	return Open(a.key, wrappedKey, ciphertext)
}

// ParsePublicKey decodes a DER encoded RSA public key, in either the
// SubjectPublicKeyInfo or the PKCS#1 form.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if k, err := x509.ParsePKIXPublicKey(der); err == nil {
		pub, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, cryptoErr("parse public key", fmt.Errorf("unsupported key type %T", k))
		}
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, cryptoErr("parse public key", errors.New("malformed RSA public key"))
	}
	return pub, nil
}

// MarshalPublicKey returns the SubjectPublicKeyInfo DER encoding of pub, as
// sent in a PUB frame.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	b, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, cryptoErr("marshal public key", err)
	}
	return b, nil
}
