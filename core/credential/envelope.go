// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package credential

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

var errBadPadding = errors.New("invalid PKCS#7 padding")

// zeroIV is the initialization vector of every envelope.
//
// WARNING: The envelope is AES-256-CBC with a fixed all-zero IV, so equal
// plaintexts under equal keys produce equal ciphertexts.  Every key is
// freshly generated per message or per handshake, which limits the damage,
// but this is below the bar of a modern AEAD.  It is kept because it is the
// protocol's wire format.
var zeroIV [aes.BlockSize]byte

func sealEnvelope(key, plaintext []byte) ([]byte, error) {
	if len(key) != SymmetricKeyLength {
		return nil, aes.KeySizeError(len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	buf := make([]byte, len(plaintext)+padLen)
	copy(buf, plaintext)
	copy(buf[len(plaintext):], bytes.Repeat([]byte{byte(padLen)}, padLen))

	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(buf, buf)
	return buf, nil
}

func openEnvelope(key, ciphertext []byte) ([]byte, error) {
	if len(key) != SymmetricKeyLength {
		return nil, aes.KeySizeError(len(key))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(buf, ciphertext)

	padLen := int(buf[len(buf)-1])
	if padLen == 0 || padLen > aes.BlockSize {
		return nil, errBadPadding
	}
	for _, b := range buf[len(buf)-padLen:] {
		if int(b) != padLen {
			return nil, errBadPadding
		}
	}
	return buf[:len(buf)-padLen], nil
}
