// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client provides an encrypted message relay client library.
package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/encrelay/core/credential"
	"github.com/katzenpost/encrelay/core/log"
	"github.com/katzenpost/encrelay/core/transport"
	"github.com/katzenpost/encrelay/core/wire"
)

var (
	// ErrNotConnected is the error returned when sending or receiving
	// before the handshake has completed.
	ErrNotConnected = errors.New("client: handshake not completed")

	// ErrUnexpectedFrame is the error returned when the relay sends a
	// frame that is not valid at that point of the protocol.
	ErrUnexpectedFrame = errors.New("client: unexpected frame")
)

// Config is the client configuration.
type Config struct {
	// KeyBits is the RSA modulus size of the client key.  0 selects
	// credential.KeyBits.
	KeyBits int

	// MaxSegmentLength is the largest frame segment accepted from the
	// relay.  0 selects the wire default.
	MaxSegmentLength int

	// LogBackend is the log backend, logging is disabled if nil.
	LogBackend *log.Backend
}

// Message is a message received from the relay.
type Message struct {
	// Frame is the raw frame as relayed.
	Frame []byte

	// Plaintext is the decrypted message.
	Plaintext []byte
}

// Client is a connection to a relay.
type Client struct {
	sync.Mutex

	log *logging.Logger

	conn net.Conn
	r    *wire.Reader

	key      *rsa.PrivateKey
	identity *rsa.PrivateKey
	exported []byte
}

// Dial connects to the relay at addr, eg: "tcp://127.0.0.1:42530" or
// "quic://[::1]:42530".  The returned client still needs to Handshake.
func Dial(ctx context.Context, addr string, cfg *Config) (*Client, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	c, err := New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New returns a client over an established connection, with a freshly
// generated client key.
func New(conn net.Conn, cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = new(Config)
	}
	logBackend := cfg.LogBackend
	if logBackend == nil {
		var err error
		if logBackend, err = log.New("", "ERROR", true); err != nil {
			return nil, err
		}
	}
	bits := cfg.KeyBits
	if bits <= 0 {
		bits = credential.KeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}

	return &Client{
		log:  logBackend.GetLogger("client"),
		conn: conn,
		r:    wire.NewReader(conn, cfg.MaxSegmentLength),
		key:  key,
	}, nil
}

// Handshake sends the client public key and recovers the server identity
// from the reply.
func (c *Client) Handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	pub, err := credential.MarshalPublicKey(&c.key.PublicKey)
	if err != nil {
		return err
	}
	c.log.Debugf("Sending public key: %x", hash.Sum256(pub))
	if err = c.writeFrame(wire.NewPublicKeyFrame(pub)); err != nil {
		return err
	}

	f, err := c.r.ReadFrame()
	if err != nil {
		return err
	}
	if f.Tag != wire.TagPrivateKey {
		return fmt.Errorf("%w: %v", ErrUnexpectedFrame, f.Tag)
	}
	identity, exported, err := credential.RecoverIdentity(c.key, f.Segment(0), f.Segment(1))
	if err != nil {
		return err
	}

	c.Lock()
	c.identity, c.exported = identity, exported
	c.Unlock()
	c.log.Debugf("Handshake completed.")
	return nil
}

// ServerIdentity returns the server's PKCS#1 DER private key, as recovered
// during the handshake.
func (c *Client) ServerIdentity() []byte {
	c.Lock()
	defer c.Unlock()
	return append([]byte{}, c.exported...)
}

// ServerFingerprint returns the hash of the server's public key, in the form
// the server logs at startup.
func (c *Client) ServerFingerprint() ([32]byte, error) {
	identity, err := c.serverKey()
	if err != nil {
		return [32]byte{}, err
	}
	pub, err := credential.MarshalPublicKey(&identity.PublicKey)
	if err != nil {
		return [32]byte{}, err
	}
	return hash.Sum256(pub), nil
}

func (c *Client) serverKey() (*rsa.PrivateKey, error) {
	c.Lock()
	defer c.Unlock()
	if c.identity == nil {
		return nil, ErrNotConnected
	}
	return c.identity, nil
}

// Send encrypts plaintext for every other client of the relay.
func (c *Client) Send(plaintext []byte) error {
	identity, err := c.serverKey()
	if err != nil {
		return err
	}
	wrappedKey, ciphertext, err := credential.Seal(rand.Reader, &identity.PublicKey, plaintext)
	if err != nil {
		return err
	}
	return c.writeFrame(wire.NewEncryptedFrame(wrappedKey, ciphertext))
}

// Recv blocks until the next relayed message arrives.  Messages that can
// not be decrypted are skipped.
func (c *Client) Recv() (*Message, error) {
	identity, err := c.serverKey()
	if err != nil {
		return nil, err
	}
	for {
		f, err := c.r.ReadFrame()
		switch {
		case err == nil:
		case errors.Is(err, wire.ErrUnknownTag):
			c.log.Warningf("Ignoring frame: %v", err)
			continue
		default:
			return nil, err
		}
		if f.Tag != wire.TagEncrypted {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedFrame, f.Tag)
		}

		_, plaintext, err := credential.Open(identity, f.Segment(0), f.Segment(1))
		if err != nil {
			c.log.Warningf("Dropping undecryptable message: %v", err)
			continue
		}
		raw, err := f.Bytes()
		if err != nil {
			return nil, err
		}
		return &Message{Frame: raw, Plaintext: plaintext}, nil
	}
}

func (c *Client) writeFrame(f *wire.Frame) error {
	c.Lock()
	defer c.Unlock()
	return wire.WriteFrame(c.conn, f)
}

// SetReadDeadline sets the deadline for Recv.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the connection, unblocking any pending Recv.
func (c *Client) Close() error {
	return c.conn.Close()
}
