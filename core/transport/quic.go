// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/katzenpost/encrelay/core/worker"
)

// QuicConn wraps a connection and its single stream, and implements net.Conn.
type QuicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

// NewQuicConn returns a QuicConn.  Both arguments must be non-nil.
func NewQuicConn(conn *quic.Conn, stream *quic.Stream) *QuicConn {
	if conn == nil {
		panic("transport: nil quic connection")
	}
	if stream == nil {
		panic("transport: nil quic stream")
	}
	return &QuicConn{conn: conn, stream: stream}
}

// LocalAddr implements net.Conn
func (q *QuicConn) LocalAddr() net.Addr {
	return q.conn.LocalAddr()
}

// RemoteAddr implements net.Conn
func (q *QuicConn) RemoteAddr() net.Addr {
	return q.conn.RemoteAddr()
}

// SetDeadline implements net.Conn
func (q *QuicConn) SetDeadline(t time.Time) error {
	return q.stream.SetDeadline(t)
}

// SetReadDeadline implements net.Conn
func (q *QuicConn) SetReadDeadline(t time.Time) error {
	return q.stream.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn
func (q *QuicConn) SetWriteDeadline(t time.Time) error {
	return q.stream.SetWriteDeadline(t)
}

// Close implements net.Conn.  The stream and the underlying connection are
// both torn down.
func (q *QuicConn) Close() error {
	q.stream.CancelRead(0)
	err := q.stream.Close()
	q.conn.CloseWithError(0, "")
	return err
}

// Read implements net.Conn
func (q *QuicConn) Read(b []byte) (n int, err error) {
	return q.stream.Read(b)
}

// Write implements net.Conn
func (q *QuicConn) Write(b []byte) (n int, err error) {
	return q.stream.Write(b)
}

// QuicListener implements net.Listener over a QUIC listener, yielding one
// net.Conn per connection for the first stream the peer opens.
//
// Connections are accepted and their first stream awaited in the
// background, so a peer that never opens a stream does not stall Accept.
type QuicListener struct {
	worker.Worker

	l *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc

	connCh    chan net.Conn
	errCh     chan error
	closeOnce sync.Once
}

// NewQuicListener wraps l and starts accepting connections.
func NewQuicListener(l *quic.Listener) *QuicListener {
	ql := &QuicListener{
		l:      l,
		connCh: make(chan net.Conn),
		errCh:  make(chan error, 1),
	}
	ql.ctx, ql.cancel = ql.Context()
	ql.Go(ql.acceptConns)
	return ql
}

func (l *QuicListener) acceptConns() {
	for {
		conn, err := l.l.Accept(l.ctx)
		if err != nil {
			l.errCh <- err
			return
		}
		l.Go(func() { l.acceptStream(conn) })
	}
}

func (l *QuicListener) acceptStream(conn *quic.Conn) {
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return
	}
	c := NewQuicConn(conn, stream)
	select {
	case l.connCh <- c:
	case <-l.HaltCh():
		c.Close()
	}
}

// Accept implements net.Listener.
func (l *QuicListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case err := <-l.errCh:
		// Keep the error around for any later callers.
		l.errCh <- err
		return nil, err
	}
}

// Addr implements net.Listener.
func (l *QuicListener) Addr() net.Addr {
	return l.l.Addr()
}

// Close implements net.Listener.  Connections that were accepted but not
// yet returned by Accept are closed.
func (l *QuicListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.l.Close()
		l.Halt()
		l.cancel()
	})
	return err
}

// GenerateTLSConfig returns a bare-bones server TLS config with a throwaway
// self-signed certificate.  Peers are authenticated by the relay handshake,
// not by TLS.
func GenerateTLSConfig() *tls.Config {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		panic(err)
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	// ALPN is visible on the wire, so use a common protocol identifier.
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{http3.NextProtoH3},
	}
}
