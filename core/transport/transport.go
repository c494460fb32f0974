// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the stream transports a relay can be reached
// over, addressed by URL: "tcp://host:port" (also tcp4 and tcp6) or
// "quic://host:port".
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/quic-go/quic-go"
)

// KeepAliveInterval is the TCP keepalive period applied to every connection.
const KeepAliveInterval = 3 * time.Minute

// Listen parses addr and returns a listener for it.
func Listen(addr string) (net.Listener, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid address '%v': %w", addr, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		lc := net.ListenConfig{KeepAlive: KeepAliveInterval}
		return lc.Listen(context.Background(), u.Scheme, u.Host)
	case "quic":
		ql, err := quic.ListenAddr(u.Host, GenerateTLSConfig(), nil)
		if err != nil {
			return nil, err
		}
		return NewQuicListener(ql), nil
	default:
		return nil, fmt.Errorf("transport: unsupported scheme '%v'", u.Scheme)
	}
}

// Dial connects to the relay at addr.  An address without a scheme is
// treated as TCP.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		// Plain "host:port".
		u = &url.URL{Scheme: "tcp", Host: addr}
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		d := net.Dialer{KeepAlive: KeepAliveInterval}
		return d.DialContext(ctx, u.Scheme, u.Host)
	case "quic":
		conn, err := quic.DialAddr(ctx, u.Host, clientTLSConfig(), nil)
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			return nil, err
		}
		return NewQuicConn(conn, stream), nil
	default:
		return nil, fmt.Errorf("transport: unsupported scheme '%v'", u.Scheme)
	}
}

// URL returns the address a listener is reachable at, in the form accepted
// by Dial.
func URL(l net.Listener) string {
	scheme := "tcp"
	if _, ok := l.(*QuicListener); ok {
		scheme = "quic"
	}
	return scheme + "://" + l.Addr().String()
}
