// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package incoming implements the relay's listeners and the per-connection
// sessions they supervise.
package incoming

import (
	"container/list"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/netutil"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/encrelay/core/transport"
	"github.com/katzenpost/encrelay/core/worker"
	"github.com/katzenpost/encrelay/server/internal/glue"
	"github.com/katzenpost/encrelay/server/internal/instrument"
)

type listener struct {
	sync.Mutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	l     net.Listener
	url   string
	conns *list.List

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
	closing    atomic.Bool
}

// Halt stops accepting connections and aborts every session.  In-flight
// writes are abandoned.
func (l *listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.closing.Store(true)
	l.l.Close()
	l.Worker.Halt()

	// Tell every session to bail, and pull the sockets out from under any
	// that are blocked on a write.
	close(l.closeAllCh)
	l.Lock()
	for e := l.conns.Front(); e != nil; e = e.Next() {
		e.Value.(*incomingConn).c.Close()
	}
	l.Unlock()
	l.closeAllWg.Wait()
}

func (l *listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *listener) URL() string {
	return l.url
}

// Sessions returns the number of running sessions.
func (l *listener) Sessions() int {
	l.Lock()
	defer l.Unlock()
	return l.conns.Len()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		select {
		case <-l.closeAllCh:
			return
		case <-l.HaltCh():
			return
		default:
		}
		conn, err := l.l.Accept()
		if err != nil {
			if l.closing.Load() {
				return
			}
			if e, ok := err.(net.Error); ok && e.Timeout() {
				continue
			}
			l.log.Errorf("accept failure: %v", err)
			return
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		instrument.ConnectionOpened()

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *listener) onNewConn(conn net.Conn) {
	c := newIncomingConn(l, conn)

	// The handle is registered before the session starts, so a session
	// that is still awaiting its handshake already receives broadcasts.
	l.glue.Relay().Register(c.h)

	l.closeAllWg.Add(1)
	l.Lock()
	defer func() {
		l.Unlock()
		go c.worker()
	}()
	c.e = l.conns.PushFront(c)
}

func (l *listener) onClosedConn(c *incomingConn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}

// New creates a new listener bound to addr, and starts accepting.
func New(glue glue.Glue, id int, addr string) (glue.Listener, error) {
	l := &listener{
		glue:       glue,
		log:        glue.LogBackend().GetLogger(fmt.Sprintf("listener:%d", id)),
		conns:      list.New(),
		closeAllCh: make(chan interface{}),
	}

	var err error
	if l.l, err = transport.Listen(addr); err != nil {
		l.log.Errorf("Failed to start listener '%v': %v", addr, err)
		return nil, err
	}
	l.url = transport.URL(l.l)
	if n := glue.Config().Debug.MaxConnections; n > 0 {
		l.l = netutil.LimitListener(l.l, n)
	}

	l.Go(l.worker)
	return l, nil
}
