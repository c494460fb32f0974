// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/hash"

	"github.com/katzenpost/encrelay/core/wire"
	"github.com/katzenpost/encrelay/server/internal/instrument"
	"github.com/katzenpost/encrelay/server/internal/relay"
)

var incomingConnID uint64

type incomingConn struct {
	l   *listener
	log *logging.Logger

	c net.Conn
	e *list.Element
	h *relay.Handle

	id uint64

	isRelaying bool
}

func tagLabel(t wire.Tag) string {
	if _, ok := t.Segments(); ok {
		return string(t[:])
	}
	return "unknown"
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.h.Close() // The relay prunes the handle on its next publish.
		c.c.Close()
		instrument.ConnectionClosed()
		c.l.onClosedConn(c) // Remove from the connection list.
	}()

	cfg := c.l.glue.Config()
	if timeout := time.Duration(cfg.Debug.HandshakeTimeout) * time.Millisecond; timeout > 0 {
		c.c.SetReadDeadline(time.Now().Add(timeout))
	}

	// Start reading from the peer.
	frameCh := make(chan *wire.Frame)
	frameCloseCh := make(chan interface{})
	defer close(frameCloseCh)
	go func() {
		defer close(frameCh)
		r := wire.NewReader(c.c, cfg.Debug.MaxSegmentLength)
		for {
			f, err := r.ReadFrame()
			switch {
			case err == nil:
			case errors.Is(err, wire.ErrUnknownTag):
				c.log.Warningf("Ignoring frame: %v", err)
				instrument.FrameReceived(tagLabel(f.Tag))
				instrument.FrameIgnored(tagLabel(f.Tag))
				continue
			case err == io.EOF:
				c.log.Debugf("Peer closed the connection.")
				return
			default:
				c.log.Debugf("Failed to receive frame: %v", err)
				return
			}
			select {
			case frameCh <- f:
			case <-frameCloseCh:
				// c.worker() is returning for some reason, give up on
				// trying to hand off the frame, and just return.
				return
			}
		}
	}()

	for {
		select {
		case <-c.l.closeAllCh:
			// Server is getting shutdown, all connections are being closed.
			return
		case <-c.h.CloseCh():
			c.log.Debugf("Disconnecting, pruned from the relay.")
			return
		case b := <-c.h.QueueCh():
			if !c.isRelaying {
				// The peer has no key to open it with yet, and PRV must be
				// the first frame it sees.
				c.log.Debugf("Dropping relayed frame, awaiting handshake.")
				continue
			}
			if _, err := c.c.Write(b); err != nil {
				c.log.Debugf("Failed to send relayed frame: %v", err)
				return
			}
		case f, ok := <-frameCh:
			if !ok {
				return
			}
			if !c.onFrame(f) {
				return
			}
		}
	}

	// NOTREACHED
}

func (c *incomingConn) onFrame(f *wire.Frame) bool {
	instrument.FrameReceived(tagLabel(f.Tag))

	if !c.isRelaying {
		if f.Tag != wire.TagPublicKey {
			c.log.Warningf("Ignoring %v frame, awaiting handshake.", f.Tag)
			instrument.FrameIgnored(tagLabel(f.Tag))
			return true
		}
		if err := c.onPublicKey(f); err != nil {
			c.log.Errorf("Handshake failed: %v", err)
			instrument.Handshake(false)
			return false
		}
		instrument.Handshake(true)
		return true
	}

	switch f.Tag {
	case wire.TagEncrypted:
		c.onEncrypted(f)
	default:
		c.log.Warningf("Ignoring unexpected %v frame.", f.Tag)
		instrument.FrameIgnored(tagLabel(f.Tag))
	}
	return true
}

func (c *incomingConn) onPublicKey(f *wire.Frame) error {
	pub := f.Segment(0)
	c.log.Debugf("Client key: '%x'", hash.Sum256(pub))

	wrappedCredential, wrappedIdentity, err := c.l.glue.Authority().IssueCredential(pub)
	if err != nil {
		return err
	}
	if err = wire.WriteFrame(c.c, wire.NewPrivateKeyFrame(wrappedCredential, wrappedIdentity)); err != nil {
		return err
	}

	c.c.SetReadDeadline(time.Time{})
	c.isRelaying = true
	c.log.Debugf("Handshake completed.")
	return nil
}

func (c *incomingConn) onEncrypted(f *wire.Frame) {
	b, err := f.Bytes()
	if err != nil {
		// NOTREACHED, the reader only yields well formed frames.
		c.log.Errorf("Failed to encode frame: %v", err)
		return
	}
	n := c.l.glue.Relay().Publish(c.h, b)
	c.log.Debugf("Relayed %d byte frame to %d sessions.", len(b), n)

	// Only ever after the relay decision.
	c.l.glue.Diagnostics().OnFrame(b)
}

func newIncomingConn(l *listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:  l,
		c:  conn,
		id: atomic.AddUint64(&incomingConnID, 1), // Diagnostic only, wrapping is fine.
	}
	c.h = relay.NewHandle(c.id, l.glue.Config().Debug.QueueCapacity)
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))

	c.log.Debugf("New incoming connection: %v", conn.RemoteAddr())

	// Note: Unlike most other things, this does not spawn the worker here,
	// because the worker needs to be spawned after the struct is added to
	// the connection list.

	return c
}
