// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay implements the broadcast hub that fans every published frame
// out to all other registered sessions.
package relay

import (
	"errors"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/encrelay/core/log"
	"github.com/katzenpost/encrelay/server/internal/instrument"
)

var (
	// ErrQueueClosed is the delivery error for a handle whose session has
	// terminated.
	ErrQueueClosed = errors.New("relay: delivery queue closed")

	// ErrQueueFull is the delivery error for a handle whose session is not
	// keeping up.
	ErrQueueFull = errors.New("relay: delivery queue full")
)

// Handle is a session's outbound delivery path, and its entry in the relay
// registry.
type Handle struct {
	sync.Mutex

	id      uint64
	queueCh chan []byte
	closeCh chan struct{}
	closed  bool
}

// NewHandle returns a Handle with a delivery queue of the given capacity.
func NewHandle(id uint64, capacity int) *Handle {
	return &Handle{
		id:      id,
		queueCh: make(chan []byte, capacity),
		closeCh: make(chan struct{}),
	}
}

// ID returns the handle's identifier, which is used for logging only.
func (h *Handle) ID() uint64 {
	return h.id
}

// QueueCh returns the channel frames delivered to this handle arrive on.
func (h *Handle) QueueCh() <-chan []byte {
	return h.queueCh
}

// CloseCh returns a channel that is closed once the handle is closed, either
// by its session terminating or by the relay pruning it.
func (h *Handle) CloseCh() <-chan struct{} {
	return h.closeCh
}

// Close marks the handle as dead.  Frames already queued are left for the
// session to drain or discard; nothing further will be enqueued.
func (h *Handle) Close() {
	h.Lock()
	defer h.Unlock()
	if !h.closed {
		h.closed = true
		close(h.closeCh)
	}
}

// IsClosed returns true iff the handle has been closed.
func (h *Handle) IsClosed() bool {
	h.Lock()
	defer h.Unlock()
	return h.closed
}

func (h *Handle) enqueue(frame []byte) error {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return ErrQueueClosed
	}
	select {
	case h.queueCh <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Relay is the broadcast hub.
type Relay struct {
	sync.Mutex

	log     *logging.Logger
	handles []*Handle
}

// New returns an empty Relay.
func New(logBackend *log.Backend) *Relay {
	return &Relay{
		log: logBackend.GetLogger("relay"),
	}
}

// Register appends h to the registry.
func (r *Relay) Register(h *Handle) {
	r.Lock()
	defer r.Unlock()
	r.handles = append(r.handles, h)
}

// Publish enqueues frame for delivery to every registered handle other than
// from, and returns the number of successful deliveries.
//
// Publish never blocks on a recipient.  A recipient whose handle is closed
// or whose queue is full is pruned from the registry, and closed so that
// its session disconnects.  Publishes are serialized, so every recipient
// observes frames in publish order.  The frame is shared by all recipients
// and must not be modified after the call.
func (r *Relay) Publish(from *Handle, frame []byte) int {
	r.Lock()
	defer r.Unlock()

	var (
		delivered int
		failed    map[*Handle]error
	)
	for _, h := range r.handles {
		if h == from {
			continue
		}
		if err := h.enqueue(frame); err != nil {
			if failed == nil {
				failed = make(map[*Handle]error)
			}
			failed[h] = err
			continue
		}
		delivered++
	}
	instrument.Delivered(delivered)

	if failed != nil {
		r.prune(failed)
	}
	return delivered
}

// prune removes every handle in failed from the registry.  Removal is keyed
// on the handle itself, so any number of failures in one pass are removed
// without disturbing the other entries.
func (r *Relay) prune(failed map[*Handle]error) {
	kept := r.handles[:0]
	for _, h := range r.handles {
		err, ok := failed[h]
		if !ok {
			kept = append(kept, h)
			continue
		}

		switch err {
		case ErrQueueFull:
			r.log.Warningf("Pruning session %d: %v", h.id, err)
			instrument.DeliveryFailed("full")
		default:
			r.log.Debugf("Pruning session %d: %v", h.id, err)
			instrument.DeliveryFailed("closed")
		}
		h.Close()
	}

	// Drop the references held by the now unused tail.
	clear(r.handles[len(kept):])
	r.handles = kept
}

// Len returns the number of registered handles.
func (r *Relay) Len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.handles)
}

// Contains returns true iff h is registered.
func (r *Relay) Contains(h *Handle) bool {
	r.Lock()
	defer r.Unlock()
	for _, v := range r.handles {
		if v == h {
			return true
		}
	}
	return false
}
