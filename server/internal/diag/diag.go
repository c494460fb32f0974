// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package diag implements the optional diagnostic sink, which decrypts every
// relayed ENC frame with the server identity and appends the result to a
// log.
//
// WARNING: The log contains every relayed plaintext.
package diag

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/encrelay/core/credential"
	"github.com/katzenpost/encrelay/core/log"
	"github.com/katzenpost/encrelay/core/wire"
	"github.com/katzenpost/encrelay/core/worker"
	"github.com/katzenpost/encrelay/server/config"
	"github.com/katzenpost/encrelay/server/internal/instrument"
)

// Record is one diagnostic log entry.
type Record struct {
	// Timestamp is the time the frame was relayed, in Unix nanoseconds.
	Timestamp int64 `cbor:"1,keyasint"`

	// Frame is the raw relayed frame.
	Frame []byte `cbor:"2,keyasint"`

	// Key is the recovered message key, if any.
	Key []byte `cbor:"3,keyasint,omitempty"`

	// Plaintext is the decrypted message, if any.
	Plaintext []byte `cbor:"4,keyasint,omitempty"`

	// Error is the reason decryption failed, if it did.
	Error string `cbor:"5,keyasint,omitempty"`
}

type backend interface {
	Append(*Record) error
	Close() error
}

type pendingFrame struct {
	at time.Time
	b  []byte
}

// Sink is the diagnostic sink.
type Sink struct {
	worker.Worker

	log       *logging.Logger
	authority *credential.Authority
	backend   backend

	frameCh chan pendingFrame
}

// OnFrame queues a relayed frame for decryption and logging.  It never
// blocks; if the sink is behind, the frame is dropped.
func (s *Sink) OnFrame(b []byte) {
	select {
	case s.frameCh <- pendingFrame{at: time.Now(), b: b}:
	default:
		instrument.DiagnosticsDropped()
		s.log.Debugf("Queue full, dropping frame.")
	}
}

// Halt stops the sink, and closes the backend.  Frames queued before the
// call are written first.
func (s *Sink) Halt() {
	s.Worker.Halt()
	if err := s.backend.Close(); err != nil {
		s.log.Errorf("Failed to close backend: %v", err)
	}
}

func (s *Sink) worker() {
	for {
		select {
		case <-s.HaltCh():
			s.drain()
			s.log.Debugf("Terminating gracefully.")
			return
		case pf := <-s.frameCh:
			s.append(pf)
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case pf := <-s.frameCh:
			s.append(pf)
		default:
			return
		}
	}
}

func (s *Sink) append(pf pendingFrame) {
	if err := s.backend.Append(s.decrypt(pf)); err != nil {
		s.log.Errorf("Failed to append record: %v", err)
	}
}

func (s *Sink) decrypt(pf pendingFrame) *Record {
	r := &Record{
		Timestamp: pf.at.UnixNano(),
		Frame:     pf.b,
	}
	f, err := wire.ParseFrame(pf.b)
	if err == nil && f.Tag != wire.TagEncrypted {
		err = fmt.Errorf("unexpected %v frame", f.Tag)
	}
	if err == nil {
		r.Key, r.Plaintext, err = s.authority.UnwrapIncoming(f.Segment(0), f.Segment(1))
	}
	if err != nil {
		// Never fatal, the relay has already moved on.
		s.log.Debugf("Failed to decrypt frame: %v", err)
		r.Error = err.Error()
	}
	return r
}

// New creates and starts a diagnostic sink per cfg.
func New(cfg *config.Config, logBackend *log.Backend, authority *credential.Authority) (*Sink, error) {
	fn := cfg.Diagnostics.File
	if !filepath.IsAbs(fn) {
		fn = filepath.Join(cfg.Server.DataDir, fn)
	}

	var (
		b   backend
		err error
	)
	switch cfg.Diagnostics.Backend {
	case config.BackendFile:
		b, err = newFileBackend(fn)
	case config.BackendBolt:
		b, err = newBoltBackend(fn)
	default:
		err = fmt.Errorf("diag: unsupported backend '%v'", cfg.Diagnostics.Backend)
	}
	if err != nil {
		return nil, err
	}

	s := &Sink{
		log:       logBackend.GetLogger("diag"),
		authority: authority,
		backend:   b,
		frameCh:   make(chan pendingFrame, cfg.Diagnostics.QueueSize),
	}
	s.log.Warningf("Diagnostics enabled, relayed plaintext is written to: %v", fn)
	s.Go(s.worker)
	return s, nil
}
