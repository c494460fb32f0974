// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package server provides the encrypted message relay server.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/hash"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/encrelay/core/credential"
	"github.com/katzenpost/encrelay/core/log"
	"github.com/katzenpost/encrelay/server/config"
	"github.com/katzenpost/encrelay/server/internal/diag"
	"github.com/katzenpost/encrelay/server/internal/glue"
	"github.com/katzenpost/encrelay/server/internal/incoming"
	"github.com/katzenpost/encrelay/server/internal/instrument"
	"github.com/katzenpost/encrelay/server/internal/profiling"
	"github.com/katzenpost/encrelay/server/internal/relay"
)

// DiagnosticRecord is one entry of the diagnostic log.
type DiagnosticRecord = diag.Record

type nopDiagnostics struct{}

func (nopDiagnostics) Halt()          {}
func (nopDiagnostics) OnFrame([]byte) {}

// Server is a relay server instance.
type Server struct {
	cfg *config.Config

	authority *credential.Authority

	logBackend *log.Backend
	log        *logging.Logger

	relay       *relay.Relay
	diagnostics glue.Diagnostics
	listeners   []glue.Listener
	metrics     *http.Server
	profiler    func()

	haltedCh chan interface{}
	haltOnce sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir
	if d == "" {
		// Nothing is ever written to disk.
		return nil
	}

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// Config returns the server configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// LogBackend returns the server's log backend.
func (s *Server) LogBackend() *log.Backend {
	return s.logBackend
}

// Authority returns the server's credential authority.
func (s *Server) Authority() *credential.Authority {
	return s.authority
}

// Relay returns the broadcast relay.
func (s *Server) Relay() glue.Relay {
	return s.relay
}

// Diagnostics returns the diagnostic sink, which is a no-op unless enabled.
func (s *Server) Diagnostics() glue.Diagnostics {
	return s.diagnostics
}

// Listeners returns the server's listeners.
func (s *Server) Listeners() []glue.Listener {
	return s.listeners
}

// Addresses returns the address of every listener, in the form a client
// dials.
func (s *Server) Addresses() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, l := range s.listeners {
		if l != nil {
			addrs = append(addrs, l.URL())
		}
	}
	return addrs
}

// Sessions returns the number of connected sessions, across all listeners.
func (s *Server) Sessions() int {
	n := 0
	for _, l := range s.listeners {
		if l != nil {
			n += l.Sessions()
		}
	}
	return n
}

// RotateLog reopens the log file, if any.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.log.Errorf("Failed to rotate log file: %v", err)
		return
	}
	s.log.Noticef("Rotated log file.")
}

// Shutdown shuts down a given Server instance.  Connected sessions are
// aborted, not drained.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting shutdown.")

	// Stop the listener(s), abort all sessions.
	for i, l := range s.listeners {
		if l != nil {
			l.Halt()
			s.listeners[i] = nil
		}
	}

	// Only once nothing can publish.
	if s.diagnostics != nil {
		s.diagnostics.Halt()
		s.diagnostics = nil
	}

	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.log.Warningf("Failed to stop metrics endpoint: %v", err)
		}
		cancel()
		s.metrics = nil
	}

	if s.profiler != nil {
		s.profiler()
		s.profiler = nil
	}

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("Every client is handed the server identity, relayed messages are NOT confidential between clients.")
	if s.cfg.Debug.IsUnsafe() {
		s.log.Warning("Unsafe Debug configuration options are set.")
	}
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	// Generate the ephemeral server identity.
	var err error
	if s.authority, err = credential.New(s.cfg.Debug.KeyBits); err != nil {
		s.log.Errorf("Failed to generate identity: %v", err)
		return nil, err
	}
	pub, err := credential.MarshalPublicKey(s.authority.PublicKey())
	if err != nil {
		return nil, err
	}
	s.log.Noticef("Server identity public key hash is: %x", hash.Sum256(pub))

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point where
		// files are open etc, clean up the partially constructed instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	if s.profiler, err = profiling.Start(s.logBackend.GetLogger("profiling"), s.cfg.Server.Identifier); err != nil {
		s.log.Errorf("Failed to start profiling: %v", err)
		return nil, err
	}

	s.metrics = instrument.Init(s.cfg.Server.MetricsAddress, s.logBackend)

	s.relay = relay.New(s.logBackend)

	s.diagnostics = nopDiagnostics{}
	if s.cfg.Diagnostics.Enable {
		d, err := diag.New(s.cfg, s.logBackend, s.authority)
		if err != nil {
			s.log.Errorf("Failed to initialize diagnostics: %v", err)
			return nil, err
		}
		s.diagnostics = d
	}

	// Bring the listener(s) online.
	s.listeners = make([]glue.Listener, 0, len(s.cfg.Server.Addresses))
	for i, addr := range s.cfg.Server.Addresses {
		l, err := incoming.New(s, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	isOk = true
	return s, nil
}

// ReadDiagnostics returns every record of a "bolt" diagnostic log.  The
// server writing it must not be running.
func ReadDiagnostics(fn string) ([]*DiagnosticRecord, error) {
	return diag.ReadRecords(fn)
}
