// config.go - Relay server configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the relay server configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/encrelay/core/credential"
	"github.com/katzenpost/encrelay/core/wire/constants"
)

const (
	defaultIdentifier       = "encrelay"
	defaultLogLevel         = "NOTICE"
	defaultQueueCapacity    = 25
	defaultDiagQueueSize    = 256
	defaultDiagFileLog      = "latest.log"
	defaultDiagBoltDB       = "diagnostics.db"
	defaultMaxSegmentLength = constants.DefaultMaxSegmentLength

	// BackendFile is the plain text, append-only diagnostic backend.
	BackendFile = "file"

	// BackendBolt is the BoltDB based diagnostic backend.
	BackendBolt = "bolt"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the relay server configuration.
type Server struct {
	// Identifier is the human readable identifier for the relay (eg: FQDN).
	Identifier string

	// Addresses are the listener addresses, as URLs with a "tcp", "tcp4",
	// "tcp6" or "quic" scheme, eg: "tcp://0.0.0.0:42530".
	Addresses []string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.  Metrics are not exposed if unset.
	MetricsAddress string

	// DataDir is the absolute path to the server's state files.  Only log
	// and diagnostic files are ever written here.
	DataDir string
}

func (sCfg *Server) applyDefaults() {
	if sCfg.Identifier == "" {
		sCfg.Identifier = defaultIdentifier
	}
	if len(sCfg.Addresses) == 0 {
		sCfg.Addresses = []string{constants.DefaultAddress}
	}
}

func (sCfg *Server) validate() error {
	for _, v := range sCfg.Addresses {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
		switch u.Scheme {
		case "tcp", "tcp4", "tcp6", "quic":
		default:
			return fmt.Errorf("config: Server: Address '%v' has unsupported scheme '%v'", v, u.Scheme)
		}
		if u.Port() == "" {
			return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", v)
		}
	}
	if sCfg.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	if sCfg.DataDir != "" && !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if _, err := precis.UsernameCaseMapped.String(sCfg.Identifier); err != nil {
		return fmt.Errorf("config: Server: Identifier '%v' is invalid: %v", sCfg.Identifier, err)
	}
	return nil
}

// Logging is the relay server logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Diagnostics is the decrypted traffic log configuration.
//
// WARNING: Enabling this writes every relayed plaintext to disk.
type Diagnostics struct {
	// Enable enables the diagnostic sink.
	Enable bool

	// Backend is the storage backend, "file" or "bolt".
	Backend string

	// File is the log or database file, relative to DataDir unless
	// absolute.
	File string

	// QueueSize is the number of frames buffered for the sink before
	// further frames are dropped.
	QueueSize int
}

func (dCfg *Diagnostics) applyDefaults() {
	if dCfg.Backend == "" {
		dCfg.Backend = BackendFile
	}
	if dCfg.File == "" {
		switch dCfg.Backend {
		case BackendBolt:
			dCfg.File = defaultDiagBoltDB
		default:
			dCfg.File = defaultDiagFileLog
		}
	}
	if dCfg.QueueSize <= 0 {
		dCfg.QueueSize = defaultDiagQueueSize
	}
}

func (dCfg *Diagnostics) validate() error {
	switch dCfg.Backend {
	case BackendFile, BackendBolt:
	default:
		return fmt.Errorf("config: Diagnostics: Backend '%v' is invalid", dCfg.Backend)
	}
	return nil
}

// Debug is the relay server debug configuration.
type Debug struct {
	// KeyBits is the RSA modulus size of the server identity.
	KeyBits int

	// QueueCapacity is the per-session outbound queue capacity.  A session
	// whose queue overflows is disconnected.
	QueueCapacity int

	// MaxSegmentLength is the largest frame segment accepted from a client.
	MaxSegmentLength int

	// HandshakeTimeout is the maximum time in milliseconds a connection may
	// take to send its PUB frame.  0 disables the timeout.
	HandshakeTimeout int

	// MaxConnections caps the number of concurrently served connections
	// per listener.  0 is unlimited.
	MaxConnections int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.KeyBits <= 0 {
		dCfg.KeyBits = credential.KeyBits
	}
	if dCfg.QueueCapacity <= 0 {
		dCfg.QueueCapacity = defaultQueueCapacity
	}
	if dCfg.MaxSegmentLength <= 0 {
		dCfg.MaxSegmentLength = defaultMaxSegmentLength
	}
	if dCfg.HandshakeTimeout < 0 {
		dCfg.HandshakeTimeout = 0
	}
	if dCfg.MaxConnections < 0 {
		dCfg.MaxConnections = 0
	}
}

func (dCfg *Debug) validate() error {
	if dCfg.KeyBits < 1024 {
		return fmt.Errorf("config: Debug: KeyBits %d is too small", dCfg.KeyBits)
	}
	return nil
}

// IsUnsafe returns true iff any debug options that should only be used for
// testing are set.
func (dCfg *Debug) IsUnsafe() bool {
	return dCfg.KeyBits != credential.KeyBits
}

// Config is the top level relay server configuration.
type Config struct {
	Server      *Server
	Logging     *Logging
	Diagnostics *Diagnostics

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		cfg.Server = &Server{}
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Diagnostics == nil {
		cfg.Diagnostics = &Diagnostics{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Server.applyDefaults()
	cfg.Diagnostics.applyDefaults()
	cfg.Debug.applyDefaults()

	var err error
	cfg.Server.Identifier, err = idna.Lookup.ToASCII(cfg.Server.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}

	if err = cfg.Server.validate(); err != nil {
		return err
	}
	if err = cfg.Logging.validate(); err != nil {
		return err
	}
	if err = cfg.Diagnostics.validate(); err != nil {
		return err
	}
	if cfg.Diagnostics.Enable && cfg.Server.DataDir == "" && !filepath.IsAbs(cfg.Diagnostics.File) {
		return errors.New("config: Diagnostics: a relative File requires Server.DataDir")
	}
	return cfg.Debug.validate()
}

// Store writes a config to fileName on disk.
func Store(cfg *Config, fileName string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(fileName, buf.Bytes(), 0600)
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic("BUG: default config is invalid: " + err.Error())
	}
	return cfg
}
