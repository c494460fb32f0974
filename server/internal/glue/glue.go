// glue.go - Relay server internal glue.
// Copyright (C) 2017  Yawning Angel.
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

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"net"

	"github.com/katzenpost/encrelay/core/credential"
	"github.com/katzenpost/encrelay/core/log"
	"github.com/katzenpost/encrelay/server/config"
	"github.com/katzenpost/encrelay/server/internal/relay"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	Authority() *credential.Authority

	Relay() Relay
	Diagnostics() Diagnostics
	Listeners() []Listener
}

// Relay is the broadcast hub every session publishes to.
type Relay interface {
	Register(*relay.Handle)
	Publish(*relay.Handle, []byte) int
	Len() int
}

// Diagnostics is the optional sink for relayed ENC frames.
type Diagnostics interface {
	Halt()
	OnFrame([]byte)
}

// Listener is a session supervisor bound to one address.
type Listener interface {
	Halt()
	Addr() net.Addr
	URL() string
	Sessions() int
}
