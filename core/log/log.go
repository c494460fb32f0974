// log.go - Logging backend.
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

// Package log provides the relay's rotatable logging backend, based around
// the go-logging package.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"
)

const (
	logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"
	fileMode  = 0600
)

// output is one generation of the backend, replaced wholesale on Rotate.
type output struct {
	leveled logging.LeveledBackend
	w       io.Writer
	closeFn func() error
}

// Backend is a rotatable log backend shared by every relay component.  It
// implements logging.LeveledBackend.
type Backend struct {
	rotateLock sync.Mutex
	cur        atomic.Pointer[output]

	file    string
	level   logging.Level
	disable bool
}

// New initializes a logging backend.  An empty f logs to stdout, and disable
// discards everything.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := logLevelFromString(level)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		file:    f,
		level:   lvl,
		disable: disable,
	}
	o, err := b.open()
	if err != nil {
		return nil, err
	}
	b.cur.Store(o)
	return b, nil
}

func (b *Backend) open() (*output, error) {
	o := &output{closeFn: func() error { return nil }}
	switch {
	case b.disable:
		o.w = io.Discard
	case b.file == "":
		o.w = os.Stdout
	default:
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
		if err != nil {
			return nil, fmt.Errorf("log: failed to create log file: %v", err)
		}
		o.w, o.closeFn = f, f.Close
	}

	base := logging.NewLogBackend(o.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(logFormat))
	o.leveled = logging.AddModuleLevel(formatted)
	o.leveled.SetLevel(b.level, "")
	return o, nil
}

// Rotate reopens the log file for writing, and should be invoked upon
// SIGHUP after the file has been moved out of the way.
func (b *Backend) Rotate() error {
	b.rotateLock.Lock()
	defer b.rotateLock.Unlock()

	o, err := b.open()
	if err != nil {
		return err
	}
	return b.cur.Swap(o).closeFn()
}

// Log is used to log a message as per the logging.Backend interface.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	return b.cur.Load().leveled.Log(level, calldepth+1, record)
}

// GetLevel returns the logging level for the specified module.
func (b *Backend) GetLevel(module string) logging.Level {
	return b.cur.Load().leveled.GetLevel(module)
}

// SetLevel sets the logging level for the specified module, until the next
// Rotate.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.cur.Load().leveled.SetLevel(level, module)
}

// IsEnabledFor returns true if the logger is enabled for the given level.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	return b.cur.Load().leveled.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend, eg:
// "listener" or "incoming:3".
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// GetLogWriter returns a per-module io.Writer that writes each line to the
// backend at the provided level, for libraries that want a writer.
func (b *Backend) GetLogWriter(module string, level string) io.Writer {
	lvl, err := logLevelFromString(level)
	if err != nil {
		panic("log: GetLogWriter(): Invalid level: " + err.Error())
	}
	return &logWriter{l: b.GetLogger(module), lvl: lvl}
}

func logLevelFromString(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}

type logWriter struct {
	l   *logging.Logger
	lvl logging.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		switch w.lvl {
		case logging.ERROR:
			w.l.Error(line)
		case logging.WARNING:
			w.l.Warning(line)
		case logging.NOTICE:
			w.l.Notice(line)
		case logging.INFO:
			w.l.Info(line)
		default:
			w.l.Debug(line)
		}
	}
	return len(p), nil
}
