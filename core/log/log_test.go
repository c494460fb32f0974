// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestBackendFile(t *testing.T) {
	require := require.New(t)

	fn := filepath.Join(t.TempDir(), "encrelay.log")
	b, err := New(fn, "notice", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Notice("first")
	l.Debug("filtered")
	require.True(b.IsEnabledFor(logging.NOTICE, "test"))
	require.False(b.IsEnabledFor(logging.DEBUG, "test"))

	fmt.Fprintln(b.GetLogWriter("writer", "WARNING"), "from a writer")

	// Rotation reopens the same path.
	require.NoError(os.Rename(fn, fn+".1"))
	require.NoError(b.Rotate())
	l.Notice("second")

	old, err := os.ReadFile(fn + ".1")
	require.NoError(err)
	require.Contains(string(old), "NOTI test: first")
	require.Contains(string(old), "WARN writer: from a writer")
	require.NotContains(string(old), "filtered")

	cur, err := os.ReadFile(fn)
	require.NoError(err)
	require.Contains(string(cur), "NOTI test: second")
	require.NotContains(string(cur), "first")
}

func TestBackendInvalidLevel(t *testing.T) {
	_, err := New("", "LOUD", false)
	require.Error(t, err)

	b, err := New("", "DEBUG", true)
	require.NoError(t, err)
	require.Panics(t, func() { b.GetLogWriter("x", "LOUD") })
}
