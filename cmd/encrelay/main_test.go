// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/encrelay/server"
	"github.com/katzenpost/encrelay/server/config"
)

func TestGenConfig(t *testing.T) {
	require := require.New(t)

	fn := filepath.Join(t.TempDir(), "encrelay.toml")
	cmd := newRootCommand()
	cmd.SetArgs([]string{"-f", fn, "--genconfig"})
	require.NoError(cmd.Execute())

	cfg, err := config.LoadFile(fn)
	require.NoError(err)
	require.Equal(config.Default(), cfg)

	// Never clobbers.
	require.Error(genConfig(fn))
}

func TestPrintRecords(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printRecords(&buf, []*server.DiagnosticRecord{
		{Timestamp: 0, Frame: make([]byte, 10), Key: []byte{0x01}, Plaintext: []byte("hi")},
		{Timestamp: 1, Frame: make([]byte, 3), Error: "boom"},
	}))
	require.Equal(t, "1970-01-01T00:00:00Z 10 bytes, key: 01, message: \"hi\"\n"+
		"1970-01-01T00:00:00.000000001Z 3 bytes, error: boom\n", buf.String())
}
