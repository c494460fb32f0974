// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/encrelay/common"
	"github.com/katzenpost/encrelay/server"
	"github.com/katzenpost/encrelay/server/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenConfig  bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "encrelay",
		Short: "Encrypted message relay server",
		Long: `encrelay is a TCP (and QUIC) relay that lets clients exchange encrypted
messages through a central hub.

Every client sends the relay an RSA public key and receives the relay's
private key in return, wrapped so only that client can open it.  From then on
any client may broadcast an ENC frame, sealed under the relay's public key,
which the relay forwards verbatim to every other connected client.

The relay never needs to decrypt what it forwards.  Note that every client
holds the relay's private key, so messages are only hidden from network
observers, never from other clients.`,
		Example: `  # Start the relay with the default configuration file
  encrelay

  # Start the relay with a specific configuration file
  encrelay -f /etc/encrelay/encrelay.toml

  # Write a default configuration file and exit
  encrelay -f encrelay.toml --genconfig

  # Dump a bolt diagnostic log
  encrelay diag /var/lib/encrelay/diagnostics.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.GenConfig {
				return genConfig(cfg.ConfigFile)
			}
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "encrelay.toml",
		"path to the relay configuration file (TOML format)")
	cmd.Flags().BoolVar(&cfg.GenConfig, "genconfig", false,
		"write a default configuration file to --config and exit")

	cmd.AddCommand(newDiagCommand())
	return cmd
}

func newDiagCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diag <file>",
		Short: "Print the records of a bolt diagnostic log",
		Long: `Print every record of a diagnostic log written by the "bolt" backend.
The relay writing the log must not be running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := server.ReadDiagnostics(args[0])
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), records)
		},
	}
}

func printRecords(w io.Writer, records []*server.DiagnosticRecord) error {
	for _, r := range records {
		ts := time.Unix(0, r.Timestamp).UTC().Format(time.RFC3339Nano)
		var err error
		if r.Error != "" {
			_, err = fmt.Fprintf(w, "%s %d bytes, error: %s\n", ts, len(r.Frame), r.Error)
		} else {
			_, err = fmt.Fprintf(w, "%s %d bytes, key: %x, message: %q\n", ts, len(r.Frame), r.Key, r.Plaintext)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func genConfig(fn string) error {
	if _, err := os.Stat(fn); err == nil {
		return fmt.Errorf("refusing to overwrite existing config file '%v'", fn)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return config.Store(config.Default(), fn)
}

func runServer(cfg Config) error {
	// Set the umask to something "paranoid".
	common.Umask(0077)

	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	// Start up the server.
	svr, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server on SIGINT/SIGTERM, rotate the logs on SIGHUP.
	stop := common.HandleSignals(svr.Shutdown, svr.RotateLog)
	defer stop()

	// Wait for the server to be terminated.
	svr.Wait()
	return nil
}
