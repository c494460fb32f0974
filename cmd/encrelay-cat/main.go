// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"

	"github.com/katzenpost/encrelay/client"
	"github.com/katzenpost/encrelay/common"
	"github.com/katzenpost/encrelay/core/log"
)

type catConfig struct {
	addr     string
	logFile  string
	logLevel string
	timeout  time.Duration
	qr       bool
}

func newRootCommand() *cobra.Command {
	var cfg catConfig

	cmd := &cobra.Command{
		Use:   "encrelay-cat",
		Short: "Chat through an encrypted message relay",
		Long: `encrelay-cat connects to a relay, sends every line read from stdin as
an encrypted message, and prints every message received from other clients.`,
		Example: `  encrelay-cat -a tcp://relay.example.com:42530
  echo hello | encrelay-cat -a quic://127.0.0.1:42530`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&cfg.addr, "address", "a", "tcp://127.0.0.1:42530",
		"relay address, as a tcp:// or quic:// URL")
	cmd.Flags().StringVar(&cfg.logFile, "log-file", "",
		"log file, logging is disabled if unset")
	cmd.Flags().StringVar(&cfg.logLevel, "log-level", "NOTICE",
		"log level (ERROR, WARNING, NOTICE, INFO, DEBUG)")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 30*time.Second,
		"connect and handshake timeout")
	cmd.Flags().BoolVar(&cfg.qr, "qr", false,
		"print the relay's key fingerprint as a QR code after connecting")
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func run(cfg catConfig, in io.Reader, out, status io.Writer) error {
	logBackend, err := log.New(cfg.logFile, cfg.logLevel, cfg.logFile == "")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	c, err := client.Dial(ctx, cfg.addr, &client.Config{LogBackend: logBackend})
	if err != nil {
		return fmt.Errorf("failed to connect to '%v': %v", cfg.addr, err)
	}
	defer c.Close()
	if err = c.Handshake(ctx); err != nil {
		return fmt.Errorf("handshake failed: %v", err)
	}
	if err = printFingerprint(c, status, cfg.qr); err != nil {
		return err
	}

	stop := common.HandleSignals(func() { c.Close() }, nil)
	defer stop()

	return chat(c, in, out)
}

// printFingerprint lets the user compare the relay key against the hash
// the relay logs at startup.
func printFingerprint(c *client.Client, w io.Writer, qr bool) error {
	fp, err := c.ServerFingerprint()
	if err != nil {
		return err
	}
	s := fmt.Sprintf("%x", fp)
	fmt.Fprintf(w, "Relay key fingerprint: %s\n", s)
	if qr {
		qrterminal.GenerateWithConfig(s, qrterminal.Config{
			Level:      qrterminal.L,
			Writer:     w,
			HalfBlocks: true,
			QuietZone:  1,
		})
	}
	return nil
}

// chat pumps lines from in to the relay, and messages from the relay to out,
// until the connection is closed.
func chat(c *client.Client, in io.Reader, out io.Writer) error {
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			m, err := c.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			fmt.Fprintf(out, "%s\n", m.Plaintext)
		}
	}()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := c.Send(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	// Stdin is exhausted, keep printing until the relay goes away.
	err := <-recvErrCh
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
