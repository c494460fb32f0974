// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides shared utilities for the encrelay CLI tools.
package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// ExecuteWithFang executes a cobra command using fang, and exits the process
// with a non-zero status on failure.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage returns an error handler that prints the error, and
// for command line mistakes the usage help as well.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if !isUsageError(err) {
			_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
				lipgloss.Left,
				styles.ErrorText.UnsetWidth().Render("Try"),
				styles.Program.Flag.Render("--help"),
				styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
			))
			_, _ = fmt.Fprintln(w)
			return
		}

		if helpFunc := cmd.HelpFunc(); helpFunc != nil {
			cmd.SetOut(colorprofile.NewWriter(w, os.Environ()))
			helpFunc(cmd, []string{})
		}
	}
}

func isUsageError(err error) bool {
	s := err.Error()
	for _, prefix := range []string{
		"flag needs an argument:",
		"unknown flag:",
		"unknown shorthand flag:",
		"unknown command",
		"invalid argument",
		"required flag",
		"accepts",
		"arg(s), received",
		"failed to load config file",
	} {
		if strings.Contains(s, prefix) {
			return true
		}
	}
	return false
}

// HandleSignals calls halt once on SIGINT or SIGTERM, and rotate on every
// SIGHUP if rotate is non-nil.  The returned function stops the handling.
func HandleSignals(halt, rotate func()) func() {
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	if rotate != nil {
		signal.Notify(rotateCh, syscall.SIGHUP)
	}

	doneCh := make(chan struct{})
	go func() {
		for {
			select {
			case <-haltCh:
				halt()
				return
			case <-rotateCh:
				rotate()
			case <-doneCh:
				return
			}
		}
	}()

	return func() {
		signal.Stop(haltCh)
		signal.Stop(rotateCh)
		close(doneCh)
	}
}
