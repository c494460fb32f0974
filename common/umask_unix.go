// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build unix

package common

import "syscall"

// Umask sets the process umask.
func Umask(mask int) {
	syscall.Umask(mask)
}
