// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !unix

package common

// Umask does nothing on this platform.
func Umask(int) {}
