// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package constants contains the relay wire protocol constants.
package constants

const (
	// TagLength is the length of a frame tag in bytes.
	TagLength = 3

	// LengthPrefixLength is the length of a segment length prefix in bytes.
	LengthPrefixLength = 4

	// DefaultMaxSegmentLength is the largest segment a reader accepts unless
	// configured otherwise.
	DefaultMaxSegmentLength = 1 << 20

	// DefaultAddress is the default relay listener address.
	DefaultAddress = "tcp://0.0.0.0:42530"
)
