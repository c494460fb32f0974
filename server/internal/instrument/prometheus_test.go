// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/encrelay/core/log"
)

func TestCounters(t *testing.T) {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	require.Nil(Init("", logBackend))
	require.Nil(Init("", logBackend))

	open := testutil.ToFloat64(connections)
	ConnectionOpened()
	ConnectionOpened()
	ConnectionClosed()
	require.Equal(open+1, testutil.ToFloat64(connections))

	before := testutil.ToFloat64(deliveriesFailed.WithLabelValues("full"))
	DeliveryFailed("full")
	require.Equal(before+1, testutil.ToFloat64(deliveriesFailed.WithLabelValues("full")))

	ignored := testutil.ToFloat64(framesIgnored.WithLabelValues("ENC"))
	FrameIgnored("ENC")
	require.Equal(ignored+1, testutil.ToFloat64(framesIgnored.WithLabelValues("ENC")))
}
