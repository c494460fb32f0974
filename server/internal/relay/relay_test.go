// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/encrelay/core/log"
)

const testCapacity = 25

func newTestRelay(t *testing.T, n int) (*Relay, []*Handle) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	r := New(logBackend)
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		h := NewHandle(uint64(i), testCapacity)
		r.Register(h)
		handles = append(handles, h)
	}
	return r, handles
}

func drain(h *Handle) [][]byte {
	var out [][]byte
	for {
		select {
		case b := <-h.QueueCh():
			out = append(out, b)
		default:
			return out
		}
	}
}

func TestPublishFanOut(t *testing.T) {
	require := require.New(t)

	const n = 5
	r, handles := newTestRelay(t, n)

	f1 := []byte("ENC frame one")
	f2 := []byte("ENC frame two")
	require.Equal(n-1, r.Publish(handles[2], f1))
	require.Equal(n-1, r.Publish(handles[2], f2))

	for i, h := range handles {
		got := drain(h)
		if i == 2 {
			require.Empty(got, "publisher must not receive its own frame")
			continue
		}
		require.Equal([][]byte{f1, f2}, got, "recipient %d", i)
	}
	require.Equal(n, r.Len())
}

func TestPublishPrunesClosedHandle(t *testing.T) {
	require := require.New(t)

	r, handles := newTestRelay(t, 4)
	handles[1].Close()

	require.Equal(2, r.Publish(handles[0], []byte("x")))
	require.False(r.Contains(handles[1]))
	require.Equal(3, r.Len())

	// No later publish attempts delivery to the pruned handle.
	require.Equal(2, r.Publish(handles[0], []byte("y")))
	require.Empty(drain(handles[1]))
	require.Len(drain(handles[2]), 2)
	require.Len(drain(handles[3]), 2)
}

func TestPublishPrunesMultipleFailures(t *testing.T) {
	require := require.New(t)

	r, handles := newTestRelay(t, 10)

	// Adjacent failures, failures at both ends, and a full queue, all in a
	// single pass.
	dead := map[int]bool{0: true, 3: true, 4: true, 7: true, 9: true}
	for i := range dead {
		if i == 7 {
			for j := 0; j < testCapacity; j++ {
				require.NoError(handles[i].enqueue([]byte{0}))
			}
			continue
		}
		handles[i].Close()
	}

	delivered := r.Publish(handles[5], []byte("frame"))
	require.Equal(10-len(dead)-1, delivered)
	require.Equal(10-len(dead), r.Len())

	for i, h := range handles {
		if dead[i] {
			require.False(r.Contains(h), "handle %d should be pruned", i)
			require.True(h.IsClosed(), "pruned handle %d should be closed", i)
		} else {
			require.True(r.Contains(h), "handle %d should remain", i)
			require.False(h.IsClosed())
		}
	}

	// The surviving registry order is preserved.
	r.Lock()
	ids := make([]uint64, 0, len(r.handles))
	for _, h := range r.handles {
		ids = append(ids, h.ID())
	}
	r.Unlock()
	require.Equal([]uint64{1, 2, 5, 6, 8}, ids)
}

func TestPublishFullQueueIsNotBackpressure(t *testing.T) {
	require := require.New(t)

	r, handles := newTestRelay(t, 3)

	// handles[1] never drains; the publisher and handles[2] are unaffected.
	for i := 0; i < testCapacity; i++ {
		require.Equal(2, r.Publish(handles[0], []byte{byte(i)}))
		drain(handles[2])
	}
	require.Equal(1, r.Publish(handles[0], []byte("overflow")))
	require.False(r.Contains(handles[1]))

	select {
	case <-handles[1].CloseCh():
	default:
		require.FailNow("overflowed handle was not closed")
	}
	require.Equal([][]byte{[]byte("overflow")}, drain(handles[2]))
}

func TestConcurrentPublishOrdering(t *testing.T) {
	require := require.New(t)

	const (
		publishers = 4
		frames     = 200
	)
	logBackend, err := log.New("", "ERROR", true)
	require.NoError(err)
	r := New(logBackend)

	pubs := make([]*Handle, publishers)
	for i := range pubs {
		pubs[i] = NewHandle(uint64(i), publishers*frames)
		r.Register(pubs[i])
	}
	sink := NewHandle(99, publishers*frames)
	r.Register(sink)

	var wg sync.WaitGroup
	for i, h := range pubs {
		wg.Add(1)
		go func(i int, h *Handle) {
			defer wg.Done()
			for seq := 0; seq < frames; seq++ {
				b := make([]byte, 16)
				binary.BigEndian.PutUint64(b[0:], uint64(i))
				binary.BigEndian.PutUint64(b[8:], uint64(seq))
				r.Publish(h, b)
			}
		}(i, h)
	}
	wg.Wait()

	next := make([]uint64, publishers)
	got := drain(sink)
	require.Len(got, publishers*frames)
	for _, b := range got {
		i := binary.BigEndian.Uint64(b[0:])
		seq := binary.BigEndian.Uint64(b[8:])
		require.Equal(next[i], seq, fmt.Sprintf("publisher %d out of order", i))
		next[i]++
	}
	require.Equal(publishers+1, r.Len())
}

func TestHandleClose(t *testing.T) {
	require := require.New(t)

	h := NewHandle(1, 1)
	require.NoError(h.enqueue([]byte("a")))
	require.ErrorIs(h.enqueue([]byte("b")), ErrQueueFull)

	h.Close()
	h.Close()
	require.True(h.IsClosed())
	require.ErrorIs(h.enqueue([]byte("c")), ErrQueueClosed)
}
