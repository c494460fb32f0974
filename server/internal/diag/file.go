// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package diag

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/katzenpost/encrelay/core/wire"
)

type fileBackend struct {
	sync.Mutex

	f *os.File
	w *bufio.Writer
}

// Append writes r as a human readable entry.
func (b *fileBackend) Append(r *Record) error {
	b.Lock()
	defer b.Unlock()

	fmt.Fprintf(b.w, "%s\n", time.Unix(0, r.Timestamp).UTC().Format(time.RFC3339Nano))
	if f, err := wire.ParseFrame(r.Frame); err == nil && len(f.Segments) == 2 {
		fmt.Fprintf(b.w, "KL: %d\n", len(f.Segment(0)))
		fmt.Fprintf(b.w, "ML: %d\n", len(f.Segment(1)))
	}
	if r.Error != "" {
		fmt.Fprintf(b.w, "Error: %s\n\n", r.Error)
	} else {
		fmt.Fprintf(b.w, "Key: %x\n", r.Key)
		fmt.Fprintf(b.w, "Decrypted message: %s\n\n", r.Plaintext)
	}
	return b.w.Flush()
}

func (b *fileBackend) Close() error {
	b.Lock()
	defer b.Unlock()
	if err := b.w.Flush(); err != nil {
		b.f.Close()
		return err
	}
	return b.f.Close()
}

func newFileBackend(fn string) (*fileBackend, error) {
	const fileMode = os.O_APPEND | os.O_CREATE | os.O_WRONLY

	f, err := os.OpenFile(fn, fileMode, 0600)
	if err != nil {
		return nil, err
	}
	return &fileBackend{f: f, w: bufio.NewWriter(f)}, nil
}
