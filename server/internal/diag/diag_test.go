// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

package diag

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/encrelay/core/credential"
	"github.com/katzenpost/encrelay/core/log"
	"github.com/katzenpost/encrelay/core/wire"
	"github.com/katzenpost/encrelay/server/config"
)

var (
	testAuthorityOnce sync.Once
	testAuthority     *credential.Authority
)

func authority(t *testing.T) *credential.Authority {
	testAuthorityOnce.Do(func() {
		var err error
		testAuthority, err = credential.New(1024)
		require.NoError(t, err)
	})
	return testAuthority
}

type memBackend struct {
	sync.Mutex
	records []*Record
	closed  bool
}

func (b *memBackend) Append(r *Record) error {
	b.Lock()
	defer b.Unlock()
	b.records = append(b.records, r)
	return nil
}

func (b *memBackend) Close() error {
	b.Lock()
	defer b.Unlock()
	b.closed = true
	return nil
}

func (b *memBackend) Records() []*Record {
	b.Lock()
	defer b.Unlock()
	return append([]*Record{}, b.records...)
}

func newTestSink(t *testing.T, queueSize int) (*Sink, *memBackend) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	b := new(memBackend)
	s := &Sink{
		log:       logBackend.GetLogger("diag"),
		authority: authority(t),
		backend:   b,
		frameCh:   make(chan pendingFrame, queueSize),
	}
	return s, b
}

func sealedFrame(t *testing.T, msg []byte) []byte {
	wrappedKey, ciphertext, err := credential.Seal(rand.Reader, authority(t).PublicKey(), msg)
	require.NoError(t, err)
	b, err := wire.NewEncryptedFrame(wrappedKey, ciphertext).Bytes()
	require.NoError(t, err)
	return b
}

func TestSinkDecrypts(t *testing.T) {
	require := require.New(t)

	s, b := newTestSink(t, 16)
	s.Go(s.worker)

	good := sealedFrame(t, []byte("hello diagnostics"))
	s.OnFrame(good)
	s.OnFrame([]byte("ENC garbage"))
	undecryptable, err := wire.NewEncryptedFrame([]byte("key"), []byte("ciphertext")).Bytes()
	require.NoError(err)
	s.OnFrame(undecryptable)

	require.Eventually(func() bool { return len(b.Records()) == 3 }, 5*time.Second, 10*time.Millisecond)
	s.Halt()
	require.True(b.closed)

	records := b.Records()
	require.Equal(good, records[0].Frame)
	require.Equal([]byte("hello diagnostics"), records[0].Plaintext)
	require.Len(records[0].Key, credential.SymmetricKeyLength)
	require.Empty(records[0].Error)
	require.NotZero(records[0].Timestamp)

	require.NotEmpty(records[1].Error)
	require.Nil(records[1].Plaintext)

	require.Contains(records[2].Error, "unwrap message key")
}

func TestSinkDropsWhenFull(t *testing.T) {
	s, b := newTestSink(t, 2)

	// The worker is not running, so only the queue capacity is accepted.
	for i := 0; i < 5; i++ {
		s.OnFrame([]byte{byte(i)})
	}
	require.Len(t, s.frameCh, 2)

	s.Go(s.worker)
	require.Eventually(t, func() bool { return len(b.Records()) == 2 }, 5*time.Second, 10*time.Millisecond)
	s.Halt()
	require.Equal(t, []byte{0}, b.Records()[0].Frame)
	require.Equal(t, []byte{1}, b.Records()[1].Frame)
}

func TestBoltBackend(t *testing.T) {
	require := require.New(t)

	fn := filepath.Join(t.TempDir(), "diag.db")
	b, err := newBoltBackend(fn)
	require.NoError(err)

	for i := 0; i < 3; i++ {
		require.NoError(b.Append(&Record{
			Timestamp: int64(i + 1),
			Frame:     []byte{byte(i)},
			Plaintext: []byte("pt"),
		}))
	}
	require.NoError(b.Append(&Record{Timestamp: 4, Frame: []byte{3}, Error: "nope"}))
	require.NoError(b.Close())

	records, err := ReadRecords(fn)
	require.NoError(err)
	require.Len(records, 4)
	for i, r := range records {
		require.Equal(int64(i+1), r.Timestamp)
		require.Equal([]byte{byte(i)}, r.Frame)
	}
	require.Equal([]byte("pt"), records[0].Plaintext)
	require.Equal("nope", records[3].Error)
	require.Nil(records[3].Plaintext)
}

func TestFileBackend(t *testing.T) {
	require := require.New(t)

	fn := filepath.Join(t.TempDir(), "latest.log")
	b, err := newFileBackend(fn)
	require.NoError(err)

	frame := sealedFrame(t, []byte("logged"))
	require.NoError(b.Append(&Record{Timestamp: 1, Frame: frame, Key: []byte{0xab}, Plaintext: []byte("logged")}))
	require.NoError(b.Append(&Record{Timestamp: 2, Frame: []byte("junk"), Error: "bad frame"}))
	require.NoError(b.Close())

	out, err := os.ReadFile(fn)
	require.NoError(err)
	require.Contains(string(out), "KL: 128\n")
	require.Contains(string(out), "Key: ab\n")
	require.Contains(string(out), "Decrypted message: logged\n")
	require.Contains(string(out), "Error: bad frame\n")

	// Appends to an existing log.
	b, err = newFileBackend(fn)
	require.NoError(err)
	require.NoError(b.Append(&Record{Timestamp: 3, Error: "again"}))
	require.NoError(b.Close())
	out2, err := os.ReadFile(fn)
	require.NoError(err)
	require.True(len(out2) > len(out))
	require.Equal(string(out), string(out2[:len(out)]))
}

func TestNew(t *testing.T) {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	for _, backend := range []string{config.BackendFile, config.BackendBolt} {
		cfg := config.Default()
		cfg.Server.DataDir = t.TempDir()
		cfg.Diagnostics.Enable = true
		cfg.Diagnostics.Backend = backend
		cfg.Diagnostics.File = ""
		require.NoError(cfg.FixupAndValidate())

		s, err := New(cfg, logBackend, authority(t))
		require.NoError(err)
		s.Halt()

		_, err = os.Stat(filepath.Join(cfg.Server.DataDir, cfg.Diagnostics.File))
		require.NoError(err)
	}
}
