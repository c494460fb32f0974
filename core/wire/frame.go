// SPDX-FileCopyrightText: Copyright (C) 2026  encrelay contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the relay's tagged, length-prefixed framing.
//
// Every frame starts with a 3 byte ASCII tag, followed by one or more
// segments, each of which is a 4 byte big-endian length followed by that
// many payload bytes:
//
//	PUB [len][client public key]
//	PRV [len][wrapped credential] [len][wrapped identity]
//	ENC [len][wrapped key]        [len][ciphertext]
package wire

import (
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/cryptobyte"

	"github.com/katzenpost/encrelay/core/wire/constants"
)

var (
	// ErrShortRead is the error returned when the peer closes the stream
	// part way through a frame.
	ErrShortRead = errors.New("wire: short read")

	// ErrUnknownTag is the error returned when a frame carries a tag that is
	// not part of the protocol.  The offending frame has been consumed and
	// the stream is still usable.
	ErrUnknownTag = errors.New("wire: unknown frame tag")

	// ErrSegmentTooLarge is the error returned when a length prefix exceeds
	// the reader's segment limit.
	ErrSegmentTooLarge = errors.New("wire: segment exceeds maximum length")

	// ErrInvalidFrame is the error returned when a frame does not have the
	// number of segments its tag requires.
	ErrInvalidFrame = errors.New("wire: invalid frame")
)

// Tag is a frame tag.
type Tag [constants.TagLength]byte

var (
	// TagPublicKey is the client's handshake frame carrying its public key.
	TagPublicKey = Tag{'P', 'U', 'B'}

	// TagPrivateKey is the server's handshake reply carrying the wrapped
	// credential and the wrapped server identity.
	TagPrivateKey = Tag{'P', 'R', 'V'}

	// TagEncrypted is an encrypted message frame, relayed verbatim.
	TagEncrypted = Tag{'E', 'N', 'C'}
)

// String returns the tag as printable text.
func (t Tag) String() string {
	return fmt.Sprintf("%q", t[:])
}

// Segments returns the number of segments a frame with the tag carries, and
// false if the tag is unknown.
func (t Tag) Segments() (int, bool) {
	switch t {
	case TagPublicKey:
		return 1, true
	case TagPrivateKey, TagEncrypted:
		return 2, true
	default:
		return 0, false
	}
}

// Frame is a decoded protocol frame.
type Frame struct {
	Tag      Tag
	Segments [][]byte
}

// NewPublicKeyFrame returns a PUB frame.
func NewPublicKeyFrame(publicKey []byte) *Frame {
	return &Frame{Tag: TagPublicKey, Segments: [][]byte{publicKey}}
}

// NewPrivateKeyFrame returns a PRV frame.
func NewPrivateKeyFrame(wrappedCredential, wrappedIdentity []byte) *Frame {
	return &Frame{Tag: TagPrivateKey, Segments: [][]byte{wrappedCredential, wrappedIdentity}}
}

// NewEncryptedFrame returns an ENC frame.
func NewEncryptedFrame(wrappedKey, ciphertext []byte) *Frame {
	return &Frame{Tag: TagEncrypted, Segments: [][]byte{wrappedKey, ciphertext}}
}

// Segment returns the i-th segment, or nil if there is no such segment.
func (f *Frame) Segment(i int) []byte {
	if i < 0 || i >= len(f.Segments) {
		return nil
	}
	return f.Segments[i]
}

func (f *Frame) validate() error {
	n, ok := f.Tag.Segments()
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownTag, f.Tag)
	}
	if len(f.Segments) != n {
		return fmt.Errorf("%w: %v has %d segments, expected %d", ErrInvalidFrame, f.Tag, len(f.Segments), n)
	}
	for _, s := range f.Segments {
		if uint64(len(s)) > math.MaxUint32 {
			return ErrSegmentTooLarge
		}
	}
	return nil
}

// Bytes returns the wire encoding of the frame.
func (f *Frame) Bytes() ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	sz := constants.TagLength
	for _, s := range f.Segments {
		sz += constants.LengthPrefixLength + len(s)
	}
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, sz))
	b.AddBytes(f.Tag[:])
	for _, s := range f.Segments {
		b.AddUint32(uint32(len(s)))
		b.AddBytes(s)
	}
	return b.Bytes()
}

// ParseFrame decodes a single, complete frame from b.  Trailing bytes are an
// error.
func ParseFrame(b []byte) (*Frame, error) {
	s := cryptobyte.String(b)

	var tag Tag
	if !s.CopyBytes(tag[:]) {
		return nil, ErrShortRead
	}
	n, ok := tag.Segments()
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTag, tag)
	}

	f := &Frame{Tag: tag, Segments: make([][]byte, 0, n)}
	for i := 0; i < n; i++ {
		var (
			l   uint32
			seg []byte
		)
		if !s.ReadUint32(&l) || !s.ReadBytes(&seg, int(l)) {
			return nil, ErrShortRead
		}
		f.Segments = append(f.Segments, append([]byte{}, seg...))
	}
	if !s.Empty() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidFrame, len(s))
	}
	return f, nil
}

// Reader reads frames from a byte stream.
type Reader struct {
	r                io.Reader
	maxSegmentLength uint32
}

// NewReader returns a Reader that rejects any segment longer than
// maxSegmentLength bytes.  A non-positive limit selects
// constants.DefaultMaxSegmentLength.
func NewReader(r io.Reader, maxSegmentLength int) *Reader {
	if maxSegmentLength <= 0 || uint64(maxSegmentLength) > math.MaxUint32 {
		maxSegmentLength = constants.DefaultMaxSegmentLength
	}
	return &Reader{
		r:                r,
		maxSegmentLength: uint32(maxSegmentLength),
	}
}

// ReadFrame reads the next frame.
//
// io.EOF is returned iff the stream ended cleanly on a frame boundary.  A
// frame with an unknown tag is returned along with ErrUnknownTag, after its
// first segment has been consumed.  Every other error leaves the stream in
// an undefined state and the connection should be torn down.
func (r *Reader) ReadFrame() (*Frame, error) {
	var tag Tag
	if _, err := io.ReadFull(r.r, tag[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, shortRead(err)
	}

	n, known := tag.Segments()
	if !known {
		// The segment count of an unknown tag can't be known, so consume
		// the one segment every frame carries and let the caller decide.
		n = 1
	}

	f := &Frame{Tag: tag, Segments: make([][]byte, 0, n)}
	for i := 0; i < n; i++ {
		seg, err := r.readSegment()
		if err != nil {
			return nil, err
		}
		f.Segments = append(f.Segments, seg)
	}
	if !known {
		return f, fmt.Errorf("%w: %v", ErrUnknownTag, tag)
	}
	return f, nil
}

func (r *Reader) readSegment() ([]byte, error) {
	var hdr [constants.LengthPrefixLength]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return nil, shortRead(err)
	}

	var l uint32
	s := cryptobyte.String(hdr[:])
	if !s.ReadUint32(&l) {
		return nil, ErrShortRead
	}
	if l > r.maxSegmentLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrSegmentTooLarge, l, r.maxSegmentLength)
	}

	seg := make([]byte, l)
	if _, err := io.ReadFull(r.r, seg); err != nil {
		return nil, shortRead(err)
	}
	return seg, nil
}

func shortRead(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrShortRead
	}
	return fmt.Errorf("%w: %w", ErrShortRead, err)
}

// ReadFrame reads a single frame from r with the default segment limit.
func ReadFrame(r io.Reader) (*Frame, error) {
	return NewReader(r, 0).ReadFrame()
}

// WriteFrame writes f to w in a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	b, err := f.Bytes()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
