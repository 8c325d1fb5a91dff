// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package toc

import (
	"sync"

	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/iohandler"
	"github.com/cockroachdb/errors"
)

var (
	// ErrClosed is returned by operations on a closed Writer or Reader.
	ErrClosed = errors.New("bento/toc: closed")

	// ErrOverflow is returned when the encoded TOC exceeds the fixed total size
	// requested in WriterOptions. A block that would end past that size is
	// never written.
	ErrOverflow = errors.New("bento/toc: TOC exceeds fixed size")
)

// Encoder writes segments to a TOC stream.
type Encoder interface {
	// WriteSegment encodes s and returns the container offset of its value
	// field: the 8 bytes holding the offset and length of a 4+4 value entry.
	WriteSegment(s *Segment) (valueFieldOffset int64, err error)
	// Flush pads and writes the current buffer, returning the number of TOC
	// bytes written so far.
	Flush(final bool) (int64, error)
	// Close flushes the final buffer, releases it and returns the final size
	// of the TOC.
	Close() (int64, error)
}

// Decoder reads segments from a TOC stream.
type Decoder interface {
	// ReadSegment decodes the next segment into s. It returns false once every
	// byte of the TOC has been consumed.
	ReadSegment(s *Segment) (bool, error)
	// Close releases the decoder's buffer.
	Close() error
}

// WriterOptions configures NewWriter.
type WriterOptions struct {
	Format Format
	// BufferSize is the block capacity. It is rounded up to a multiple of 4 and
	// must be at least MinBufferSize.
	BufferSize int
	// StartOffset is the container offset of the first TOC byte.
	StartOffset int64
	// TotalSize, if non-zero, fixes the size of the TOC: the final block is
	// padded with filler up to it. Only FormatDelta supports it.
	TotalSize int64
	// Logger receives errors before they are returned. Defaults to
	// base.DefaultLogger.
	Logger base.Logger
}

// ReaderOptions configures NewReader.
type ReaderOptions struct {
	Format      Format
	BufferSize  int
	StartOffset int64
	// Size is the exact number of TOC bytes to consume.
	Size   int64
	Logger base.Logger
}

// NewWriter begins writing a TOC to h.
func NewWriter(h iohandler.Handler, o WriterOptions) (Encoder, error) {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	switch o.Format {
	case FormatDelta:
		if o.BufferSize < MinBufferSize {
			return nil, errors.Newf("bento/toc: buffer size %d below minimum %d", o.BufferSize, MinBufferSize)
		}
		return newDeltaWriter(h, o), nil
	case FormatLegacy:
		if o.TotalSize != 0 {
			return nil, errors.Newf("bento/toc: fixed TOC size unsupported by format %d", o.Format)
		}
		if o.BufferSize < LegacyRecordSize {
			return nil, errors.Newf("bento/toc: buffer size %d below record size", o.BufferSize)
		}
		return newLegacyWriter(h, o), nil
	default:
		return nil, errors.Newf("bento/toc: unknown format %d", o.Format)
	}
}

// NewReader begins reading a TOC from h.
func NewReader(h iohandler.Handler, o ReaderOptions) (Decoder, error) {
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	if o.Size < 0 {
		return nil, base.CorruptionErrorf("bento/toc: negative TOC size %d", o.Size)
	}
	switch o.Format {
	case FormatDelta:
		if o.BufferSize < MinBufferSize {
			return nil, base.CorruptionErrorf("bento/toc: buffer size %d below minimum %d", o.BufferSize, MinBufferSize)
		}
		return newDeltaReader(h, o), nil
	case FormatLegacy:
		if o.Size%LegacyRecordSize != 0 {
			return nil, base.CorruptionErrorf("bento/toc: legacy TOC size %d not a multiple of %d",
				o.Size, LegacyRecordSize)
		}
		return newLegacyReader(h, o), nil
	default:
		return nil, base.CorruptionErrorf("bento/toc: unknown format %d", o.Format)
	}
}

var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 1024)
		return &b
	},
}

func getBuf(n int) *[]byte {
	b := bufPool.Get().(*[]byte)
	if cap(*b) < n {
		*b = make([]byte, n)
	}
	*b = (*b)[:n]
	return b
}

func putBuf(b *[]byte) {
	if b != nil {
		bufPool.Put(b)
	}
}

// report hands err to the logger and returns it, so that a failure is seen by
// the container's error reporter before it unwinds to the caller.
func report(logger base.Logger, err error) error {
	logger.Errorf("%v", err)
	return err
}
