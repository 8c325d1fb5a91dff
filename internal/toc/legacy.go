// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package toc

import (
	"encoding/binary"
	"math"

	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/iohandler"
	"github.com/cockroachdb/errors"
)

// legacyWriter writes fixed 24 byte records.
type legacyWriter struct {
	h       iohandler.Handler
	logger  base.Logger
	buf     *[]byte
	pos     int
	written int64
	start   int64
	closed  bool
	err     error
}

var _ Encoder = (*legacyWriter)(nil)

func newLegacyWriter(h iohandler.Handler, o WriterOptions) *legacyWriter {
	n := o.BufferSize - o.BufferSize%LegacyRecordSize
	return &legacyWriter{
		h:      h,
		logger: o.Logger,
		buf:    getBuf(n),
		start:  o.StartOffset,
	}
}

func validateLegacySegment(s *Segment) error {
	if err := validateSegment(s); err != nil {
		return err
	}
	switch {
	case s.RefObjectID != 0:
		return errors.Newf("bento/toc: legacy format cannot record references (value %s.%s.%s)",
			s.ObjectID, s.PropertyID, s.TypeID)
	case s.Generation > math.MaxUint16:
		return errors.Newf("bento/toc: generation %d exceeds legacy limit", s.Generation)
	case s.Flags > math.MaxUint16:
		return errors.Newf("bento/toc: flags %s exceed legacy limit", s.Flags)
	case !s.Immediate() && (s.Offset > math.MaxUint32 || s.Length > math.MaxUint32):
		return errors.Newf("bento/toc: value range %d/%d exceeds legacy limit", s.Offset, s.Length)
	}
	return nil
}

// WriteSegment implements Encoder.
func (w *legacyWriter) WriteSegment(s *Segment) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, ErrClosed
	}
	if err := validateLegacySegment(s); err != nil {
		return 0, w.fail(err)
	}
	if w.pos+LegacyRecordSize > len(*w.buf) {
		if _, err := w.Flush(false); err != nil {
			return 0, err
		}
	}
	rec := (*w.buf)[w.pos : w.pos+LegacyRecordSize]
	binary.BigEndian.PutUint32(rec[0:], uint32(s.ObjectID))
	binary.BigEndian.PutUint32(rec[4:], uint32(s.PropertyID))
	binary.BigEndian.PutUint32(rec[8:], uint32(s.TypeID))
	if s.Immediate() {
		var data [4]byte
		copy(data[:], s.Data[:s.Length])
		copy(rec[12:16], data[:])
	} else {
		binary.BigEndian.PutUint32(rec[12:], uint32(s.Offset))
	}
	binary.BigEndian.PutUint32(rec[16:], uint32(s.Length))
	binary.BigEndian.PutUint16(rec[20:], uint16(s.Generation))
	binary.BigEndian.PutUint16(rec[22:], uint16(s.Flags))

	off := w.start + w.written + int64(w.pos) + legacyValueFieldOffset
	w.pos += LegacyRecordSize
	return off, nil
}

// Flush implements Encoder. Legacy records are never padded.
func (w *legacyWriter) Flush(final bool) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, ErrClosed
	}
	if w.pos > 0 {
		if err := iohandler.WriteAt(w.h, (*w.buf)[:w.pos], w.start+w.written); err != nil {
			return 0, w.fail(errors.Wrap(err, "bento/toc: writing records"))
		}
		w.written += int64(w.pos)
		w.pos = 0
	}
	return w.written, nil
}

// Close implements Encoder.
func (w *legacyWriter) Close() (int64, error) {
	if _, err := w.Flush(true); err != nil {
		return 0, err
	}
	w.closed = true
	putBuf(w.buf)
	w.buf = nil
	return w.written, nil
}

func (w *legacyWriter) fail(err error) error {
	w.err = err
	putBuf(w.buf)
	w.buf = nil
	return report(w.logger, err)
}

// legacyReader reads fixed 24 byte records.
type legacyReader struct {
	h        iohandler.Handler
	logger   base.Logger
	buf      *[]byte
	pos, n   int
	start    int64
	size     int64
	consumed int64
	closed   bool
	err      error
}

var _ Decoder = (*legacyReader)(nil)

func newLegacyReader(h iohandler.Handler, o ReaderOptions) *legacyReader {
	n := o.BufferSize - o.BufferSize%LegacyRecordSize
	if n < LegacyRecordSize {
		n = LegacyRecordSize
	}
	return &legacyReader{
		h:      h,
		logger: o.Logger,
		buf:    getBuf(n),
		start:  o.StartOffset,
		size:   o.Size,
	}
}

// ReadSegment implements Decoder.
func (r *legacyReader) ReadSegment(s *Segment) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	if r.closed {
		return false, ErrClosed
	}
	if r.pos == r.n {
		if r.consumed == r.size {
			return false, nil
		}
		n := int64(len(*r.buf))
		if rem := r.size - r.consumed; rem < n {
			n = rem
		}
		if err := iohandler.ReadAt(r.h, (*r.buf)[:n], r.start+r.consumed); err != nil {
			return false, r.fail(errors.Wrap(err, "bento/toc: reading records"))
		}
		r.pos, r.n = 0, int(n)
	}
	rec := (*r.buf)[r.pos : r.pos+LegacyRecordSize]
	*s = Segment{
		ObjectID:   base.ObjectID(binary.BigEndian.Uint32(rec[0:])),
		PropertyID: base.PropertyID(binary.BigEndian.Uint32(rec[4:])),
		TypeID:     base.TypeID(binary.BigEndian.Uint32(rec[8:])),
		Length:     int64(binary.BigEndian.Uint32(rec[16:])),
		Generation: base.Generation(binary.BigEndian.Uint16(rec[20:])),
		Flags:      base.ValueFlags(binary.BigEndian.Uint16(rec[22:])),
	}
	if s.ObjectID == 0 {
		return false, r.fail(base.CorruptionErrorf("bento/toc: legacy record at %d has no object", errors.Safe(r.consumed)))
	}
	if s.Immediate() {
		if s.Length > 4 {
			return false, r.fail(base.CorruptionErrorf("bento/toc: legacy immediate of length %d at %d",
				errors.Safe(s.Length), errors.Safe(r.consumed)))
		}
		copy(s.Data[:], rec[12:12+s.Length])
	} else {
		s.Offset = int64(binary.BigEndian.Uint32(rec[12:]))
	}
	r.pos += LegacyRecordSize
	r.consumed += LegacyRecordSize
	return true, nil
}

// Close implements Decoder.
func (r *legacyReader) Close() error {
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	putBuf(r.buf)
	r.buf = nil
	return nil
}

func (r *legacyReader) fail(err error) error {
	r.err = err
	r.closed = true
	putBuf(r.buf)
	r.buf = nil
	return report(r.logger, err)
}
