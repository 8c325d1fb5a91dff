// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package toc

import (
	"encoding/binary"

	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/iohandler"
	"github.com/cockroachdb/errors"
)

// deltaReader reads the delta-compressed TOC format.
type deltaReader struct {
	h      iohandler.Handler
	logger base.Logger
	// buf[pos:n] is the unread portion of the current block.
	buf    *[]byte
	pos, n int
	start  int64
	size   int64
	// consumed is the number of TOC bytes decoded or skipped so far.
	consumed int64
	prev     segmentState
	closed   bool
	err      error
}

var _ Decoder = (*deltaReader)(nil)

func newDeltaReader(h iohandler.Handler, o ReaderOptions) *deltaReader {
	return &deltaReader{
		h:      h,
		logger: o.Logger,
		buf:    getBuf(roundUp4(o.BufferSize)),
		start:  o.StartOffset,
		size:   o.Size,
	}
}

// nextCode returns the code of the next entry, loading the next block if the
// current one is exhausted. Filler and end-of-buffer entries are skipped only
// when skipPadding is set; they are returned otherwise so that the caller can
// diagnose a segment cut short. It returns codeEndOfTOC once every byte has
// been consumed.
func (r *deltaReader) nextCode(skipPadding bool) (entryCode, error) {
	for {
		if r.pos == r.n {
			if r.consumed == r.size {
				return codeEndOfTOC, nil
			}
			if !skipPadding {
				// Segments never cross blocks.
				return codeEndOfBuffer, nil
			}
			if err := r.loadBlock(); err != nil {
				return 0, err
			}
		}
		c := entryCode((*r.buf)[r.pos])
		if !skipPadding {
			return c, nil
		}
		switch c {
		case codeFiller:
			r.pos++
			r.consumed++
		case codeEndOfBuffer:
			r.consumed += int64(r.n - r.pos)
			r.pos = r.n
		default:
			return c, nil
		}
	}
}

func (r *deltaReader) loadBlock() error {
	n := int64(len(*r.buf))
	if rem := r.size - r.consumed; rem < n {
		n = rem
	}
	if err := iohandler.ReadAt(r.h, (*r.buf)[:n], r.start+r.consumed); err != nil {
		return errors.Wrap(err, "bento/toc: reading block")
	}
	r.pos, r.n = 0, int(n)
	r.prev = segmentState{}
	return nil
}

// take returns the payload of the entry with code c at the current position
// and advances past it.
func (r *deltaReader) take(c entryCode) ([]byte, error) {
	if c == codeEndOfTOC || c > codeMax || (c >= codeReservedFirst && c <= codeReservedLast) {
		return nil, base.CorruptionErrorf("bento/toc: invalid entry %s at %d", c, errors.Safe(r.consumed))
	}
	size := entrySize[c]
	if r.pos+1+size > r.n {
		return nil, base.CorruptionErrorf("bento/toc: %s entry at %d overruns block", c, errors.Safe(r.consumed))
	}
	payload := (*r.buf)[r.pos+1 : r.pos+1+size]
	r.pos += 1 + size
	r.consumed += int64(1 + size)
	return payload, nil
}

// ReadSegment implements Decoder.
func (r *deltaReader) ReadSegment(s *Segment) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	if r.closed {
		return false, ErrClosed
	}
	ok, err := r.readSegment(s)
	if err != nil {
		return false, r.fail(err)
	}
	return ok, nil
}

func (r *deltaReader) readSegment(s *Segment) (bool, error) {
	c, err := r.nextCode(true /* skipPadding */)
	if err != nil || c == codeEndOfTOC {
		return false, err
	}
	if !c.isMarker() && !c.isValue() && c != codeValueFlags {
		return false, base.CorruptionErrorf("bento/toc: unexpected %s at %d", c, errors.Safe(r.consumed))
	}
	cur := r.prev
	if c.isMarker() {
		p, err := r.take(c)
		if err != nil {
			return false, err
		}
		switch c {
		case codeNewObject:
			cur.objectID = base.ObjectID(binary.BigEndian.Uint32(p))
			cur.propertyID = base.PropertyID(binary.BigEndian.Uint32(p[4:]))
			cur.typeID = base.TypeID(binary.BigEndian.Uint32(p[8:]))
		case codeNewProperty:
			if !cur.valid {
				return false, base.CorruptionErrorf("bento/toc: %s without object at %d", c, errors.Safe(r.consumed))
			}
			cur.propertyID = base.PropertyID(binary.BigEndian.Uint32(p))
			cur.typeID = base.TypeID(binary.BigEndian.Uint32(p[4:]))
		case codeNewType:
			if !cur.valid {
				return false, base.CorruptionErrorf("bento/toc: %s without object at %d", c, errors.Safe(r.consumed))
			}
			cur.typeID = base.TypeID(binary.BigEndian.Uint32(p))
		}
		cur.valid = true
		cur.refObject = 0

		if c, err = r.nextCode(false); err != nil {
			return false, err
		}
		if c == codeExplicitGen {
			p, err := r.take(c)
			if err != nil {
				return false, err
			}
			cur.generation = base.Generation(binary.BigEndian.Uint32(p))
			if c, err = r.nextCode(false); err != nil {
				return false, err
			}
		}
		if c == codeRefsDataObject {
			p, err := r.take(c)
			if err != nil {
				return false, err
			}
			cur.refObject = base.ObjectID(binary.BigEndian.Uint32(p))
			if c, err = r.nextCode(false); err != nil {
				return false, err
			}
		}
		if !c.isValue() && c != codeValueFlags {
			return false, base.CorruptionErrorf("bento/toc: missing value entry after marker at %d (found %s)",
				errors.Safe(r.consumed), c)
		}
	} else if !cur.valid {
		return false, base.CorruptionErrorf("bento/toc: %s without object at %d", c, errors.Safe(r.consumed))
	}

	var flags base.ValueFlags
	if c == codeValueFlags {
		p, err := r.take(c)
		if err != nil {
			return false, err
		}
		flags = base.ValueFlags(binary.BigEndian.Uint32(p))
		if c, err = r.nextCode(false); err != nil {
			return false, err
		}
	}
	if !c.isValue() {
		return false, base.CorruptionErrorf("bento/toc: unexpected %s at %d", c, errors.Safe(r.consumed))
	}
	p, err := r.take(c)
	if err != nil {
		return false, err
	}
	*s = Segment{
		ObjectID:    cur.objectID,
		PropertyID:  cur.propertyID,
		TypeID:      cur.typeID,
		Generation:  cur.generation,
		Flags:       flags,
		RefObjectID: cur.refObject,
	}
	switch c {
	case codeOffset4Len4, codeContdOffset4Len4:
		s.Offset = int64(binary.BigEndian.Uint32(p))
		s.Length = int64(binary.BigEndian.Uint32(p[4:]))
	case codeOffset8Len8, codeContdOffset8Len8:
		s.Offset = int64(binary.BigEndian.Uint64(p))
		s.Length = int64(binary.BigEndian.Uint64(p[8:]))
		if s.Offset < 0 || s.Length < 0 {
			return false, base.CorruptionErrorf("bento/toc: value range overflows at %d", errors.Safe(r.consumed))
		}
	default:
		s.Flags |= base.ValueFlagImmediate
		s.Length = int64(copy(s.Data[:], p))
	}
	if c.isContinued() {
		s.Flags |= base.ValueFlagContinued
	}
	r.prev = cur
	return true, nil
}

// Close implements Decoder.
func (r *deltaReader) Close() error {
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	putBuf(r.buf)
	r.buf = nil
	return nil
}

// fail records err, releases the buffer and reports err.
func (r *deltaReader) fail(err error) error {
	r.err = err
	r.closed = true
	putBuf(r.buf)
	r.buf = nil
	return report(r.logger, err)
}
