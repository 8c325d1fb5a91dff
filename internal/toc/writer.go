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

// segmentState is the identity of the previously encoded segment. The zero
// value is the sentinel state at the start of every block.
type segmentState struct {
	valid      bool
	objectID   base.ObjectID
	propertyID base.PropertyID
	typeID     base.TypeID
	generation base.Generation
	refObject  base.ObjectID
}

// deltaWriter writes the delta-compressed TOC format.
type deltaWriter struct {
	h      iohandler.Handler
	logger base.Logger
	// buf holds the current block. buf[:pos] has been encoded.
	buf *[]byte
	pos int
	// written is the number of TOC bytes already written to h.
	written int64
	start   int64
	total   int64
	prev    segmentState
	closed  bool
	// err is any accumulated error. The buffer is released as soon as it is
	// set.
	err error
}

var _ Encoder = (*deltaWriter)(nil)

func newDeltaWriter(h iohandler.Handler, o WriterOptions) *deltaWriter {
	return &deltaWriter{
		h:      h,
		logger: o.Logger,
		buf:    getBuf(roundUp4(o.BufferSize)),
		start:  o.StartOffset,
		total:  o.TotalSize,
	}
}

// plan is the list of entries encoding one segment.
type plan struct {
	marker     entryCode
	gen        bool
	ref        bool
	valueFlags bool
	value      entryCode
}

func (p *plan) width() int {
	n := 1 + entrySize[p.value]
	if p.marker != 0 {
		n += 1 + entrySize[p.marker]
	}
	if p.gen {
		n += 1 + entrySize[codeExplicitGen]
	}
	if p.ref {
		n += 1 + entrySize[codeRefsDataObject]
	}
	if p.valueFlags {
		n += 1 + entrySize[codeValueFlags]
	}
	return n
}

func (w *deltaWriter) plan(s *Segment) plan {
	var p plan
	switch {
	case !w.prev.valid || s.ObjectID != w.prev.objectID:
		p.marker = codeNewObject
	case s.PropertyID != w.prev.propertyID:
		p.marker = codeNewProperty
	case s.TypeID != w.prev.typeID || s.Generation != w.prev.generation || s.RefObjectID != w.prev.refObject:
		// A generation or reference list change within one value re-opens
		// the type so the markers that carry them have somewhere to attach.
		p.marker = codeNewType
	}
	if p.marker != 0 {
		p.gen = s.Generation != w.prev.generation
		p.ref = s.RefObjectID != 0
	}
	p.valueFlags = s.Flags&^base.ValueFlagsImplied != 0
	p.value = valueCode(s)
	return p
}

func validateSegment(s *Segment) error {
	if s.ObjectID == 0 {
		return errors.AssertionFailedf("bento/toc: segment without object")
	}
	if s.Immediate() {
		if s.Length < 0 || s.Length > 4 {
			return errors.AssertionFailedf("bento/toc: immediate length %d", s.Length)
		}
		if s.Continued() && s.Length != 4 {
			return errors.AssertionFailedf("bento/toc: continued immediate of length %d", s.Length)
		}
	} else if s.Offset < 0 || s.Length < 0 {
		return errors.AssertionFailedf("bento/toc: negative offset/length %d/%d", s.Offset, s.Length)
	}
	return nil
}

// WriteSegment implements Encoder.
func (w *deltaWriter) WriteSegment(s *Segment) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, ErrClosed
	}
	if err := validateSegment(s); err != nil {
		return 0, w.fail(err)
	}
	p := w.plan(s)
	if w.pos+p.width() > len(*w.buf) {
		if _, err := w.Flush(false); err != nil {
			return 0, err
		}
		// Flushing reset the previous segment; re-plan against the sentinel.
		p = w.plan(s)
	}

	buf := *w.buf
	switch p.marker {
	case codeNewObject:
		buf[w.pos] = byte(codeNewObject)
		binary.BigEndian.PutUint32(buf[w.pos+1:], uint32(s.ObjectID))
		binary.BigEndian.PutUint32(buf[w.pos+5:], uint32(s.PropertyID))
		binary.BigEndian.PutUint32(buf[w.pos+9:], uint32(s.TypeID))
		w.pos += 13
	case codeNewProperty:
		buf[w.pos] = byte(codeNewProperty)
		binary.BigEndian.PutUint32(buf[w.pos+1:], uint32(s.PropertyID))
		binary.BigEndian.PutUint32(buf[w.pos+5:], uint32(s.TypeID))
		w.pos += 9
	case codeNewType:
		buf[w.pos] = byte(codeNewType)
		binary.BigEndian.PutUint32(buf[w.pos+1:], uint32(s.TypeID))
		w.pos += 5
	}
	if p.gen {
		w.putUint32(codeExplicitGen, uint32(s.Generation))
	}
	if p.ref {
		w.putUint32(codeRefsDataObject, uint32(s.RefObjectID))
	}
	if p.valueFlags {
		w.putUint32(codeValueFlags, uint32(s.Flags&^base.ValueFlagsImplied))
	}

	buf[w.pos] = byte(p.value)
	fieldPos := w.pos + 1
	switch p.value {
	case codeOffset4Len4, codeContdOffset4Len4:
		binary.BigEndian.PutUint32(buf[fieldPos:], uint32(s.Offset))
		binary.BigEndian.PutUint32(buf[fieldPos+4:], uint32(s.Length))
	case codeOffset8Len8, codeContdOffset8Len8:
		binary.BigEndian.PutUint64(buf[fieldPos:], uint64(s.Offset))
		binary.BigEndian.PutUint64(buf[fieldPos+8:], uint64(s.Length))
	default:
		copy(buf[fieldPos:], s.Data[:s.Length])
	}
	w.pos = fieldPos + entrySize[p.value]

	w.prev = segmentState{
		valid:      true,
		objectID:   s.ObjectID,
		propertyID: s.PropertyID,
		typeID:     s.TypeID,
		generation: s.Generation,
		refObject:  s.RefObjectID,
	}
	return w.start + w.written + int64(fieldPos), nil
}

func (w *deltaWriter) putUint32(c entryCode, v uint32) {
	buf := *w.buf
	buf[w.pos] = byte(c)
	binary.BigEndian.PutUint32(buf[w.pos+1:], v)
	w.pos += 5
}

// Flush implements Encoder.
func (w *deltaWriter) Flush(final bool) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, ErrClosed
	}
	buf := *w.buf
	n := len(buf)
	if final {
		n = roundUp4(w.pos)
		for i := w.pos; i < n; i++ {
			buf[i] = byte(codeFiller)
		}
	} else if w.total > 0 && w.written+int64(n) > w.total {
		// More segments follow this block, so the TOC cannot fit.
		return 0, w.fail(errors.Wrapf(ErrOverflow, "block at %d exceeds %d",
			w.written, w.total))
	} else if w.pos < len(buf) {
		buf[w.pos] = byte(codeEndOfBuffer)
		for i := w.pos + 1; i < len(buf); i++ {
			buf[i] = byte(codeFiller)
		}
	}
	if n > 0 {
		if err := iohandler.WriteAt(w.h, buf[:n], w.start+w.written); err != nil {
			return 0, w.fail(errors.Wrap(err, "bento/toc: writing block"))
		}
	}
	w.written += int64(n)
	w.pos = 0
	w.prev = segmentState{}
	return w.written, nil
}

// Close implements Encoder.
func (w *deltaWriter) Close() (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, ErrClosed
	}
	if w.total > 0 && w.written+int64(roundUp4(w.pos)) > w.total {
		return 0, w.fail(errors.Wrapf(ErrOverflow, "%d bytes exceed %d",
			w.written+int64(roundUp4(w.pos)), w.total))
	}
	if _, err := w.Flush(true); err != nil {
		return 0, err
	}
	if w.total > 0 {
		if err := w.padTo(w.total); err != nil {
			return 0, w.fail(err)
		}
	}
	w.closed = true
	putBuf(w.buf)
	w.buf = nil
	return w.written, nil
}

// padTo writes filler from the end of the written TOC up to size.
func (w *deltaWriter) padTo(size int64) error {
	buf := *w.buf
	for i := range buf {
		buf[i] = byte(codeFiller)
	}
	for w.written < size {
		n := int64(len(buf))
		if rem := size - w.written; rem < n {
			n = rem
		}
		if err := iohandler.WriteAt(w.h, buf[:n], w.start+w.written); err != nil {
			return errors.Wrap(err, "bento/toc: padding")
		}
		w.written += n
	}
	return nil
}

// fail records err, releases the buffer and reports err.
func (w *deltaWriter) fail(err error) error {
	w.err = err
	putBuf(w.buf)
	w.buf = nil
	return report(w.logger, err)
}
