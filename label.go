// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package bento

import (
	"encoding/binary"
	"math"

	"github.com/bentoformat/bento/internal/base"
	"github.com/bentoformat/bento/internal/toc"
	"github.com/bentoformat/bento/iohandler"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// LabelSize is the size of the label ending every container.
const LabelSize = 24

// labelMagic identifies a container. It is the first field of the label.
var labelMagic = [8]byte{0xa4, 0x43, 0x4d, 0xa5, 0x48, 0x64, 0x72, 0xd7}

const labelFlagUpdating = 1 << 0

// Label is the fixed trailer locating a container's TOC:
//
//	+-----------+----------+------------------+-----------+-----------+-------------+-----------+
//	| Magic(8B) | Flags 2B | Buf size KiB 2B  | Major 2B  | Minor 2B  | TOC off 4B  | TOC len 4B|
//	+-----------+----------+------------------+-----------+-----------+-------------+-----------+
//
// All fields are big-endian.
type Label struct {
	Updating      bool
	BufferSizeKiB uint16
	Major         FormatMajorVersion
	Minor         uint16
	TOCOffset     int64
	TOCSize       int64
}

// BufferSize returns the TOC block capacity in bytes.
func (l Label) BufferSize() int { return int(l.BufferSizeKiB) << 10 }

// SafeFormat implements redact.SafeFormatter.
func (l Label) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("version %d.%d, toc [%d,%d), buffer %d KiB",
		redact.SafeUint(l.Major), redact.SafeUint(l.Minor),
		redact.SafeInt(l.TOCOffset), redact.SafeInt(l.TOCOffset+l.TOCSize),
		redact.SafeUint(l.BufferSizeKiB))
	if l.Updating {
		w.SafeString(", updating")
	}
}

// String implements fmt.Stringer.
func (l Label) String() string { return redact.StringWithoutMarkers(l) }

func (l Label) encode() ([LabelSize]byte, error) {
	var b [LabelSize]byte
	if l.TOCOffset < 0 || l.TOCOffset > math.MaxUint32 || l.TOCSize < 0 || l.TOCSize > math.MaxUint32 {
		return b, errors.Newf("bento: TOC [%d,+%d) cannot be recorded in the label", l.TOCOffset, l.TOCSize)
	}
	copy(b[:8], labelMagic[:])
	var flags uint16
	if l.Updating {
		flags |= labelFlagUpdating
	}
	binary.BigEndian.PutUint16(b[8:], flags)
	binary.BigEndian.PutUint16(b[10:], l.BufferSizeKiB)
	binary.BigEndian.PutUint16(b[12:], uint16(l.Major))
	binary.BigEndian.PutUint16(b[14:], l.Minor)
	binary.BigEndian.PutUint32(b[16:], uint32(l.TOCOffset))
	binary.BigEndian.PutUint32(b[20:], uint32(l.TOCSize))
	return b, nil
}

func decodeLabel(b []byte) (Label, error) {
	if len(b) != LabelSize || [8]byte(b[:8]) != labelMagic {
		return Label{}, base.CorruptionErrorf("bento: not a container (bad label magic)")
	}
	flags := binary.BigEndian.Uint16(b[8:])
	l := Label{
		Updating:      flags&labelFlagUpdating != 0,
		BufferSizeKiB: binary.BigEndian.Uint16(b[10:]),
		Major:         FormatMajorVersion(binary.BigEndian.Uint16(b[12:])),
		Minor:         binary.BigEndian.Uint16(b[14:]),
		TOCOffset:     int64(binary.BigEndian.Uint32(b[16:])),
		TOCSize:       int64(binary.BigEndian.Uint32(b[20:])),
	}
	if err := validateFormatMajorVersion(l.Major); err != nil {
		return Label{}, base.MarkCorruptionError(err)
	}
	if l.Major.tocFormat() == toc.FormatDelta && l.BufferSize() < toc.MinBufferSize {
		return Label{}, base.CorruptionErrorf("bento: TOC buffer size %d KiB", errors.Safe(l.BufferSizeKiB))
	}
	return l, nil
}

// ReadLabel reads the label at the end of the container stored in h, and
// returns it along with the size of the medium.
func ReadLabel(h iohandler.Handler) (Label, int64, error) {
	size, err := h.Size()
	if err != nil {
		return Label{}, 0, err
	}
	if size < LabelSize {
		return Label{}, size, base.CorruptionErrorf("bento: medium of %d bytes is too small to be a container", errors.Safe(size))
	}
	var b [LabelSize]byte
	if err := iohandler.ReadAt(h, b[:], size-LabelSize); err != nil {
		return Label{}, size, errors.Wrap(err, "bento: reading label")
	}
	l, err := decodeLabel(b[:])
	if err != nil {
		return Label{}, size, err
	}
	if l.TOCOffset+l.TOCSize > size-LabelSize {
		return Label{}, size, base.CorruptionErrorf("bento: TOC [%d,+%d) overlaps the label at %d",
			errors.Safe(l.TOCOffset), errors.Safe(l.TOCSize), errors.Safe(size-LabelSize))
	}
	return l, size, nil
}
