// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package toc reads and writes a container's table of contents: the stream of
// catalog entries ("segments") locating every value.
//
// # Current format
//
// The TOC is divided into blocks of a fixed capacity (a multiple of 4 bytes).
// Each block holds tightly packed entries; an entry is a one byte code
// followed by a fixed size payload determined by the code:
//
//	+----------+--- ... ---+
//	| Code(1B) | Payload   |
//	+----------+--- ... ---+
//
// A segment is encoded as at most one of NewObject, NewProperty or NewType,
// emitted only for what changed since the previous segment, then an optional
// ExplicitGen (when the generation changed), an optional RefsDataObject, an
// optional ValueFlags and finally exactly one value entry. Segments never
// cross block boundaries. A block that is not the last is terminated by
// EndOfBuffer followed by filler bytes. The final block is padded with filler
// to a multiple of 4 bytes. The previous-segment state is reset at every
// block boundary, so each block can be decoded on its own.
//
// All multi-byte fields are big-endian.
//
// # Legacy format
//
// Containers with major format version 1 store the TOC as fixed 24 byte
// records with every field present:
//
//	+-----------+-------------+---------+------------+------------+---------+---------+
//	| Object 4B | Property 4B | Type 4B | Offset 4B  | Length 4B  | Gen 2B  | Flags 2B|
//	+-----------+-------------+---------+------------+------------+---------+---------+
//
// Immediate data is stored in the offset field.
package toc

import (
	"math"

	"github.com/bentoformat/bento/internal/base"
	"github.com/cockroachdb/redact"
)

// Format selects the TOC encoding.
type Format uint16

const (
	// FormatLegacy is the fixed 24 byte record format of major version 1.
	FormatLegacy Format = 1
	// FormatDelta is the delta-compressed format of major version 2.
	FormatDelta Format = 2
)

// entryCode is the one byte tag preceding every entry. These constants are
// part of the wire format and should not be changed.
type entryCode uint8

const (
	// codeEndOfTOC is synthetic: it is returned internally once every byte of
	// the TOC has been consumed and is never written.
	codeEndOfTOC entryCode = 0

	codeNewObject      entryCode = 1
	codeNewProperty    entryCode = 2
	codeNewType        entryCode = 3
	codeExplicitGen    entryCode = 4
	codeRefsDataObject entryCode = 5
	codeValueFlags     entryCode = 6

	codeOffset4Len4      entryCode = 7
	codeContdOffset4Len4 entryCode = 8
	codeOffset8Len8      entryCode = 9
	codeContdOffset8Len8 entryCode = 10

	codeImmediate0      entryCode = 11
	codeImmediate4      entryCode = 15
	codeContdImmediate4 entryCode = 16

	codeReservedFirst entryCode = 17
	codeReservedLast  entryCode = 25

	codeEndOfBuffer entryCode = 26

	codeMax = codeEndOfBuffer

	// codeFiller pads the unused tail of a block.
	codeFiller entryCode = 0xff
)

// entrySize maps each entry code to the size of its payload.
var entrySize = [codeMax + 1]int{
	codeNewObject:        12,
	codeNewProperty:      8,
	codeNewType:          4,
	codeExplicitGen:      4,
	codeRefsDataObject:   4,
	codeValueFlags:       4,
	codeOffset4Len4:      8,
	codeContdOffset4Len4: 8,
	codeOffset8Len8:      16,
	codeContdOffset8Len8: 16,
	codeImmediate0:       0,
	codeImmediate0 + 1:   1,
	codeImmediate0 + 2:   2,
	codeImmediate0 + 3:   3,
	codeImmediate4:       4,
	codeContdImmediate4:  4,
	17:                   4,
	18:                   4,
	19:                   4,
	20:                   8,
	21:                   8,
	22:                   8,
	23:                   12,
	24:                   12,
	25:                   12,
	codeEndOfBuffer:      0,
}

var codeNames = [codeMax + 1]string{
	codeEndOfTOC:         "EndOfTOC",
	codeNewObject:        "NewObject",
	codeNewProperty:      "NewProperty",
	codeNewType:          "NewType",
	codeExplicitGen:      "ExplicitGen",
	codeRefsDataObject:   "RefsDataObject",
	codeValueFlags:       "ValueFlags",
	codeOffset4Len4:      "Offset4Len4",
	codeContdOffset4Len4: "ContdOffset4Len4",
	codeOffset8Len8:      "Offset8Len8",
	codeContdOffset8Len8: "ContdOffset8Len8",
	codeImmediate0:       "Immediate0",
	codeImmediate0 + 1:   "Immediate1",
	codeImmediate0 + 2:   "Immediate2",
	codeImmediate0 + 3:   "Immediate3",
	codeImmediate4:       "Immediate4",
	codeContdImmediate4:  "ContdImmediate4",
	codeEndOfBuffer:      "EndOfBuffer",
}

// String implements fmt.Stringer.
func (c entryCode) String() string {
	return redact.StringWithoutMarkers(c)
}

// SafeFormat implements redact.SafeFormatter.
func (c entryCode) SafeFormat(w redact.SafePrinter, _ rune) {
	switch {
	case c == codeFiller:
		w.SafeString("Filler")
	case c >= codeReservedFirst && c <= codeReservedLast:
		w.Printf("Reserved%d", redact.SafeUint(c))
	case c <= codeMax:
		w.SafeString(redact.SafeString(codeNames[c]))
	default:
		w.Printf("Unknown(0x%02x)", redact.SafeUint(c))
	}
}

func (c entryCode) isValue() bool {
	return c >= codeOffset4Len4 && c <= codeContdImmediate4
}

func (c entryCode) isMarker() bool {
	return c >= codeNewObject && c <= codeNewType
}

func (c entryCode) isImmediate() bool {
	return c >= codeImmediate0 && c <= codeContdImmediate4
}

func (c entryCode) isContinued() bool {
	return c == codeContdOffset4Len4 || c == codeContdOffset8Len8 || c == codeContdImmediate4
}

const (
	// MinBufferSize is the smallest block capacity accepted by the writer. It
	// comfortably exceeds maxSegmentSize.
	MinBufferSize = 64

	// maxSegmentSize is the largest encoding of one segment: NewObject,
	// ExplicitGen, RefsDataObject, ValueFlags and an 8+8 value entry.
	maxSegmentSize = (1 + 12) + (1 + 4) + (1 + 4) + (1 + 4) + (1 + 16)

	// ValueFieldSize is the number of bytes a back-patch overwrites at the
	// offset returned by WriteSegment: a 4 byte offset and a 4 byte length.
	ValueFieldSize = 8

	// LegacyRecordSize is the size of one legacy record. Each segment of a
	// legacy TOC takes exactly one record.
	LegacyRecordSize = 24

	// legacyValueFieldOffset is the position of the value offset field within
	// a legacy record.
	legacyValueFieldOffset = 12
)

// Segment is one decoded catalog entry: one chunk of one value.
type Segment struct {
	ObjectID   base.ObjectID
	PropertyID base.PropertyID
	TypeID     base.TypeID
	Generation base.Generation
	// Flags includes the code-implied ValueFlagImmediate and
	// ValueFlagContinued bits.
	Flags base.ValueFlags
	// Offset and Length locate the chunk. For immediate segments Length is the
	// number of valid bytes in Data and Offset is unused.
	Offset int64
	Length int64
	Data   [4]byte
	// RefObjectID is the private object holding the value's reference
	// associations, or zero.
	RefObjectID base.ObjectID
}

// Immediate returns true if the segment carries its data inline.
func (s *Segment) Immediate() bool { return s.Flags&base.ValueFlagImmediate != 0 }

// Continued returns true if more segments of the same value follow.
func (s *Segment) Continued() bool { return s.Flags&base.ValueFlagContinued != 0 }

// String implements fmt.Stringer.
func (s Segment) String() string { return redact.StringWithoutMarkers(s) }

// SafeFormat implements redact.SafeFormatter.
func (s Segment) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s.%s.%s gen=%d", s.ObjectID, s.PropertyID, s.TypeID, redact.SafeUint(s.Generation))
	if s.Immediate() {
		w.Printf(" imm=%x", s.Data[:s.Length])
	} else {
		w.Printf(" off=%d len=%d", redact.SafeInt(s.Offset), redact.SafeInt(s.Length))
	}
	if s.Flags != 0 {
		w.Printf(" flags=%s", s.Flags)
	}
	if s.RefObjectID != 0 {
		w.Printf(" refs=%s", s.RefObjectID)
	}
}

// valueCode picks the value entry for s.
func valueCode(s *Segment) entryCode {
	contd := s.Continued()
	switch {
	case s.Immediate():
		if contd {
			return codeContdImmediate4
		}
		return codeImmediate0 + entryCode(s.Length)
	case s.Offset <= math.MaxUint32 && s.Length <= math.MaxUint32:
		if contd {
			return codeContdOffset4Len4
		}
		return codeOffset4Len4
	default:
		if contd {
			return codeContdOffset8Len8
		}
		return codeOffset8Len8
	}
}

func roundUp4(n int) int {
	return (n + 3) &^ 3
}
